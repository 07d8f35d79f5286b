package settle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/metrics"
	"github.com/guess5-labs/escrow-engine/internal/store"
	"github.com/guess5-labs/escrow-engine/internal/vault"
)

// RunExecutor is the aggressive retry loop: every pass it picks up proposals
// with all signatures collected but no recorded execution and drives them to
// completion. It never gives up on a ready proposal; the attempt cap lives
// in the reconciler.
func (s *Service) RunExecutor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ExecutorInterval)
	defer ticker.Stop()

	s.log.Info("execution retry loop started", zap.Duration("interval", s.cfg.ExecutorInterval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("execution retry loop stopped")
			return
		case <-ticker.C:
			s.executorPass(ctx)
		}
	}
}

func (s *Service) executorPass(ctx context.Context) {
	rows, err := s.store.FindExecuteReady(ctx, s.cfg.ExecutorWindow)
	if err != nil {
		s.log.Error("executor: scan execute-ready", zap.Error(err))
		return
	}

	for i := range rows {
		m := &rows[i]
		if err := s.executeMatch(ctx, m.ID); err != nil {
			// One bad row must never halt the scan.
			s.log.Error("executor: execute failed, will retry next pass",
				zap.String("match", m.ID),
				zap.String("proposal", m.ProposalID),
				zap.Error(err),
			)
		}
	}
}

// executedSignature picks the best available tx reference for a drift
// correction: the ledger's execution signature when the status response
// carries one, else whatever the store already holds.
func executedSignature(state *vault.ProposalState, m *store.Match) string {
	if state.TxSignature != "" {
		return state.TxSignature
	}
	return m.TxSignature
}

// executeMatch re-verifies readiness on the ledger and executes the
// proposal, under the match lock so the executor and reconciler cannot fire
// the same execution twice. Already-executed is a no-op on every path.
func (s *Service) executeMatch(ctx context.Context, matchID string) error {
	err := s.guard.WithLock(ctx, matchID, func(ctx context.Context) error {
		m, err := s.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Settled() || m.ProposalStatus.Terminal() {
			return nil
		}

		state, err := s.vault.CheckStatus(ctx, m.VaultAddress, m.ProposalID)
		if err != nil {
			return err
		}
		isRefund := m.ProposalKind == store.KindTieRefund

		if state.Executed {
			// Ledger ran ahead of the store; record, never re-execute.
			if _, err := s.store.MarkExecuted(ctx, matchID, executedSignature(state, m), isRefund); err != nil {
				return err
			}
			metrics.DriftCorrections.Inc()
			return nil
		}
		if !state.ExecuteReady() {
			// Store says ready, ledger disagrees (lagging approval reads).
			// Leave the row for a later pass.
			return nil
		}

		if err := s.store.SetStatus(ctx, matchID, store.StatusExecuting); err != nil {
			return err
		}

		// The executor does not touch the attempt counter: it retries on a
		// seconds scale and never gives up, so counting its failures would
		// burn the reconciler's poison cap during any ordinary vault outage.
		res, err := s.vault.Execute(ctx, m.VaultAddress, m.ProposalID, s.cfg.Authority)
		if errors.Is(err, vault.ErrAlreadyExecuted) {
			_, markErr := s.store.MarkExecuted(ctx, matchID, m.TxSignature, isRefund)
			return markErr
		}
		if err != nil {
			metrics.Executions.WithLabelValues("fail").Inc()
			// Put the row back where the next pass can find it.
			if setErr := s.store.SetStatus(ctx, matchID, store.StatusReadyToExecute); setErr != nil {
				s.log.Error("executor: restore status", zap.String("match", matchID), zap.Error(setErr))
			}
			return err
		}

		if _, err := s.store.MarkExecuted(ctx, matchID, res.Signature, isRefund); err != nil {
			return err
		}
		metrics.Executions.WithLabelValues("ok").Inc()
		s.log.Info("proposal executed",
			zap.String("match", matchID),
			zap.String("proposal", m.ProposalID),
			zap.String("tx", res.Signature),
			zap.Uint64("slot", res.Slot),
			zap.Bool("refund", isRefund),
		)
		return nil
	})

	if errors.Is(err, lock.ErrNotAcquired) {
		// Another loop or instance holds the match; it will finish the job.
		return nil
	}
	return err
}

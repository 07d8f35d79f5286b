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

// RunReconciler is the final safety net: a slow auditor that compares stuck
// store rows against ledger ground truth, fixes drift, force-executes ready
// proposals, and caps retries so a poisoned proposal cannot spin forever.
func (s *Service) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	s.log.Info("reconciliation worker started",
		zap.Duration("interval", s.cfg.ReconcileInterval),
		zap.Duration("stuckThreshold", s.cfg.StuckThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			s.reconcilePass(ctx)
		}
	}
}

func (s *Service) reconcilePass(ctx context.Context) {
	rows, err := s.store.FindStuck(ctx, s.cfg.StuckThreshold)
	if err != nil {
		s.log.Error("reconciler: scan stuck", zap.Error(err))
		return
	}

	for i := range rows {
		m := &rows[i]
		if err := s.reconcileMatch(ctx, m.ID); err != nil {
			s.log.Error("reconciler: match failed",
				zap.String("match", m.ID),
				zap.String("proposal", m.ProposalID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) reconcileMatch(ctx context.Context, matchID string) error {
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

		switch {
		case state.Executed:
			// Ledger truth wins: the funds already moved, only the store is
			// behind. Fix the row, never re-execute.
			if _, err := s.store.MarkExecuted(ctx, matchID, executedSignature(state, m), isRefund); err != nil {
				return err
			}
			metrics.DriftCorrections.Inc()
			s.log.Info("reconciler: corrected drift, ledger already executed",
				zap.String("match", matchID),
				zap.String("proposal", m.ProposalID),
			)
			return nil

		case state.ExecuteReady():
			attempts, err := s.store.RecordAttempt(ctx, matchID)
			if err != nil {
				return err
			}
			if attempts > s.cfg.MaxExecutionAttempts {
				if err := s.store.SetStatus(ctx, matchID, store.StatusError); err != nil {
					return err
				}
				metrics.PoisonedProposals.Inc()
				s.log.Error("reconciler: attempt cap exceeded, match needs manual intervention",
					zap.String("match", matchID),
					zap.String("proposal", m.ProposalID),
					zap.Int("attempts", attempts),
				)
				return nil
			}

			res, err := s.vault.Execute(ctx, m.VaultAddress, m.ProposalID, s.cfg.Authority)
			if errors.Is(err, vault.ErrAlreadyExecuted) {
				_, markErr := s.store.MarkExecuted(ctx, matchID, m.TxSignature, isRefund)
				return markErr
			}
			if err != nil {
				metrics.Executions.WithLabelValues("fail").Inc()
				return err
			}
			if _, err := s.store.MarkExecuted(ctx, matchID, res.Signature, isRefund); err != nil {
				return err
			}
			metrics.Executions.WithLabelValues("ok").Inc()
			s.log.Info("reconciler: force-executed stuck proposal",
				zap.String("match", matchID),
				zap.String("proposal", m.ProposalID),
				zap.String("tx", res.Signature),
				zap.Int("attempts", attempts),
			)
			return nil

		default:
			// Not executed, not ready: signatures are still outstanding.
			// Nothing to fix here; log and move on.
			s.log.Info("reconciler: proposal not ready, no action",
				zap.String("match", matchID),
				zap.String("proposal", m.ProposalID),
				zap.String("ledgerStatus", string(state.Status)),
				zap.Int("approvals", len(state.ApprovedSigners)),
				zap.Int("threshold", state.Threshold),
			)
			return nil
		}
	})

	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}

package settle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/metrics"
	"github.com/guess5-labs/escrow-engine/internal/outcome"
	"github.com/guess5-labs/escrow-engine/internal/store"
)

// RunExpiryWorker is the refund fallback: proposals that sat through the
// whole expiration window without collecting a single signature are
// converted to tie-refund proposals; anything with partial progress is
// only marked EXPIRED so a human or the normal flow can still finish it.
func (s *Service) RunExpiryWorker(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ExpiryInterval)
	defer ticker.Stop()

	s.log.Info("expiry worker started",
		zap.Duration("interval", s.cfg.ExpiryInterval),
		zap.Duration("expirationWindow", s.cfg.ExpirationWindow),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry worker stopped")
			return
		case <-ticker.C:
			s.expiryPass(ctx)
		}
	}
}

func (s *Service) expiryPass(ctx context.Context) {
	rows, err := s.store.FindExpired(ctx, s.cfg.ExpirationWindow)
	if err != nil {
		s.log.Error("expiry: scan expired", zap.Error(err))
		return
	}

	for i := range rows {
		m := &rows[i]
		if err := s.expireMatch(ctx, m.ID); err != nil {
			s.log.Error("expiry: handling failed",
				zap.String("match", m.ID),
				zap.String("proposal", m.ProposalID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) expireMatch(ctx context.Context, matchID string) error {
	err := s.guard.WithLock(ctx, matchID, func(ctx context.Context) error {
		m, err := s.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		// Re-check under the lock: the proposal may have progressed or been
		// replaced since the scan.
		if m.Settled() || m.ProposalStatus != store.StatusActive {
			return nil
		}

		// Re-read the live signer list; the store's copy can lag.
		state, err := s.vault.CheckStatus(ctx, m.VaultAddress, m.ProposalID)
		if err != nil {
			return err
		}
		if len(state.ApprovedSigners) > 0 {
			// Real progress was made; converting would abandon it. The store
			// may not have seen these approvals (verifications can time out),
			// so fold the ledger's signer list in before deciding.
			for _, signer := range state.ApprovedSigners {
				if signer != m.Player1 && signer != m.Player2 {
					continue
				}
				if _, err := s.store.ConfirmSigner(ctx, matchID, signer); err != nil {
					return err
				}
			}
			refreshed, err := s.store.Get(ctx, matchID)
			if err != nil {
				return err
			}
			if refreshed.NeededSignatures == 0 {
				// Fully approved after all; the executor takes it from here.
				s.log.Info("stalled proposal fully approved on ledger, handing to executor",
					zap.String("match", matchID),
					zap.String("proposal", m.ProposalID),
				)
				return nil
			}

			if err := s.store.SetStatus(ctx, matchID, store.StatusExpired); err != nil {
				return err
			}
			metrics.Expiries.Inc()
			s.log.Warn("proposal expired with partial signatures",
				zap.String("match", matchID),
				zap.String("proposal", m.ProposalID),
				zap.Int("signatures", len(state.ApprovedSigners)),
			)
			return nil
		}

		if m.ProposalKind == store.KindTieRefund {
			// Refund proposals do not convert again; expiring one stalls the
			// match for operator attention.
			if err := s.store.SetStatus(ctx, matchID, store.StatusExpired); err != nil {
				return err
			}
			metrics.Expiries.Inc()
			s.log.Warn("refund proposal expired with no signatures",
				zap.String("match", matchID),
				zap.String("proposal", m.ProposalID),
			)
			return nil
		}

		// Zero signatures on a payout: replace it with a refund of the
		// losing-tie shape so both players get their stake back minus fees.
		refundEach := outcome.LosingTiePlan(m.Stake).RefundEach
		res, err := s.vault.ProposeRefund(ctx, m.VaultAddress, m.Player1, m.Player2, refundEach)
		if err != nil {
			return err
		}
		expiresAt := time.Now().Add(s.cfg.ExpirationWindow)
		if err := s.store.ReplaceWithRefund(ctx, matchID, res.ProposalID, res.RequiredSignatures, expiresAt); err != nil {
			return err
		}

		metrics.RefundConversions.Inc()
		metrics.ProposalsCreated.WithLabelValues(string(store.KindTieRefund)).Inc()
		s.log.Info("stalled payout converted to refund proposal",
			zap.String("match", matchID),
			zap.String("oldProposal", m.ProposalID),
			zap.String("refundProposal", res.ProposalID),
			zap.Uint64("refundEach", refundEach),
		)
		return nil
	})

	if errors.Is(err, lock.ErrNotAcquired) {
		return nil // another holder is working the match; next pass re-checks
	}
	return err
}

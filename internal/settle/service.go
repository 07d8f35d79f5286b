package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/metrics"
	"github.com/guess5-labs/escrow-engine/internal/outcome"
	"github.com/guess5-labs/escrow-engine/internal/store"
	"github.com/guess5-labs/escrow-engine/internal/vault"
	"github.com/guess5-labs/escrow-engine/internal/verify"
)

// MatchStore is the slice of the lifecycle store the settlement engine uses.
type MatchStore interface {
	Create(ctx context.Context, m *store.Match) error
	Get(ctx context.Context, id string) (*store.Match, error)
	SetOutcome(ctx context.Context, id, winner string, r1, r2 *outcome.PlayerResult) error
	AttachProposal(ctx context.Context, id, proposalID string, kind store.ProposalKind, needed int, expiresAt time.Time) error
	ReplaceWithRefund(ctx context.Context, id, proposalID string, needed int, expiresAt time.Time) error
	ConfirmSigner(ctx context.Context, id, wallet string) (bool, error)
	SetStatus(ctx context.Context, id string, status store.ProposalStatus) error
	MarkExecuted(ctx context.Context, id, txSignature string, refund bool) (bool, error)
	RecordAttempt(ctx context.Context, id string) (int, error)
	FindExecuteReady(ctx context.Context, window time.Duration) ([]store.Match, error)
	FindExpired(ctx context.Context, window time.Duration) ([]store.Match, error)
	FindStuck(ctx context.Context, stuckFor time.Duration) ([]store.Match, error)
}

// VaultGateway is the slice of the vault client the engine uses.
type VaultGateway interface {
	ProposePayout(ctx context.Context, vaultAddr, winner string, winnerAmount uint64, feeAccount string, feeAmount uint64) (*vault.ProposalResult, error)
	ProposeRefund(ctx context.Context, vaultAddr, playerA, playerB string, amountEach uint64) (*vault.ProposalResult, error)
	CheckStatus(ctx context.Context, vaultAddr, proposalID string) (*vault.ProposalState, error)
	Execute(ctx context.Context, vaultAddr, proposalID, authority string) (*vault.ExecResult, error)
}

// Locker is the match-scoped mutual exclusion guard.
type Locker interface {
	WithLock(ctx context.Context, matchID string, op func(ctx context.Context) error) error
}

// ApprovalVerifier confirms a signer's approval on-chain.
type ApprovalVerifier interface {
	Verify(ctx context.Context, req verify.Request) (verify.Status, error)
}

// Config tunes the settlement engine and its background loops.
type Config struct {
	FeeWallet string
	// Authority is the engine's own signer used to submit execute calls.
	Authority string

	ExecutorInterval time.Duration
	// ExecutorWindow bounds how old a proposal the executor picks up; older
	// rows are left to the reconciler.
	ExecutorWindow time.Duration

	ExpiryInterval time.Duration
	// ExpirationWindow is how long an active proposal may sit without full
	// approval before the fallback considers it stalled.
	ExpirationWindow time.Duration

	ReconcileInterval time.Duration
	StuckThreshold    time.Duration
	// MaxExecutionAttempts caps reconciler-driven retries before a match is
	// latched to ERROR.
	MaxExecutionAttempts int
}

func DefaultConfig() Config {
	return Config{
		ExecutorInterval:     15 * time.Second,
		ExecutorWindow:       2 * time.Hour,
		ExpiryInterval:       5 * time.Minute,
		ExpirationWindow:     30 * time.Minute,
		ReconcileInterval:    10 * time.Minute,
		StuckThreshold:       10 * time.Minute,
		MaxExecutionAttempts: 10,
	}
}

// Service drives the escrow settlement lifecycle: outcome → proposal →
// signatures → execution, with the three background loops recovering
// anything the synchronous path drops.
type Service struct {
	store    MatchStore
	vault    VaultGateway
	guard    Locker
	verifier ApprovalVerifier
	cfg      Config
	log      *zap.Logger
}

func NewService(st MatchStore, vg VaultGateway, guard Locker, verifier ApprovalVerifier, cfg Config, log *zap.Logger) *Service {
	return &Service{store: st, vault: vg, guard: guard, verifier: verifier, cfg: cfg, log: log}
}

// ErrUnresolved: the match has no decidable outcome yet (neither result in).
var ErrUnresolved = errors.New("match outcome not resolvable yet")

// MatchRegistration announces a funded match whose settlement this engine
// will own. Sent by the game backend once both stakes are in the vault.
type MatchRegistration struct {
	MatchID      string `json:"matchId" binding:"required"`
	Player1      string `json:"player1" binding:"required"`
	Player2      string `json:"player2" binding:"required"`
	Stake        uint64 `json:"stake" binding:"required"`
	VaultAddress string `json:"vaultAddress" binding:"required"`
	VaultAccount string `json:"vaultAccount"`
}

// Register creates the lifecycle row for a funded match. Registering the
// same id twice returns store.ErrMatchExists.
func (s *Service) Register(ctx context.Context, reg MatchRegistration) error {
	if reg.Player1 == reg.Player2 {
		return fmt.Errorf("match %s: players must be distinct", reg.MatchID)
	}
	if reg.Stake == 0 {
		return fmt.Errorf("match %s: stake must be positive", reg.MatchID)
	}
	vaultAccount := reg.VaultAccount
	if vaultAccount == "" {
		vaultAccount = vault.DeriveProposalAddress(reg.VaultAddress, 1)
	}

	err := s.store.Create(ctx, &store.Match{
		ID:           reg.MatchID,
		Player1:      reg.Player1,
		Player2:      reg.Player2,
		Stake:        reg.Stake,
		VaultAddress: reg.VaultAddress,
		VaultAccount: vaultAccount,
	})
	if err != nil {
		return err
	}

	s.log.Info("match registered",
		zap.String("match", reg.MatchID),
		zap.String("vault", reg.VaultAddress),
		zap.Uint64("stake", reg.Stake),
	)
	return nil
}

// OnMatchCompleted resolves the outcome and creates the settlement proposal.
// Safe to call repeatedly and concurrently: the first caller to win the lock
// creates the proposal, everyone else adopts it.
func (s *Service) OnMatchCompleted(ctx context.Context, matchID string) error {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Settled() || m.ProposalStatus.Terminal() {
		return nil
	}
	if m.HasProposal() {
		return nil // settlement already in flight
	}

	out := outcome.Resolve(m.Stake, m.Player1, m.Player2, m.Player1Result, m.Player2Result)
	if !out.Resolved() {
		return fmt.Errorf("%w: match %s", ErrUnresolved, matchID)
	}
	if err := s.store.SetOutcome(ctx, matchID, out.Winner, m.Player1Result, m.Player2Result); err != nil {
		return err
	}

	return s.createProposal(ctx, m, out)
}

// createProposal creates the proposal under the match lock with a
// double-checked re-read: the pre-lock check in OnMatchCompleted and the
// lock acquisition are not atomic, so the winner of the race may already
// have attached a proposal by the time we hold the lock.
func (s *Service) createProposal(ctx context.Context, m *store.Match, out outcome.Outcome) error {
	matchID := m.ID
	err := s.guard.WithLock(ctx, matchID, func(ctx context.Context) error {
		current, err := s.store.Get(ctx, matchID)
		if err != nil {
			return err
		}
		if current.HasProposal() || current.Settled() {
			return nil // another caller won the race; their proposal stands
		}

		var res *vault.ProposalResult
		var kind store.ProposalKind
		if out.Winner == outcome.Tie {
			kind = store.KindTieRefund
			res, err = s.vault.ProposeRefund(ctx, current.VaultAddress, current.Player1, current.Player2, out.Plan.RefundEach)
		} else {
			kind = store.KindWinnerPayout
			res, err = s.vault.ProposePayout(ctx, current.VaultAddress, out.Winner, out.Plan.WinnerAmount, s.cfg.FeeWallet, out.Plan.FeeAmount)
		}
		if err != nil {
			return fmt.Errorf("create %s proposal for %s: %w", kind, matchID, err)
		}

		expiresAt := time.Now().Add(s.cfg.ExpirationWindow)
		if err := s.store.AttachProposal(ctx, matchID, res.ProposalID, kind, res.RequiredSignatures, expiresAt); err != nil {
			if errors.Is(err, store.ErrProposalExists) {
				// Lost a race we thought we had won; the attached one stands.
				return nil
			}
			return err
		}

		metrics.ProposalsCreated.WithLabelValues(string(kind)).Inc()
		s.log.Info("settlement proposal created",
			zap.String("match", matchID),
			zap.String("proposal", res.ProposalID),
			zap.String("kind", string(kind)),
			zap.Int("requiredSignatures", res.RequiredSignatures),
		)
		return nil
	})

	if errors.Is(err, lock.ErrNotAcquired) {
		// Another holder is creating the proposal right now. If it already
		// landed, that is success from this caller's point of view.
		current, getErr := s.store.Get(ctx, matchID)
		if getErr == nil && current.HasProposal() {
			return nil
		}
		return err
	}
	return err
}

// SignRequest is what a player needs to countersign the proposal.
type SignRequest struct {
	MatchID         string `json:"matchId"`
	VaultAddress    string `json:"vaultAddress"`
	ProposalAddress string `json:"proposalAddress"`
	Signer          string `json:"signer"`
}

// SignProposal returns the proposal address for playerWallet to countersign.
func (s *Service) SignProposal(ctx context.Context, matchID, playerWallet string) (*SignRequest, error) {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasProposal() {
		return nil, fmt.Errorf("match %s has no proposal to sign", matchID)
	}
	if m.Settled() {
		return nil, fmt.Errorf("match %s is already settled", matchID)
	}
	if playerWallet != m.Player1 && playerWallet != m.Player2 {
		return nil, fmt.Errorf("wallet %s is not a player of match %s", playerWallet, matchID)
	}
	return &SignRequest{
		MatchID:         matchID,
		VaultAddress:    m.VaultAddress,
		ProposalAddress: m.ProposalID,
		Signer:          playerWallet,
	}, nil
}

// ConfirmApproval verifies on-chain that playerWallet approved the match's
// proposal and, if confirmed, records the signer. TIMED_OUT is inconclusive:
// the signer is not recorded, but nothing is marked failed — callers should
// re-check later.
func (s *Service) ConfirmApproval(ctx context.Context, matchID, playerWallet, txSignature string) (verify.Status, error) {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return verify.StatusPending, err
	}
	if !m.HasProposal() {
		return verify.StatusPending, fmt.Errorf("match %s has no proposal", matchID)
	}

	status, err := s.verifier.Verify(ctx, verify.Request{
		Vault:       m.VaultAddress,
		ProposalID:  m.ProposalID,
		Signer:      playerWallet,
		TxSignature: txSignature,
	})
	if err != nil {
		return status, err
	}
	metrics.Verifications.WithLabelValues(status.String()).Inc()

	if status == verify.StatusConfirmed {
		applied, err := s.store.ConfirmSigner(ctx, matchID, playerWallet)
		if err != nil {
			return status, err
		}
		if applied {
			s.log.Info("approval recorded",
				zap.String("match", matchID),
				zap.String("signer", playerWallet),
			)
		}
	}
	return status, nil
}

// EscrowState is the user-visible settlement snapshot. Internal retry and
// reconciliation detail never leaves the engine.
type EscrowState struct {
	MatchID          string               `json:"matchId"`
	Settlement       string               `json:"settlement"` // pending | complete | error
	ProposalID       string               `json:"proposalId,omitempty"`
	ProposalStatus   store.ProposalStatus `json:"proposalStatus,omitempty"`
	Signers          []string             `json:"signers,omitempty"`
	NeededSignatures int                  `json:"neededSignatures"`
	TxSignature      string               `json:"txSignature,omitempty"`
}

// State returns the settlement snapshot for a match.
func (s *Service) State(ctx context.Context, matchID string) (*EscrowState, error) {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}

	settlement := "pending"
	switch m.ProposalStatus {
	case store.StatusExecuted:
		settlement = "complete"
	case store.StatusError:
		settlement = "error"
	}
	return &EscrowState{
		MatchID:          m.ID,
		Settlement:       settlement,
		ProposalID:       m.ProposalID,
		ProposalStatus:   m.ProposalStatus,
		Signers:          m.Signers,
		NeededSignatures: m.NeededSignatures,
		TxSignature:      m.TxSignature,
	}, nil
}

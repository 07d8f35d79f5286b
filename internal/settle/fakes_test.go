package settle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/outcome"
	"github.com/guess5-labs/escrow-engine/internal/store"
	"github.com/guess5-labs/escrow-engine/internal/vault"
	"github.com/guess5-labs/escrow-engine/internal/verify"
)

// fakeStore is an in-memory MatchStore with the same mutation guards the SQL
// store enforces (proposal-attach race, signer idempotence, executed latch).
type fakeStore struct {
	mu      sync.Mutex
	matches map[string]*store.Match
}

func newFakeStore() *fakeStore {
	return &fakeStore{matches: make(map[string]*store.Match)}
}

func (f *fakeStore) put(m *store.Match) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.matches[m.ID] = &cp
}

func (f *fakeStore) get(id string) *store.Match {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.matches[id]; ok {
		cp := *m
		return &cp
	}
	return nil
}

func (f *fakeStore) Create(ctx context.Context, m *store.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.matches[m.ID]; ok {
		return store.ErrMatchExists
	}
	cp := *m
	if cp.ProposalStatus == "" {
		cp.ProposalStatus = store.StatusPending
	}
	f.matches[m.ID] = &cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*store.Match, error) {
	if m := f.get(id); m != nil {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SetOutcome(ctx context.Context, id, winner string, r1, r2 *outcome.PlayerResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Winner = winner
	m.Player1Result, m.Player2Result = r1, r2
	return nil
}

func (f *fakeStore) AttachProposal(ctx context.Context, id, proposalID string, kind store.ProposalKind, needed int, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.ProposalID != "" || m.ExecutedAt != nil {
		return store.ErrProposalExists
	}
	now := time.Now()
	m.ProposalID = proposalID
	m.ProposalKind = kind
	m.ProposalStatus = store.StatusActive
	m.Signers = nil
	m.NeededSignatures = needed
	m.ProposalCreatedAt = &now
	m.ProposalExpiresAt = &expiresAt
	return nil
}

func (f *fakeStore) ReplaceWithRefund(ctx context.Context, id, proposalID string, needed int, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok || m.ProposalID == "" || m.ExecutedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	m.ProposalID = proposalID
	m.ProposalKind = store.KindTieRefund
	m.ProposalStatus = store.StatusActive
	m.Signers = nil
	m.NeededSignatures = needed
	m.ProposalCreatedAt = &now
	m.ProposalExpiresAt = &expiresAt
	return nil
}

func (f *fakeStore) ConfirmSigner(ctx context.Context, id, wallet string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.ExecutedAt != nil {
		return false, nil
	}
	for _, s := range m.Signers {
		if s == wallet {
			return false, nil
		}
	}
	m.Signers = append(m.Signers, wallet)
	if m.NeededSignatures > 0 {
		m.NeededSignatures--
	}
	if m.NeededSignatures == 0 {
		m.ProposalStatus = store.StatusReadyToExecute
	}
	return true, nil
}

func (f *fakeStore) SetStatus(ctx context.Context, id string, status store.ProposalStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.ExecutedAt == nil {
		m.ProposalStatus = status
	}
	return nil
}

func (f *fakeStore) MarkExecuted(ctx context.Context, id, txSignature string, refund bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.ExecutedAt != nil {
		return false, nil
	}
	now := time.Now()
	m.ProposalStatus = store.StatusExecuted
	m.TxSignature = txSignature
	m.ExecutedAt = &now
	if refund {
		m.RefundedAt = &now
	}
	return true, nil
}

func (f *fakeStore) RecordAttempt(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	m.ExecutionAttempts++
	now := time.Now()
	m.LastAttemptAt = &now
	return m.ExecutionAttempts, nil
}

func (f *fakeStore) FindExecuteReady(ctx context.Context, window time.Duration) ([]store.Match, error) {
	return f.filter(func(m *store.Match) bool {
		if m.NeededSignatures != 0 || m.ExecutedAt != nil || m.ProposalID == "" {
			return false
		}
		switch m.ProposalStatus {
		case store.StatusActive, store.StatusApproved, store.StatusReadyToExecute:
		default:
			return false
		}
		return m.ProposalCreatedAt != nil && m.ProposalCreatedAt.After(time.Now().Add(-window))
	}), nil
}

func (f *fakeStore) FindExpired(ctx context.Context, window time.Duration) ([]store.Match, error) {
	return f.filter(func(m *store.Match) bool {
		return m.ProposalStatus == store.StatusActive &&
			m.ExecutedAt == nil && m.ProposalID != "" &&
			m.ProposalCreatedAt != nil && m.ProposalCreatedAt.Before(time.Now().Add(-window)) &&
			m.ProposalExpiresAt != nil && m.ProposalExpiresAt.Before(time.Now())
	}), nil
}

func (f *fakeStore) FindStuck(ctx context.Context, stuckFor time.Duration) ([]store.Match, error) {
	return f.filter(func(m *store.Match) bool {
		if m.ExecutedAt != nil || m.ProposalID == "" {
			return false
		}
		if m.ProposalStatus != store.StatusExecuting && m.ProposalStatus != store.StatusReadyToExecute {
			return false
		}
		return m.ProposalCreatedAt != nil && m.ProposalCreatedAt.Before(time.Now().Add(-stuckFor))
	}), nil
}

func (f *fakeStore) filter(keep func(*store.Match) bool) []store.Match {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Match
	for _, m := range f.matches {
		if keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

// fakeVault is a scriptable VaultGateway.
type fakeVault struct {
	mu sync.Mutex

	required   int
	proposalN  int
	proposeErr error

	state     vault.ProposalState
	statusErr error

	execErr      error
	execErrTimes int // fail this many Execute calls, then succeed
	execResult   vault.ExecResult

	payoutCalls, refundCalls, statusCalls, execCalls int

	lastPayout struct {
		vault, winner, feeAccount string
		winnerAmount, feeAmount   uint64
	}
	lastRefund struct {
		vault, playerA, playerB string
		amountEach              uint64
	}
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		required:   2,
		state:      vault.ProposalState{Status: vault.StatusActive, Threshold: 2},
		execResult: vault.ExecResult{Signature: "exec-sig-1", Slot: 1000},
	}
}

func (f *fakeVault) ProposePayout(ctx context.Context, vaultAddr, winner string, winnerAmount uint64, feeAccount string, feeAmount uint64) (*vault.ProposalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	f.payoutCalls++
	f.proposalN++
	f.lastPayout.vault, f.lastPayout.winner = vaultAddr, winner
	f.lastPayout.winnerAmount, f.lastPayout.feeAmount = winnerAmount, feeAmount
	f.lastPayout.feeAccount = feeAccount
	return &vault.ProposalResult{ProposalID: fmt.Sprintf("prop-%d", f.proposalN), RequiredSignatures: f.required}, nil
}

func (f *fakeVault) ProposeRefund(ctx context.Context, vaultAddr, playerA, playerB string, amountEach uint64) (*vault.ProposalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	f.refundCalls++
	f.proposalN++
	f.lastRefund.vault, f.lastRefund.playerA, f.lastRefund.playerB = vaultAddr, playerA, playerB
	f.lastRefund.amountEach = amountEach
	return &vault.ProposalResult{ProposalID: fmt.Sprintf("prop-%d", f.proposalN), RequiredSignatures: f.required}, nil
}

func (f *fakeVault) CheckStatus(ctx context.Context, vaultAddr, proposalID string) (*vault.ProposalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	cp := f.state
	cp.ApprovedSigners = append([]string{}, f.state.ApprovedSigners...)
	return &cp, nil
}

func (f *fakeVault) Execute(ctx context.Context, vaultAddr, proposalID, authority string) (*vault.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if f.execErr != nil {
		if f.execErrTimes == 0 {
			return nil, f.execErr
		}
		if f.execCalls <= f.execErrTimes {
			return nil, f.execErr
		}
	}
	cp := f.execResult
	return &cp, nil
}

func (f *fakeVault) counts() (payouts, refunds, execs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payoutCalls, f.refundCalls, f.execCalls
}

// stubVerifier returns a scripted verification status.
type stubVerifier struct {
	status verify.Status
	err    error
	calls  int
}

func (s *stubVerifier) Verify(ctx context.Context, req verify.Request) (verify.Status, error) {
	s.calls++
	return s.status, s.err
}

// ── test wiring ───────────────────────────────────────────────────────────────

const (
	testMatchID = "match-001"
	testP1      = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	testP2      = "9aE476sH92Vz7DMPyq5WLPkrKWivxeuTKEFKd2sZZcde"
	testVault   = "GmV4u1TrZ9fMkq3PjDxYw7AHhZbnE5cTqRd2sLiWAXnB"
	testFee     = "FeeWa11etAddr111111111111111111111111111111"
	testStake   = uint64(100_000_000)
)

func newTestGuard(t *testing.T) *lock.Guard {
	t.Helper()
	mr := miniredis.RunT(t)
	return lock.NewGuard(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func newTestService(t *testing.T, fs *fakeStore, fv *fakeVault, v ApprovalVerifier) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FeeWallet = testFee
	cfg.Authority = "authority-key-addr"
	if v == nil {
		v = &stubVerifier{status: verify.StatusConfirmed}
	}
	return NewService(fs, fv, newTestGuard(t), v, cfg, zap.NewNop())
}

func baseMatch() *store.Match {
	return &store.Match{
		ID:           testMatchID,
		Player1:      testP1,
		Player2:      testP2,
		Stake:        testStake,
		VaultAddress: testVault,
		VaultAccount: vault.DeriveProposalAddress(testVault, 1),
	}
}

// proposedMatch returns a match that already carries an active proposal.
func proposedMatch(kind store.ProposalKind, needed int, age time.Duration) *store.Match {
	m := baseMatch()
	created := time.Now().Add(-age)
	expires := created.Add(30 * time.Minute)
	m.ProposalID = "prop-existing"
	m.ProposalKind = kind
	m.ProposalStatus = store.StatusActive
	m.NeededSignatures = needed
	m.ProposalCreatedAt = &created
	m.ProposalExpiresAt = &expires
	return m
}

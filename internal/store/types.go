package store

import (
	"errors"
	"time"

	"github.com/guess5-labs/escrow-engine/internal/outcome"
)

// ErrNotFound: no match row with that id.
var ErrNotFound = errors.New("match not found")

// ProposalStatus is the lifecycle store's status enum for a settlement
// proposal. It is a cache of ledger state and can drift; the reconciler
// corrects it toward ledger truth.
type ProposalStatus string

const (
	StatusPending        ProposalStatus = "PENDING"
	StatusActive         ProposalStatus = "ACTIVE"
	StatusApproved       ProposalStatus = "APPROVED"
	StatusReadyToExecute ProposalStatus = "READY_TO_EXECUTE"
	StatusExecuting      ProposalStatus = "EXECUTING"
	StatusExecuted       ProposalStatus = "EXECUTED"
	StatusExpired        ProposalStatus = "EXPIRED"
	StatusError          ProposalStatus = "ERROR"
)

// Terminal reports whether the status permits no further transitions.
func (s ProposalStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusError
}

// ProposalKind tags which shape of proposal a match carries. A match has
// exactly one active kind at a time: converting a stalled payout to a refund
// replaces the proposal wholesale.
type ProposalKind string

const (
	KindWinnerPayout ProposalKind = "WINNER_PAYOUT"
	KindTieRefund    ProposalKind = "TIE_REFUND"
)

// Match is the persisted settlement record, one row per contest.
type Match struct {
	ID           string
	Player1      string
	Player2      string
	Stake        uint64
	VaultAddress string
	VaultAccount string

	Winner        string // player address, outcome.Tie, or "" while unresolved
	Player1Result *outcome.PlayerResult
	Player2Result *outcome.PlayerResult

	ProposalID        string
	ProposalKind      ProposalKind
	ProposalStatus    ProposalStatus
	Signers           []string
	NeededSignatures  int
	ProposalCreatedAt *time.Time
	ProposalExpiresAt *time.Time
	ExecutedAt        *time.Time
	RefundedAt        *time.Time
	ExecutionAttempts int
	LastAttemptAt     *time.Time
	TxSignature       string
}

// HasProposal reports whether a proposal was already created for this match.
func (m *Match) HasProposal() bool { return m.ProposalID != "" }

// Settled reports whether the executed latch is set. Once true, no further
// proposal creation or execution attempts are permitted.
func (m *Match) Settled() bool { return m.ExecutedAt != nil }

// Opponent returns the other player's address, or "" if wallet is neither.
func (m *Match) Opponent(wallet string) string {
	switch wallet {
	case m.Player1:
		return m.Player2
	case m.Player2:
		return m.Player1
	}
	return ""
}

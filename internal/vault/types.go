package vault

import "errors"

// ProposalStatus is the ledger's own status word for a multisig proposal.
type ProposalStatus string

const (
	StatusDraft        ProposalStatus = "Draft"
	StatusActive       ProposalStatus = "Active"
	StatusApproved     ProposalStatus = "Approved"
	StatusExecuteReady ProposalStatus = "ExecuteReady"
	StatusExecuting    ProposalStatus = "Executing"
	StatusExecuted     ProposalStatus = "Executed"
	StatusRejected     ProposalStatus = "Rejected"
	StatusCancelled    ProposalStatus = "Cancelled"
)

// ErrAlreadyExecuted: the ledger refused to execute a finished proposal.
// Callers treat this as success of a previous attempt, not as failure.
var ErrAlreadyExecuted = errors.New("proposal already executed on ledger")

// ProposalState is the ledger's ground truth for one proposal.
type ProposalState struct {
	Status          ProposalStatus `json:"status"`
	ApprovedSigners []string       `json:"approvedSigners"`
	Threshold       int            `json:"threshold"`
	Executed        bool           `json:"executed"`
	// TxSignature is the execution transaction, set once Executed is true.
	TxSignature string `json:"txSignature,omitempty"`
}

// ExecuteReady reports whether the proposal can be submitted for execution.
// An Active proposal whose approvals already meet the threshold counts as
// ready even though the ledger status word lags behind — the status field
// can take a few slots to flip after the last approval lands.
func (s *ProposalState) ExecuteReady() bool {
	if s.Executed {
		return false
	}
	switch s.Status {
	case StatusExecuteReady, StatusApproved:
		return true
	case StatusActive:
		return s.Threshold > 0 && len(s.ApprovedSigners) >= s.Threshold
	default:
		return false
	}
}

// HasSigner reports whether wallet appears in the approved-signer list.
func (s *ProposalState) HasSigner(wallet string) bool {
	for _, signer := range s.ApprovedSigners {
		if signer == wallet {
			return true
		}
	}
	return false
}

// ProposalResult is the outcome of a propose-payout / propose-refund call.
type ProposalResult struct {
	ProposalID         string `json:"proposalId"`
	RequiredSignatures int    `json:"requiredSignatures"`
}

// ExecResult is the outcome of an execute call.
type ExecResult struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

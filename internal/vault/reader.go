package vault

import "context"

// ProposalReader is the read-only capability the signature verifier needs.
// Two interchangeable backends (primary and secondary RPC) implement it;
// polling either is equivalent, and a signer visible on one is confirmed
// even if the other still lags.
type ProposalReader interface {
	Name() string
	CheckStatus(ctx context.Context, vault, proposalID string) (*ProposalState, error)
	TxConfirmed(ctx context.Context, signature string) (bool, error)
}

var _ ProposalReader = (*Client)(nil)

package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the external multisig vault service. Operations may fail
// transiently (network, rate limit, stale reads); the client surfaces those
// failures and never retries internally — retry policy belongs to the
// calling loops.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		name:    "primary",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewNamedClient labels the client for log lines ("primary"/"secondary").
func NewNamedClient(baseURL, name string) *Client {
	c := NewClient(baseURL)
	c.name = name
	return c
}

// Name identifies this RPC backend in logs.
func (c *Client) Name() string { return c.name }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyExecuted
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("vault %s %s: rate limited", method, path)
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vault %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ProposePayout creates a winner-payout proposal on the vault.
func (c *Client) ProposePayout(ctx context.Context, vault, winner string, winnerAmount uint64, feeAccount string, feeAmount uint64) (*ProposalResult, error) {
	req := map[string]any{
		"winner":       winner,
		"winnerAmount": winnerAmount,
		"feeAccount":   feeAccount,
		"feeAmount":    feeAmount,
	}
	var res ProposalResult
	if err := c.do(ctx, http.MethodPost, "/v1/vaults/"+vault+"/proposals/payout", req, &res); err != nil {
		return nil, fmt.Errorf("propose payout: %w", err)
	}
	return &res, nil
}

// ProposeRefund creates a tie-refund proposal returning amountEach to both
// players.
func (c *Client) ProposeRefund(ctx context.Context, vault, playerA, playerB string, amountEach uint64) (*ProposalResult, error) {
	req := map[string]any{
		"playerA":    playerA,
		"playerB":    playerB,
		"amountEach": amountEach,
	}
	var res ProposalResult
	if err := c.do(ctx, http.MethodPost, "/v1/vaults/"+vault+"/proposals/refund", req, &res); err != nil {
		return nil, fmt.Errorf("propose refund: %w", err)
	}
	return &res, nil
}

// CheckStatus reads the ledger's current view of a proposal.
func (c *Client) CheckStatus(ctx context.Context, vault, proposalID string) (*ProposalState, error) {
	var state ProposalState
	if err := c.do(ctx, http.MethodGet, "/v1/vaults/"+vault+"/proposals/"+proposalID, nil, &state); err != nil {
		return nil, fmt.Errorf("check status: %w", err)
	}
	return &state, nil
}

// Execute submits a fully approved proposal for execution, moving funds.
func (c *Client) Execute(ctx context.Context, vault, proposalID, authority string) (*ExecResult, error) {
	req := map[string]any{"authority": authority}
	var res ExecResult
	if err := c.do(ctx, http.MethodPost, "/v1/vaults/"+vault+"/proposals/"+proposalID+"/execute", req, &res); err != nil {
		if errors.Is(err, ErrAlreadyExecuted) {
			return nil, err
		}
		return nil, fmt.Errorf("execute proposal: %w", err)
	}
	return &res, nil
}

// TxConfirmed reports whether a transaction signature is confirmed on this
// backend. Absence is not rejection: the backend may simply lag.
func (c *Client) TxConfirmed(ctx context.Context, signature string) (bool, error) {
	var res struct {
		Confirmed bool `json:"confirmed"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/transactions/"+signature, nil, &res)
	if err != nil {
		return false, fmt.Errorf("tx confirmation: %w", err)
	}
	return res.Confirmed, nil
}

// DeriveProposalAddress computes the deterministic proposal account address
// for a vault and its monotonically increasing transaction index. The same
// (vault, index) pair always derives the same address, so the address can be
// recomputed without a ledger read.
func DeriveProposalAddress(vault string, txIndex uint64) string {
	h := sha256.New()
	h.Write([]byte("proposal"))
	h.Write([]byte(vault))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], txIndex)
	h.Write(idx[:])
	return hex.EncodeToString(h.Sum(nil))
}

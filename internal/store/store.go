package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guess5-labs/escrow-engine/internal/outcome"
)

// ErrProposalExists: a proposal id is already attached to the match. The
// caller lost a creation race; re-read the row and adopt the existing id.
var ErrProposalExists = errors.New("match already has a proposal")

// ErrMatchExists: the match id is already registered.
var ErrMatchExists = errors.New("match already registered")

// Store is the proposal lifecycle store backed by Postgres. It is the single
// source of truth for what the rest of the system believes about a match;
// all mutation guards run inside the SQL itself so concurrent loops cannot
// violate the row invariants.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const matchColumns = `id, player1, player2, stake, vault_address, vault_account,
	winner, player1_result, player2_result,
	proposal_id, proposal_kind, proposal_status, signers, needed_signatures,
	proposal_created_at, proposal_expires_at, executed_at, refunded_at,
	execution_attempts, last_attempt_at, tx_signature`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*Match, error) {
	var m Match
	var r1, r2 []byte
	err := row.Scan(
		&m.ID, &m.Player1, &m.Player2, &m.Stake, &m.VaultAddress, &m.VaultAccount,
		&m.Winner, &r1, &r2,
		&m.ProposalID, &m.ProposalKind, &m.ProposalStatus, &m.Signers, &m.NeededSignatures,
		&m.ProposalCreatedAt, &m.ProposalExpiresAt, &m.ExecutedAt, &m.RefundedAt,
		&m.ExecutionAttempts, &m.LastAttemptAt, &m.TxSignature,
	)
	if err != nil {
		return nil, err
	}
	if len(r1) > 0 {
		m.Player1Result = &outcome.PlayerResult{}
		if err := json.Unmarshal(r1, m.Player1Result); err != nil {
			return nil, fmt.Errorf("decode player1 result: %w", err)
		}
	}
	if len(r2) > 0 {
		m.Player2Result = &outcome.PlayerResult{}
		if err := json.Unmarshal(r2, m.Player2Result); err != nil {
			return nil, fmt.Errorf("decode player2 result: %w", err)
		}
	}
	return &m, nil
}

// Create inserts a new match row (normally done at matchmaking time).
// A duplicate id returns ErrMatchExists.
func (s *Store) Create(ctx context.Context, m *Match) error {
	status := m.ProposalStatus
	if status == "" {
		status = StatusPending
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO matches (id, player1, player2, stake, vault_address, vault_account, proposal_status)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.Player1, m.Player2, m.Stake, m.VaultAddress, m.VaultAccount, status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrMatchExists
		}
		return fmt.Errorf("create match %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the match row or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Match, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=$1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	return m, nil
}

// SetOutcome persists the resolved winner and the submitted results.
func (s *Store) SetOutcome(ctx context.Context, id, winner string, r1, r2 *outcome.PlayerResult) error {
	j1, err := marshalResult(r1)
	if err != nil {
		return err
	}
	j2, err := marshalResult(r2)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
UPDATE matches SET winner=$2, player1_result=$3, player2_result=$4 WHERE id=$1`,
		id, winner, j1, j2)
	if err != nil {
		return fmt.Errorf("set outcome %s: %w", id, err)
	}
	return nil
}

func marshalResult(r *outcome.PlayerResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// AttachProposal records a freshly created proposal. The WHERE clause is the
// second half of the double-checked locking discipline: it refuses to attach
// if a proposal id is already present or the match has executed, so a racing
// creator cannot overwrite the winner of the race.
func (s *Store) AttachProposal(ctx context.Context, id, proposalID string, kind ProposalKind, needed int, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE matches
SET proposal_id=$2, proposal_kind=$3, proposal_status=$4, signers='{}',
    needed_signatures=$5, proposal_created_at=now(), proposal_expires_at=$6
WHERE id=$1 AND proposal_id='' AND executed_at IS NULL`,
		id, proposalID, kind, StatusActive, needed, expiresAt)
	if err != nil {
		return fmt.Errorf("attach proposal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProposalExists
	}
	return nil
}

// ReplaceWithRefund swaps a stalled payout proposal for a refund proposal.
// Signer list and expiry restart; the attempt counter carries over so a
// poisoned match still hits the reconciler's cap.
func (s *Store) ReplaceWithRefund(ctx context.Context, id, proposalID string, needed int, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE matches
SET proposal_id=$2, proposal_kind=$3, proposal_status=$4, signers='{}',
    needed_signatures=$5, proposal_created_at=now(), proposal_expires_at=$6
WHERE id=$1 AND proposal_id<>'' AND executed_at IS NULL`,
		id, proposalID, KindTieRefund, StatusActive, needed, expiresAt)
	if err != nil {
		return fmt.Errorf("replace proposal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmSigner appends a verified signer and decrements the remaining
// signature count. Idempotent per wallet: a signer already in the list is a
// no-op, which keeps needed_signatures monotonically non-increasing even
// when the verifier and a loop confirm the same approval twice. Returns
// whether the row changed.
func (s *Store) ConfirmSigner(ctx context.Context, id, wallet string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE matches
SET signers = array_append(signers, $2),
    needed_signatures = GREATEST(needed_signatures - 1, 0),
    proposal_status = CASE WHEN needed_signatures <= 1 THEN $3 ELSE proposal_status END
WHERE id=$1 AND NOT (signers @> ARRAY[$2]) AND executed_at IS NULL`,
		id, wallet, StatusReadyToExecute)
	if err != nil {
		return false, fmt.Errorf("confirm signer %s on %s: %w", wallet, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetStatus moves a row to a new proposal status. It refuses to touch rows
// whose executed latch is set, so no status change can follow EXECUTED.
func (s *Store) SetStatus(ctx context.Context, id string, status ProposalStatus) error {
	// executed_at is a one-way latch: no status change can follow it.
	_, err := s.pool.Exec(ctx, `
UPDATE matches SET proposal_status=$2 WHERE id=$1 AND executed_at IS NULL`, id, status)
	if err != nil {
		return fmt.Errorf("set status %s on %s: %w", status, id, err)
	}
	return nil
}

// MarkExecuted sets the terminal executed latch with the final transaction
// reference. refund additionally stamps refunded_at. Returns false if the
// latch was already set (a concurrent loop won).
func (s *Store) MarkExecuted(ctx context.Context, id, txSignature string, refund bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE matches
SET proposal_status=$2, tx_signature=$3, executed_at=now(),
    refunded_at = CASE WHEN $4 THEN now() ELSE refunded_at END
WHERE id=$1 AND executed_at IS NULL`,
		id, StatusExecuted, txSignature, refund)
	if err != nil {
		return false, fmt.Errorf("mark executed %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordAttempt bumps the execution attempt counter and returns the new
// count, so the reconciler can enforce its cap.
func (s *Store) RecordAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
UPDATE matches SET execution_attempts = execution_attempts + 1, last_attempt_at = now()
WHERE id=$1 RETURNING execution_attempts`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return attempts, nil
}

// FindExecuteReady returns matches with all signatures collected but no
// recorded execution, created within the recency window. Older rows are the
// reconciler's problem.
func (s *Store) FindExecuteReady(ctx context.Context, window time.Duration) ([]Match, error) {
	return s.findMatches(ctx, `
SELECT `+matchColumns+` FROM matches
WHERE needed_signatures = 0
  AND executed_at IS NULL
  AND proposal_id <> ''
  AND proposal_status IN ($1, $2, $3)
  AND proposal_created_at > $4
ORDER BY proposal_created_at`,
		StatusActive, StatusApproved, StatusReadyToExecute, time.Now().Add(-window))
}

// FindExpired returns active proposals older than the expiration window
// whose expiry timestamp has also elapsed.
func (s *Store) FindExpired(ctx context.Context, window time.Duration) ([]Match, error) {
	return s.findMatches(ctx, `
SELECT `+matchColumns+` FROM matches
WHERE proposal_status = $1
  AND executed_at IS NULL
  AND proposal_id <> ''
  AND proposal_created_at < $2
  AND proposal_expires_at < now()
ORDER BY proposal_created_at`,
		StatusActive, time.Now().Add(-window))
}

// FindStuck returns matches sitting in EXECUTING or READY_TO_EXECUTE longer
// than the stuck threshold without a recorded execution.
func (s *Store) FindStuck(ctx context.Context, stuckFor time.Duration) ([]Match, error) {
	return s.findMatches(ctx, `
SELECT `+matchColumns+` FROM matches
WHERE proposal_status IN ($1, $2)
  AND executed_at IS NULL
  AND proposal_id <> ''
  AND proposal_created_at < $3
ORDER BY proposal_created_at`,
		StatusExecuting, StatusReadyToExecute, time.Now().Add(-stuckFor))
}

func (s *Store) findMatches(ctx context.Context, query string, args ...any) ([]Match, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

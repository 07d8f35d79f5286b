package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const matchesDDL = `
CREATE TABLE IF NOT EXISTS matches (
	id                  TEXT PRIMARY KEY,
	player1             TEXT NOT NULL,
	player2             TEXT NOT NULL,
	stake               BIGINT NOT NULL,
	vault_address       TEXT NOT NULL DEFAULT '',
	vault_account       TEXT NOT NULL DEFAULT '',
	winner              TEXT NOT NULL DEFAULT '',
	player1_result      JSONB,
	player2_result      JSONB,
	proposal_id         TEXT NOT NULL DEFAULT '',
	proposal_kind       TEXT NOT NULL DEFAULT '',
	proposal_status     TEXT NOT NULL DEFAULT 'PENDING',
	signers             TEXT[] NOT NULL DEFAULT '{}',
	needed_signatures   INT NOT NULL DEFAULT 0 CHECK (needed_signatures >= 0),
	proposal_created_at TIMESTAMPTZ,
	proposal_expires_at TIMESTAMPTZ,
	executed_at         TIMESTAMPTZ,
	refunded_at         TIMESTAMPTZ,
	execution_attempts  INT NOT NULL DEFAULT 0,
	last_attempt_at     TIMESTAMPTZ,
	tx_signature        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_matches_exec_scan
	ON matches (proposal_status, needed_signatures, proposal_created_at)
	WHERE executed_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_matches_expiry_scan
	ON matches (proposal_status, proposal_expires_at)
	WHERE executed_at IS NULL;
`

// EnsureSchema creates the matches table and scan indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, matchesDDL); err != nil {
		return fmt.Errorf("ensure matches schema: %w", err)
	}
	return nil
}

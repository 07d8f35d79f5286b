package verify

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/vault"
)

// Status is the outcome of one verification request.
type Status int

const (
	StatusPending Status = iota
	// StatusConfirmed: the signer's approval is visible on at least one source.
	StatusConfirmed
	// StatusTimedOut: the attempt budget ran out without a sighting. This is
	// inconclusive, not a rejection — the ledger may still converge, so the
	// caller should schedule a re-check instead of failing the settlement.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return "PENDING"
	}
}

// Config tunes the poll schedule.
type Config struct {
	// InitialDelay is waited before the first poll; Jitter adds a random
	// fraction on top so many verifiers never hammer the RPC in lockstep.
	InitialDelay time.Duration
	Jitter       time.Duration
	// Interval is the fixed poll spacing for the first FixedAttempts polls;
	// after that the spacing doubles each attempt up to MaxInterval.
	Interval      time.Duration
	FixedAttempts int
	MaxAttempts   int
	MaxInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay:  2 * time.Second,
		Jitter:        time.Second,
		Interval:      2 * time.Second,
		FixedAttempts: 5,
		MaxAttempts:   12,
		MaxInterval:   30 * time.Second,
	}
}

// backoff: fixed interval for the first FixedAttempts polls, then doubling,
// capped at MaxInterval.
func (c Config) backoff(attempt int) time.Duration {
	if attempt <= c.FixedAttempts {
		return c.Interval
	}
	d := c.Interval
	for i := c.FixedAttempts; i < attempt; i++ {
		d *= 2
		if d >= c.MaxInterval {
			return c.MaxInterval
		}
	}
	return d
}

// MaxWait is the worst-case wall clock one Verify call can hold its context:
// full initial delay plus jitter plus every inter-attempt backoff. Callers
// that bound Verify with a deadline must allow at least this much.
func (c Config) MaxWait() time.Duration {
	d := c.InitialDelay + c.Jitter
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		d += c.backoff(attempt)
	}
	return d
}

// Request identifies one approval to confirm on-chain.
type Request struct {
	Vault      string
	ProposalID string
	// Signer is the wallet whose approval we are waiting to see.
	Signer string
	// TxSignature, if known, is the approval transaction; its confirmation
	// alone proves the approval landed.
	TxSignature string
}

// Verifier confirms approvals against two independent read paths. The
// ledger is eventually consistent, so a signer missing on one source is
// polled on the other before the attempt counts as a miss.
type Verifier struct {
	primary   vault.ProposalReader
	secondary vault.ProposalReader
	cfg       Config
	log       *zap.Logger
}

func New(primary, secondary vault.ProposalReader, cfg Config, log *zap.Logger) *Verifier {
	return &Verifier{primary: primary, secondary: secondary, cfg: cfg, log: log}
}

// Verify polls both sources until the signer's approval is visible or the
// attempt budget is exhausted. The only error returned is ctx cancellation;
// RPC failures are treated as "not visible yet" and retried.
func (v *Verifier) Verify(ctx context.Context, req Request) (Status, error) {
	delay := v.cfg.InitialDelay
	if v.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(v.cfg.Jitter)))
	}
	if err := sleep(ctx, delay); err != nil {
		return StatusPending, err
	}

	for attempt := 1; attempt <= v.cfg.MaxAttempts; attempt++ {
		if v.check(ctx, req) {
			v.log.Info("signature confirmed",
				zap.String("proposal", req.ProposalID),
				zap.String("signer", req.Signer),
				zap.Int("attempt", attempt),
			)
			return StatusConfirmed, nil
		}
		if attempt == v.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, v.cfg.backoff(attempt)); err != nil {
			return StatusPending, err
		}
	}

	v.log.Warn("signature verification timed out (inconclusive)",
		zap.String("proposal", req.ProposalID),
		zap.String("signer", req.Signer),
		zap.Int("attempts", v.cfg.MaxAttempts),
	)
	return StatusTimedOut, nil
}

// check returns true as soon as either source shows the approval.
func (v *Verifier) check(ctx context.Context, req Request) bool {
	for _, reader := range []vault.ProposalReader{v.primary, v.secondary} {
		if req.TxSignature != "" {
			confirmed, err := reader.TxConfirmed(ctx, req.TxSignature)
			if err != nil {
				v.log.Debug("tx confirmation check failed",
					zap.String("source", reader.Name()), zap.Error(err))
			} else if confirmed {
				return true
			}
		}

		state, err := reader.CheckStatus(ctx, req.Vault, req.ProposalID)
		if err != nil {
			v.log.Debug("proposal status check failed",
				zap.String("source", reader.Name()), zap.Error(err))
			continue
		}
		if state.HasSigner(req.Signer) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

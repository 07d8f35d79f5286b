package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:settle:"

// DefaultTTL bounds how long a crashed holder can wedge a match.
const DefaultTTL = 30 * time.Second

// ErrNotAcquired means another caller holds the lock. The caller should
// re-read the match row: if a proposal id appeared, the other holder already
// did the work and this is success, not failure.
var ErrNotAcquired = errors.New("settlement lock held by another caller")

// releaseScript deletes the lock only if the caller still owns it, so an
// expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard is the match-scoped mutual exclusion primitive backed by Redis, so
// lock state is visible across all runtime instances.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuard(rdb *redis.Client) *Guard {
	return &Guard{rdb: rdb, ttl: DefaultTTL}
}

// NewGuardTTL is NewGuard with a custom lock TTL.
func NewGuardTTL(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

func lockKey(matchID string) string {
	return lockKeyPrefix + matchID
}

// Acquire takes the lock for matchID and returns the owner token.
func (g *Guard) Acquire(ctx context.Context, matchID string) (string, error) {
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, lockKey(matchID), token, g.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", matchID, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// Release drops the lock if token still owns it.
func (g *Guard) Release(ctx context.Context, matchID, token string) error {
	return releaseScript.Run(ctx, g.rdb, []string{lockKey(matchID)}, token).Err()
}

// WithLock runs op while holding the match lock. The lock is released on
// every path out of op, including panics; op failing does not leak the lock.
func (g *Guard) WithLock(ctx context.Context, matchID string, op func(ctx context.Context) error) error {
	token, err := g.Acquire(ctx, matchID)
	if err != nil {
		return err
	}
	defer func() {
		// Release uses Background: op's ctx may already be cancelled and the
		// lock must still be dropped.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Release(releaseCtx, matchID, token) //nolint:errcheck
	}()
	return op(ctx)
}

package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	refreshKeyPrefix = "refresh_token:"
	resetKeyPrefix   = "password_reset:"
)

// Ledger is the external key-value record of session state: the single
// currently-valid refresh token per user and single-use password-reset
// tokens, each with independent TTLs. It is the only shared mutable state
// in the auth subsystem.
type Ledger struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// StoreRefresh unconditionally overwrites the user's refresh slot. A second
// login silently invalidates the first session's ability to refresh.
func (l *Ledger) StoreRefresh(ctx context.Context, userID, token string, ttl time.Duration) error {
	return l.rdb.Set(ctx, refreshKeyPrefix+userID, token, ttl).Err()
}

// GetRefresh returns the current refresh token for the user, or "" when the
// slot is empty or expired.
func (l *Ledger) GetRefresh(ctx context.Context, userID string) (string, error) {
	v, err := l.rdb.Get(ctx, refreshKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// RevokeRefresh deletes the slot. Idempotent.
func (l *Ledger) RevokeRefresh(ctx context.Context, userID string) error {
	return l.rdb.Del(ctx, refreshKeyPrefix+userID).Err()
}

// rotateScript swaps the refresh slot only if it still holds the presented
// token. Running it server-side makes concurrent rotations race-free: of two
// simultaneous refresh calls with the same stale token, exactly one wins.
var rotateScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
	return 1
end
return 0
`)

// RotateRefresh atomically replaces oldToken with newToken. It reports false
// when the slot no longer holds oldToken, in which case nothing is written.
func (l *Ledger) RotateRefresh(ctx context.Context, userID, oldToken, newToken string, ttl time.Duration) (bool, error) {
	res, err := rotateScript.Run(ctx, l.rdb,
		[]string{refreshKeyPrefix + userID},
		oldToken, newToken, int(ttl/time.Second),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *Ledger) StoreResetToken(ctx context.Context, userID, token string, ttl time.Duration) error {
	return l.rdb.Set(ctx, resetKeyPrefix+userID, token, ttl).Err()
}

func (l *Ledger) GetResetToken(ctx context.Context, userID string) (string, error) {
	v, err := l.rdb.Get(ctx, resetKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// ConsumeResetToken removes and returns the stored reset token in one round
// trip. Concurrent consumers racing for the same token see exactly one
// non-empty result.
func (l *Ledger) ConsumeResetToken(ctx context.Context, userID string) (string, error) {
	v, err := l.rdb.GetDel(ctx, resetKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	deviceKeyPrefix   = "device_code:"
	userCodeKeyPrefix = "user_code:"
	pollKeyPrefix     = "device_poll:"
)

const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
)

// DeviceSession is one in-flight device-authorization attempt. It lives in
// the ledger under both its device code and its human-readable user code,
// and disappears when its TTL lapses or the exchange claims it.
type DeviceSession struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope"`
	Status     string `json:"status"`
	UserID     string `json:"user_id,omitempty"`
	Interval   int    `json:"interval"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (l *Ledger) StoreDeviceSession(ctx context.Context, sess *DeviceSession, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, deviceKeyPrefix+sess.DeviceCode, data, ttl)
	pipe.Set(ctx, userCodeKeyPrefix+sess.UserCode, sess.DeviceCode, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (l *Ledger) GetDeviceSession(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	data, err := l.rdb.Get(ctx, deviceKeyPrefix+deviceCode).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess DeviceSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeviceSessionByUserCode resolves the code a human typed on the
// verification page back to the pending session.
func (l *Ledger) DeviceSessionByUserCode(ctx context.Context, userCode string) (*DeviceSession, error) {
	deviceCode, err := l.rdb.Get(ctx, userCodeKeyPrefix+userCode).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l.GetDeviceSession(ctx, deviceCode)
}

// UpdateDeviceSession rewrites the session record, keeping the remaining TTL.
func (l *Ledger) UpdateDeviceSession(ctx context.Context, sess *DeviceSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return l.rdb.Set(ctx, deviceKeyPrefix+sess.DeviceCode, data, redis.KeepTTL).Err()
}

// ClaimDeviceSession removes and returns the session in a single round trip
// so an approved device code can be exchanged at most once.
func (l *Ledger) ClaimDeviceSession(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	data, err := l.rdb.GetDel(ctx, deviceKeyPrefix+deviceCode).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess DeviceSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	_ = l.rdb.Del(ctx, userCodeKeyPrefix+sess.UserCode).Err()
	return &sess, nil
}

// DevicePollAllowed enforces the advertised polling interval. The first call
// in any interval window wins; later calls must be answered with slow_down.
func (l *Ledger) DevicePollAllowed(ctx context.Context, deviceCode string, interval time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, pollKeyPrefix+deviceCode, 1, interval).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Package wakelock collapses concurrent wake attempts against one instance
// into a single provider call. The lock is advisory: losing callers poll
// status instead of issuing their own resume, and a Redis outage fails open
// so sandboxes still wake when the lock service is down.
package wakelock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "bullpen:wakelock:"
	defaultTTL = 120 * time.Second
)

// releaseScript deletes the lock only when this caller still owns it, so a
// slow holder cannot drop a successor's lock after expiry.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker hands out per-instance wake locks.
type Locker struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// New wires the locker. A nil client disables locking; every Acquire then
// succeeds immediately.
func New(client *redis.Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger.Named("wakelock"), ttl: defaultTTL}
}

// Acquire takes the wake lock for an instance. The returned release func is
// always safe to call. acquired is false only when another caller verifiably
// holds the lock; Redis failures report acquired=true with a no-op release.
func (l *Locker) Acquire(ctx context.Context, instanceID string) (release func(), acquired bool) {
	noop := func() {}
	if l.client == nil {
		return noop, true
	}

	key := keyPrefix + instanceID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn("wake lock unavailable, proceeding unlocked",
			zap.String("instanceId", instanceID), zap.Error(err))
		return noop, true
	}
	if !ok {
		return noop, false
	}

	return func() {
		// Release runs on completion paths that may have lost their request
		// context already.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("wake lock release failed",
				zap.String("instanceId", instanceID), zap.Error(err))
		}
	}, true
}

// Package lock provides a Redis-backed mutual exclusion lock shared by
// service replicas.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker grants locks with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client redis.UniversalClient, logger *zerolog.Logger) *RedisLocker {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &RedisLocker{client: client, logger: l.With().Str("component", "lock").Logger()}
}

// TryLock takes key for ttl. ok is false when another holder owns it.
// release is safe to call after the lock expired.
func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}
	return release, true, nil
}

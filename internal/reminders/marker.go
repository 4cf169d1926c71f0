package reminders

import (
	"context"
	"sync"
	"time"

	"tutorly/internal/clock"

	"github.com/redis/go-redis/v9"
)

// RedisMarker shares the reminded set between replicas.
type RedisMarker struct {
	client redis.UniversalClient
}

func NewRedisMarker(client redis.UniversalClient) *RedisMarker {
	return &RedisMarker{client: client}
}

func (m *RedisMarker) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, key, "1", ttl).Result()
}

// MemoryMarker keeps the reminded set in process.
type MemoryMarker struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

func NewMemoryMarker(clk clock.Clock) *MemoryMarker {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryMarker{clock: clk, expires: make(map[string]time.Time)}
}

func (m *MemoryMarker) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for k, exp := range m.expires {
		if !exp.After(now) {
			delete(m.expires, k)
		}
	}
	if _, ok := m.expires[key]; ok {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

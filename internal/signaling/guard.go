package signaling

import (
	"context"
	"sync"
	"time"

	"devcall/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// CallGuard caps how many pending calls a requester may hold at once.
// Acquire reports false when the cap is reached.
type CallGuard interface {
	Acquire(ctx context.Context, requesterID string) (bool, error)
	Release(ctx context.Context, requesterID string) error
}

// RedisCallGuard enforces the cap with the shared Redis slot scripts.
// The TTL releases slots leaked by a crashed process.
type RedisCallGuard struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisCallGuard(rdb *redis.Client, limit int, ttl time.Duration) *RedisCallGuard {
	if limit <= 0 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisCallGuard{rdb: rdb, limit: limit, ttl: ttl}
}

func pendingCapKey(requesterID string) string { return "calls:pending:" + requesterID }

func (g *RedisCallGuard) Acquire(ctx context.Context, requesterID string) (bool, error) {
	return utils.AcquireSlot(ctx, g.rdb, pendingCapKey(requesterID), g.limit, g.ttl)
}

func (g *RedisCallGuard) Release(ctx context.Context, requesterID string) error {
	return utils.ReleaseSlot(ctx, g.rdb, pendingCapKey(requesterID))
}

// MemoryCallGuard is an in-process CallGuard for tests and the local env.
// Slots do not expire.
type MemoryCallGuard struct {
	mu    sync.Mutex
	limit int
	held  map[string]int
}

func NewMemoryCallGuard(limit int) *MemoryCallGuard {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryCallGuard{limit: limit, held: make(map[string]int)}
}

func (g *MemoryCallGuard) Acquire(ctx context.Context, requesterID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[requesterID] >= g.limit {
		return false, nil
	}
	g.held[requesterID]++
	return true, nil
}

func (g *MemoryCallGuard) Release(ctx context.Context, requesterID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[requesterID] <= 1 {
		delete(g.held, requesterID)
		return nil
	}
	g.held[requesterID]--
	return nil
}

package scheduler

import (
	"context"
	"time"

	"github.com/crosslogic/finance-service/pkg/cache"
)

// Lease decides which replica runs a worker's cycle.
type Lease interface {
	Acquire(ctx context.Context, worker string) (bool, error)
	Release(ctx context.Context, worker string) error
}

// LocalLease always grants. It is used when a single replica runs.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, string) (bool, error) { return true, nil }
func (LocalLease) Release(context.Context, string) error        { return nil }

// RedisLease shares worker cycles between replicas. The ttl must outlast one
// cycle plus the worker interval so the holder keeps its lease while idle.
type RedisLease struct {
	cache *cache.Cache
	owner string
	ttl   time.Duration
}

func NewRedisLease(c *cache.Cache, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{cache: c, owner: owner, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context, worker string) (bool, error) {
	return l.cache.AcquireLease(ctx, l.key(worker), l.owner, l.ttl)
}

func (l *RedisLease) Release(ctx context.Context, worker string) error {
	return l.cache.ReleaseLease(ctx, l.key(worker), l.owner)
}

func (l *RedisLease) key(worker string) string {
	return "finance:lease:" + worker
}

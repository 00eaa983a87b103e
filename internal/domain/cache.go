package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub between coordinator processes and the operator
// surface.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// StateCache stores the synchronizer's local strategy states.
type StateCache interface {
	Get(ctx context.Context, strategyID string) (LocalStrategyState, error)
	Set(ctx context.Context, state LocalStrategyState) error
	Delete(ctx context.Context, strategyID string) error
	List(ctx context.Context) ([]LocalStrategyState, error)
}

// RateLimiter admits at most limit requests per window for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

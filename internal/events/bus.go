// Package events is the in-process observer bus every fleet component
// reports through. Dispatch is synchronous and best-effort: a panicking
// handler is recovered and logged and never affects the emitter.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event names emitted by the fleet components.
const (
	RecoverySuccessful    = "recovery-successful"
	RecoveryFailed        = "recovery-failed"
	RecoveryStopped       = "recovery-stopped"
	RecoveryAttemptFailed = "recovery-attempt-failed"

	ExchangeStatusChanged = "exchange-status-changed"
	InstanceRemoved       = "instance-removed"

	ConsistencyViolation     = "consistency-violation"
	ConsistencyCorrected     = "consistency-corrected"
	ConsistencyCheckComplete = "consistency-check-completed"

	StateUpdated    = "state-updated"
	StateDivergence = "state-divergence"
	SyncFailed      = "sync-failed"
	SyncCompleted   = "sync-completed"

	FailoverTriggered = "failover-triggered"
	RecoveryCompleted = "recovery-completed"

	GroupCreated       = "group-created"
	GroupClosed        = "group-closed"
	GroupFailedOver    = "group-failed-over"
	ArbitrageDetected  = "arbitrage-detected"
	ArbitrageExecuted  = "arbitrage-executed"
	StrategiesAdjusted = "strategies-adjusted"
	PortfolioRebalance = "portfolio-rebalanced"
	StrategyMigrated   = "strategy-migrated"
	EmergencyStop      = "emergency-stop"
)

// Event is one notification. Data holds event-specific attributes.
type Event struct {
	Name   string         `json:"name"`
	Source string         `json:"source"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers must not block for long; the emitter
// waits for every handler to return.
type Handler func(ctx context.Context, ev Event)

// Emitter is the narrow view components depend on.
type Emitter interface {
	Emit(ctx context.Context, source, name string, data map[string]any)
}

type subscription struct {
	id      uint64
	name    string // empty for all events
	handler Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

var _ Emitter = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With(slog.String("component", "event_bus"))}
}

// Subscribe registers h for events called name and returns a function that
// removes the subscription.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	return b.add(name, h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(name string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers the event to every matching subscriber in registration order.
func (b *Bus) Emit(ctx context.Context, source, name string, data map[string]any) {
	ev := Event{Name: name, Source: source, Time: time.Now().UTC(), Data: data}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == name {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("event", ev.Name),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, ev)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, string, string, map[string]any) {}

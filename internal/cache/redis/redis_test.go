package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "stratfleet:state:s-1", stateKey("s-1"))
	assert.Equal(t, "stratfleet:state:index", stateIndexKey)
	assert.Equal(t, "stratfleet:lock:sync:s-1", lockKey("sync:s-1"))
	assert.Equal(t, "stratfleet:ratelimit:api:10.0.0.1", rateLimitKey("api:10.0.0.1"))
	assert.Equal(t, "stratfleet:", key())
	assert.Equal(t, "stratfleet:events", EventChannel)
}

func TestStoredStateEncoding(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := domain.LocalStrategyState{
		StrategyID:  "s-1",
		Status:      domain.StrategyActive,
		Parameters:  map[string]any{"spread_pct": 0.2, "mode": "passive"},
		Performance: domain.StrategyPerformance{TotalTrades: 7, TotalPnL: 12.5},
		StartTime:   start,
		LastUpdate:  start.Add(time.Minute),
		Version:     3,
	}

	data, err := sonic.Marshal(toStored(in))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"strategy_id":"s-1"`)

	var out storedState
	require.NoError(t, sonic.Unmarshal(data, &out))
	got := out.toDomain()
	assert.Equal(t, in.StrategyID, got.StrategyID)
	assert.Equal(t, in.Version, got.Version)
	assert.Equal(t, 0.2, got.Parameters["spread_pct"])
	assert.True(t, in.StartTime.Equal(got.StartTime))
}

func TestStoredStateNilParameters(t *testing.T) {
	got := storedState{StrategyID: "s-2"}.toDomain()
	assert.NotNil(t, got.Parameters)
}

type fakeSignalBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (b *fakeSignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.msgs == nil {
		b.msgs = map[string][][]byte{}
	}
	b.msgs[channel] = append(b.msgs[channel], payload)
	return nil
}

func (b *fakeSignalBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func TestEventForwarder(t *testing.T) {
	sb := &fakeSignalBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	bus.SubscribeAll(NewEventForwarder(sb, logger).Handle)

	bus.Emit(context.Background(), "failover", events.FailoverTriggered, map[string]any{"reason": "timeout"})

	require.Len(t, sb.msgs[EventChannel], 1)
	var ev events.Event
	require.NoError(t, sonic.Unmarshal(sb.msgs[EventChannel][0], &ev))
	assert.Equal(t, events.FailoverTriggered, ev.Name)
	assert.Equal(t, "failover", ev.Source)
	assert.Equal(t, "timeout", ev.Data["reason"])
}

func TestEventForwarderPublishError(t *testing.T) {
	sb := &fakeSignalBus{err: errors.New("connection refused")}
	f := NewEventForwarder(sb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		f.Handle(context.Background(), events.Event{Name: events.SyncFailed})
	})
}

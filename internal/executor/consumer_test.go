package executor

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
	"github.com/alanyoungcy/stratfleet/internal/failover"
)

type fakeBus struct {
	mu        sync.Mutex
	in        chan []byte
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{in: make(chan []byte, 8), published: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.in, nil
}

func (b *fakeBus) reports(t *testing.T) []Report {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Report
	for _, p := range b.published[ExecutionChannel] {
		var r Report
		require.NoError(t, sonic.Unmarshal(p, &r))
		out = append(out, r)
	}
	return out
}

type fakeExec struct {
	mu   sync.Mutex
	seen []domain.TradingSignal
	fail bool
}

func (f *fakeExec) ExecuteWithFailover(_ context.Context, sig domain.TradingSignal) failover.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, sig)
	if f.fail {
		return failover.Result{ExecutionMethod: failover.MethodDirect, FailedOver: true, Err: errors.New("both paths down")}
	}
	return failover.Result{
		Success:         true,
		ExecutionMethod: failover.MethodManaged,
		Execution:       domain.ExecutionResult{OrderID: "o-" + sig.ID, Status: "filled", FilledSize: sig.Size},
	}
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newConsumer(exec Executor, bus domain.SignalBus) *Consumer {
	c := NewConsumer(exec, bus, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return now }
	c.dedup.now = c.now
	return c
}

func payload(id string, created time.Time) []byte {
	b, _ := sonic.Marshal(wireSignal{
		ID: id, Exchange: "binance", Pair: "BTC/USDT", Side: "buy", Size: 0.5, CreatedAt: created,
	})
	return b
}

func TestHandleExecutesAndReports(t *testing.T) {
	bus, exec := newFakeBus(), &fakeExec{}
	c := newConsumer(exec, bus)

	rep, err := c.Handle(context.Background(), payload("sig-1", now.Add(-time.Second)))
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Equal(t, "o-sig-1", rep.OrderID)
	assert.Equal(t, failover.MethodManaged, rep.ExecutionMethod)

	require.Len(t, exec.seen, 1)
	assert.Equal(t, "BTC/USDT", exec.seen[0].Pair)
	assert.Equal(t, 0.5, exec.seen[0].Size)

	reps := bus.reports(t)
	require.Len(t, reps, 1)
	assert.Equal(t, "sig-1", reps[0].SignalID)
}

func TestHandleReportsFailure(t *testing.T) {
	bus, exec := newFakeBus(), &fakeExec{fail: true}
	c := newConsumer(exec, bus)

	rep, err := c.Handle(context.Background(), payload("sig-2", now))
	require.NoError(t, err)
	assert.False(t, rep.Success)
	assert.True(t, rep.FailedOver)
	assert.Equal(t, "both paths down", rep.Error)
}

func TestHandleFilters(t *testing.T) {
	bus, exec := newFakeBus(), &fakeExec{}
	c := newConsumer(exec, bus)
	ctx := context.Background()

	_, err := c.Handle(ctx, []byte("{"))
	assert.Error(t, err)

	_, err = c.Handle(ctx, payload("", now))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = c.Handle(ctx, payload("old", now.Add(-time.Minute)))
	assert.ErrorIs(t, err, ErrStale)

	_, err = c.Handle(ctx, payload("dup", now))
	require.NoError(t, err)
	_, err = c.Handle(ctx, payload("dup", now))
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.Equal(t, 1, exec.count())
	assert.Len(t, bus.reports(t), 1)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	bus, exec := newFakeBus(), &fakeExec{}
	c := newConsumer(exec, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	bus.in <- payload("a", now)
	bus.in <- payload("b", now)
	bus.in <- payload("a", now)
	require.Eventually(t, func() bool { return exec.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestDedupExpiry(t *testing.T) {
	clock := now
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return clock }

	assert.True(t, d.Claim("x"))
	assert.False(t, d.Claim("x"))

	clock = clock.Add(time.Minute)
	d.Cleanup()
	assert.Equal(t, 0, d.Len())
	assert.True(t, d.Claim("x"))

	d.Release("x")
	assert.True(t, d.Claim("x"))
	d.Release("unknown")
	assert.Equal(t, 1, d.Len())
}

func TestHandleRetriesFailedSignal(t *testing.T) {
	bus, exec := newFakeBus(), &fakeExec{fail: true}
	c := newConsumer(exec, bus)
	ctx := context.Background()

	rep, err := c.Handle(ctx, payload("sig-3", now))
	require.NoError(t, err)
	assert.False(t, rep.Success)

	exec.mu.Lock()
	exec.fail = false
	exec.mu.Unlock()

	rep, err = c.Handle(ctx, payload("sig-3", now))
	require.NoError(t, err, "a signal that failed everywhere may be republished")
	assert.True(t, rep.Success)

	_, err = c.Handle(ctx, payload("sig-3", now))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 2, exec.count())
}

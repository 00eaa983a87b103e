package statesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/enginetest"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func remote(id string) domain.StrategyExecution {
	return domain.StrategyExecution{
		ID:          id,
		Type:        domain.StrategyMarketMaking,
		Status:      domain.StrategyActive,
		Parameters:  map[string]any{"spread_pct": 0.2, "order_size": 100.0, "mode": "passive"},
		Performance: domain.StrategyPerformance{TotalTrades: 12, TotalPnL: 42.5},
		StartTime:   time.Now().Add(-time.Hour),
	}
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) handler(_ context.Context, ev events.Event) {
	l.mu.Lock()
	l.names = append(l.names, ev.Name)
	l.mu.Unlock()
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.names {
		if got == name {
			n++
		}
	}
	return n
}

func newSync(t *testing.T, source StrategySource, cache domain.StateCache, locker domain.LockManager) (*Synchronizer, *eventLog) {
	t.Helper()
	bus := events.NewBus(testLogger())
	log := &eventLog{}
	bus.SubscribeAll(log.handler)
	return New(source, cache, locker, DefaultConfig(), bus, testLogger()), log
}

func TestSynchronizeStrategy_CreatesLocalState(t *testing.T) {
	cache := NewMemoryCache()
	s, log := newSync(t, enginetest.NewEngine(), cache, nil)

	res := s.SynchronizeStrategy(context.Background(), remote("s-1"))
	assert.True(t, res.Created)
	assert.False(t, res.Diverged())
	assert.Equal(t, int64(1), res.Version)
	assert.Empty(t, res.Error)

	st, err := cache.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyActive, st.Status)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, 0, log.count(events.StateDivergence))
	assert.Equal(t, 1, log.count(events.StateUpdated))

	res = s.SynchronizeStrategy(context.Background(), remote("s-1"))
	assert.False(t, res.Created)
	assert.False(t, res.Updated)
	assert.Equal(t, int64(1), res.Version, "no divergence keeps the version")
}

func TestSynchronizeStrategy_RemoteWins(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	local := domain.StateFromExecution(remote("s-1"), 4)
	local.Status = domain.StrategyPaused
	require.NoError(t, cache.Set(ctx, local))

	s, log := newSync(t, enginetest.NewEngine(), cache, nil)
	r := remote("s-1")
	r.Performance.TotalPnL = 50
	res := s.SynchronizeStrategy(ctx, r)

	require.Len(t, res.Divergences, 2)
	assert.Equal(t, DivergenceStatus, res.Divergences[0].Kind)
	assert.Equal(t, DivergencePnL, res.Divergences[1].Kind)
	assert.True(t, res.Updated)
	assert.Equal(t, int64(5), res.Version)

	st, err := cache.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyActive, st.Status)
	assert.Equal(t, 50.0, st.Performance.TotalPnL)
	assert.Equal(t, int64(5), st.Version)
	assert.Equal(t, 1, log.count(events.StateDivergence))
}

func TestCompare_Tolerances(t *testing.T) {
	tol := DefaultConfig().Tolerances
	base := remote("s-1")
	local := domain.StateFromExecution(base, 1)

	r := base.Clone()
	r.Performance.TotalPnL += 0.005
	r.Parameters["order_size"] = 100.05
	assert.Empty(t, Compare(local, r, tol), "within pnl and relative tolerance")

	r.Parameters["order_size"] = 101
	r.Performance.TotalTrades = 13
	divs := Compare(local, r, tol)
	require.Len(t, divs, 2)
	assert.Equal(t, DivergenceTradeCount, divs[0].Kind)
	assert.Equal(t, DivergenceParameter, divs[1].Kind)
	assert.Equal(t, "parameters.order_size", divs[1].Field)

	tol.TradeCount = 2
	assert.Len(t, Compare(local, r, tol), 1)
}

func TestCompare_MissingAndExtraAreDistinct(t *testing.T) {
	base := remote("s-1")
	local := domain.StateFromExecution(base, 1)
	local.Parameters["legacy"] = true

	r := base.Clone()
	r.Parameters["levels"] = 5
	r.Parameters["mode"] = "aggressive"

	divs := Compare(local, r, DefaultConfig().Tolerances)
	require.Len(t, divs, 3)
	assert.Equal(t, Divergence{Kind: DivergenceParamMissing, Field: "parameters.legacy", Local: true}, divs[0])
	assert.Equal(t, Divergence{Kind: DivergenceParamExtra, Field: "parameters.levels", Remote: 5}, divs[1])
	assert.Equal(t, DivergenceParameter, divs[2].Kind)
}

type failingCache struct {
	*MemoryCache
	failSet bool
	block   chan struct{}
	entered chan struct{}
}

func (f *failingCache) Get(ctx context.Context, id string) (domain.LocalStrategyState, error) {
	if f.block != nil {
		close(f.entered)
		<-f.block
		f.block = nil
	}
	return f.MemoryCache.Get(ctx, id)
}

func (f *failingCache) Set(ctx context.Context, st domain.LocalStrategyState) error {
	if f.failSet {
		return errors.New("redis: connection reset")
	}
	return f.MemoryCache.Set(ctx, st)
}

func TestSynchronizeStrategy_CacheWriteFailureLeavesCache(t *testing.T) {
	ctx := context.Background()
	cache := &failingCache{MemoryCache: NewMemoryCache()}
	require.NoError(t, cache.MemoryCache.Set(ctx, domain.StateFromExecution(remote("s-1"), 3)))
	cache.failSet = true

	s, log := newSync(t, enginetest.NewEngine(), cache, nil)
	r := remote("s-1")
	r.Status = domain.StrategyPaused

	res := s.SynchronizeStrategy(ctx, r)
	assert.True(t, res.Diverged())
	assert.False(t, res.Updated)
	assert.Contains(t, res.Error, "cache write")
	assert.Equal(t, int64(3), res.Version)

	st, err := cache.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Version)
	assert.Equal(t, domain.StrategyActive, st.Status)
	assert.Equal(t, 1, log.count(events.SyncFailed))
}

func TestSynchronizeStrategy_InProgressGuard(t *testing.T) {
	cache := &failingCache{MemoryCache: NewMemoryCache(), block: make(chan struct{}), entered: make(chan struct{})}
	s, _ := newSync(t, enginetest.NewEngine(), cache, nil)

	done := make(chan SyncResult, 1)
	go func() { done <- s.SynchronizeStrategy(context.Background(), remote("s-1")) }()
	<-cache.entered
	assert.True(t, s.InProgress("s-1"))

	second := s.SynchronizeStrategy(context.Background(), remote("s-1"))
	assert.True(t, second.Skipped)
	assert.Equal(t, domain.ErrSyncInProgress.Error(), second.Error)

	close(cache.block)
	first := <-done
	assert.True(t, first.Created)
	assert.False(t, s.InProgress("s-1"))
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type countingLocker struct {
	mu       sync.Mutex
	acquired []string
	released int
}

func (c *countingLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = append(c.acquired, key)
	return func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}, nil
}

func TestSynchronizeStrategy_DistributedLock(t *testing.T) {
	s, _ := newSync(t, enginetest.NewEngine(), NewMemoryCache(), heldLocker{})
	res := s.SynchronizeStrategy(context.Background(), remote("s-1"))
	assert.True(t, res.Skipped)

	locker := &countingLocker{}
	s, _ = newSync(t, enginetest.NewEngine(), NewMemoryCache(), locker)
	res = s.SynchronizeStrategy(context.Background(), remote("s-1"))
	assert.True(t, res.Created)
	assert.Equal(t, []string{"sync:s-1"}, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestSynchronizeAll(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.NewEngine()
	eng.AddStrategy(remote("a"))
	eng.AddStrategy(remote("b"))
	changed := remote("c")
	changed.Performance.TotalTrades = 40
	eng.AddStrategy(changed)
	inactive := remote("d")
	inactive.Status = domain.StrategyStopped
	eng.AddStrategy(inactive)

	cache := NewMemoryCache()
	require.NoError(t, cache.Set(ctx, domain.StateFromExecution(remote("b"), 2)))
	require.NoError(t, cache.Set(ctx, domain.StateFromExecution(remote("c"), 7)))

	s, log := newSync(t, eng, cache, nil)
	sum := s.SynchronizeAll(ctx)

	assert.Empty(t, sum.Error)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.InSync)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 1, log.count(events.SyncCompleted))

	st, err := cache.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.Version)
	assert.Equal(t, int64(40), st.Performance.TotalTrades)

	last, ok := s.LastSummary()
	require.True(t, ok)
	assert.Equal(t, sum.Total, last.Total)
}

func TestSynchronizeAll_ListFailure(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.ListErr = errors.New("engine unavailable")
	s, log := newSync(t, eng, NewMemoryCache(), nil)

	sum := s.SynchronizeAll(context.Background())
	assert.Contains(t, sum.Error, "engine unavailable")
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 1, log.count(events.SyncFailed))
	assert.Equal(t, 0, log.count(events.SyncCompleted))
}

func TestForceSynchronization(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.AddStrategy(remote("s-1"))
	s, _ := newSync(t, eng, NewMemoryCache(), nil)

	res, err := s.ForceSynchronization(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, res.Created)

	_, err = s.ForceSynchronization(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunPicksUpIntervalChange(t *testing.T) {
	s, log := newSync(t, enginetest.NewEngine(), NewMemoryCache(), nil)
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	s.UpdateConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return log.count(events.SyncCompleted) >= 2 }, time.Second, 5*time.Millisecond)

	cfg.Interval = time.Hour
	s.UpdateConfig(cfg)
	time.Sleep(50 * time.Millisecond)
	settled := log.count(events.SyncCompleted)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, log.count(events.SyncCompleted))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

package consistency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/enginetest"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChecker(eng StrategySource, archiver domain.ReportArchiver, cfg Config, emitter events.Emitter) *Checker {
	c := NewChecker(eng, archiver, cfg, emitter, testLogger())
	c.now = func() time.Time { return fixedNow }
	return c
}

func cleanGrid(id string) domain.StrategyExecution {
	return domain.StrategyExecution{
		ID:       id,
		Type:     domain.StrategyGrid,
		Exchange: "binance",
		Pair:     "BTC/USDT",
		Status:   domain.StrategyActive,
		Parameters: map[string]any{
			"grid_levels":      20.0,
			"grid_spacing_pct": 0.5,
			"order_size":       0.01,
		},
		Performance: domain.StrategyPerformance{TotalTrades: 10, SuccessfulTrades: 8, FillRate: 0.8, AvgLatencyMs: 12},
		StartTime:   fixedNow.Add(-30 * time.Minute),
	}
}

func codes(res CheckResult) []string {
	var out []string
	for _, v := range res.Violations {
		out = append(out, v.Code)
	}
	return out
}

func TestCheck_CleanRecord(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	res := c.CheckStrategyConsistency(cleanGrid("s-1"))
	assert.Empty(t, res.Violations)
	assert.False(t, res.Corrected)
	assert.Equal(t, 0, res.Unresolved())
}

func TestCheck_FillRateClampEnabled(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := cleanGrid("s-1")
	rec.Performance.FillRate = 1.7

	res := c.CheckStrategyConsistency(rec)
	require.Equal(t, []string{CodeFillRate}, codes(res))
	assert.True(t, res.Violations[0].Corrected)
	assert.Equal(t, 1.0, res.Record.Performance.FillRate)
	assert.True(t, res.Corrected)
	assert.Equal(t, 1.7, rec.Performance.FillRate, "input is not mutated")

	rec.Performance.FillRate = -0.2
	res = c.CheckStrategyConsistency(rec)
	assert.Equal(t, 0.0, res.Record.Performance.FillRate)
}

func TestCheck_FillRateClampDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCorrect = false
	c := newTestChecker(enginetest.NewEngine(), nil, cfg, nil)
	rec := cleanGrid("s-1")
	rec.Performance.FillRate = 1.7

	res := c.CheckStrategyConsistency(rec)
	require.Equal(t, []string{CodeFillRate}, codes(res))
	assert.False(t, res.Violations[0].Corrected)
	assert.False(t, res.Corrected)
	assert.Equal(t, 1.7, res.Record.Performance.FillRate)
	assert.Equal(t, 1, res.Unresolved())
}

func TestCheck_NonFiniteValuesStayEncodable(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := cleanGrid("s-1")
	rec.Performance.FillRate = math.NaN()
	rec.Performance.AvgLatencyMs = math.Inf(-1)
	rec.Parameters["grid_spacing_pct"] = math.NaN()

	res := c.CheckStrategyConsistency(rec)
	assert.ElementsMatch(t, []string{CodeFillRate, CodeNegativeLatency, CodeParameterRange}, codes(res))
	for _, v := range res.Violations {
		switch v.Code {
		case CodeFillRate:
			assert.Equal(t, "NaN", v.Original)
			assert.Equal(t, 0.0, v.Fixed)
		case CodeNegativeLatency:
			assert.Equal(t, "-Inf", v.Original)
		case CodeParameterRange:
			assert.Equal(t, "NaN", v.Original)
			assert.Equal(t, 0.5, v.Fixed)
		}
	}
	assert.Equal(t, 0.5, res.Record.Parameters["grid_spacing_pct"])
	assert.Equal(t, 0.0, res.Record.Performance.FillRate)

	_, err := sonic.Marshal(res)
	require.NoError(t, err)

	arch := &fakeArchiver{}
	eng := enginetest.NewEngine()
	eng.AddStrategy(rec)
	cfg := DefaultConfig()
	cfg.AutoCorrect = false
	rep := newTestChecker(eng, arch, cfg, nil).PerformConsistencyCheck(context.Background())
	require.Len(t, arch.reports, 1)
	_, err = sonic.Marshal(rep)
	require.NoError(t, err)
}

func TestCheck_PerformanceCorrections(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := cleanGrid("s-1")
	rec.Performance.TotalTrades = 3
	rec.Performance.SuccessfulTrades = 7
	rec.Performance.AvgLatencyMs = -4
	rec.Status = "zombie"

	res := c.CheckStrategyConsistency(rec)
	assert.Equal(t, []string{CodeTradeCounts, CodeNegativeLatency, CodeUnknownStatus}, codes(res))
	assert.Equal(t, int64(7), res.Record.Performance.TotalTrades)
	assert.Equal(t, 0.0, res.Record.Performance.AvgLatencyMs)
	assert.Equal(t, domain.StrategyError, res.Record.Status)
	assert.Equal(t, 0, res.Unresolved())
}

func TestCheck_Parameters(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := cleanGrid("s-1")
	delete(rec.Parameters, "order_size")
	rec.Parameters["grid_levels"] = 500
	rec.Parameters["grid_spacing_pct"] = "wide"

	res := c.CheckStrategyConsistency(rec)
	assert.Equal(t, []string{CodeMissingParameter, CodeParameterRange, CodeParameterType}, codes(res))
	assert.Equal(t, 0.01, res.Record.Parameters["order_size"])
	assert.Equal(t, 200.0, res.Record.Parameters["grid_levels"])
	assert.Equal(t, 0.5, res.Record.Parameters["grid_spacing_pct"])
	assert.Equal(t, 500, rec.Parameters["grid_levels"], "input map untouched")
}

func TestCheck_MissingParameterWithoutDefault(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := domain.StrategyExecution{
		ID: "p-1", Type: domain.StrategyPortfolioRebalance, Status: domain.StrategyActive,
		Parameters: map[string]any{"amount": 10.0},
		StartTime:  fixedNow,
		Performance: domain.StrategyPerformance{TotalTrades: 1},
	}
	res := c.CheckStrategyConsistency(rec)
	require.Equal(t, []string{CodeMissingParameter}, codes(res))
	assert.False(t, res.Violations[0].Corrected)
	assert.Equal(t, 1, res.Unresolved())
}

func TestCheck_Times(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := cleanGrid("s-1")
	rec.StartTime = fixedNow.Add(time.Hour)
	end := fixedNow.Add(-time.Hour)
	rec.EndTime = &end

	res := c.CheckStrategyConsistency(rec)
	assert.Equal(t, []string{CodeFutureStart, CodeEndBeforeStart}, codes(res))
	assert.Equal(t, fixedNow, res.Record.StartTime)
	require.NotNil(t, res.Record.EndTime)
	assert.Equal(t, fixedNow, *res.Record.EndTime)
}

func TestCheck_InactivityIsFlaggedNotCorrected(t *testing.T) {
	c := newTestChecker(enginetest.NewEngine(), nil, DefaultConfig(), nil)
	rec := cleanGrid("s-1")
	rec.Performance = domain.StrategyPerformance{}
	rec.StartTime = fixedNow.Add(-3 * time.Hour)

	res := c.CheckStrategyConsistency(rec)
	require.Equal(t, []string{CodeInactive}, codes(res))
	assert.Equal(t, SeverityWarning, res.Violations[0].Severity)
	assert.False(t, res.Violations[0].Corrected)
	assert.False(t, res.Corrected)
	assert.Equal(t, 0, res.Unresolved())
}

type fakeArchiver struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (f *fakeArchiver) ArchiveReport(_ context.Context, report any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reports = append(f.reports, report.(Report))
	return "reports/" + report.(Report).ID + ".json", nil
}

func TestPerformConsistencyCheck_CorrectsAndPushes(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.AddStrategy(cleanGrid("ok"))
	bad := cleanGrid("bad")
	bad.Performance.FillRate = 3
	eng.AddStrategy(bad)
	stopped := cleanGrid("stopped")
	stopped.Status = domain.StrategyStopped
	stopped.Performance.FillRate = 9
	eng.AddStrategy(stopped)

	bus := events.NewBus(testLogger())
	var names []string
	bus.SubscribeAll(func(_ context.Context, ev events.Event) { names = append(names, ev.Name) })
	arch := &fakeArchiver{}

	c := newTestChecker(eng, arch, DefaultConfig(), bus)
	rep := c.PerformConsistencyCheck(context.Background())

	assert.True(t, rep.Success)
	assert.Equal(t, 2, rep.Checked, "only active strategies")
	assert.Equal(t, 1, rep.WithViolations)
	assert.Equal(t, 1, rep.Corrected)
	assert.Equal(t, 0, rep.Unresolved)
	assert.Equal(t, "reports/"+rep.ID+".json", rep.ArchivePath)
	require.Len(t, arch.reports, 1)

	require.Len(t, eng.Replaced, 1)
	assert.Equal(t, "bad", eng.Replaced[0].ID)
	assert.Equal(t, 1.0, eng.Replaced[0].Performance.FillRate)

	assert.Equal(t, []string{events.ConsistencyViolation, events.ConsistencyCorrected, events.ConsistencyCheckComplete}, names)

	last, ok := c.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.ID, last.ID)
}

func TestPerformConsistencyCheck_UnresolvedWhenCorrectionOff(t *testing.T) {
	eng := enginetest.NewEngine()
	bad := cleanGrid("bad")
	bad.Performance.AvgLatencyMs = -1
	eng.AddStrategy(bad)

	cfg := DefaultConfig()
	cfg.AutoCorrect = false
	rep := newTestChecker(eng, nil, cfg, nil).PerformConsistencyCheck(context.Background())

	assert.False(t, rep.Success)
	assert.Equal(t, 1, rep.Unresolved)
	assert.Empty(t, eng.Replaced)
}

func TestPerformConsistencyCheck_Failures(t *testing.T) {
	eng := enginetest.NewEngine()
	eng.ListErr = errors.New("engine down")
	rep := newTestChecker(eng, nil, DefaultConfig(), nil).PerformConsistencyCheck(context.Background())
	assert.False(t, rep.Success)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "list", rep.Errors[0].Op)

	eng = enginetest.NewEngine()
	bad := cleanGrid("bad")
	bad.Performance.FillRate = 2
	eng.AddStrategy(bad)
	eng.ReplaceErr = errors.New("write rejected")
	arch := &fakeArchiver{err: errors.New("bucket missing")}
	rep = newTestChecker(eng, arch, DefaultConfig(), nil).PerformConsistencyCheck(context.Background())
	assert.False(t, rep.Success)
	assert.Equal(t, 1, rep.Unresolved)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "push correction", rep.Errors[0].Op)
	assert.Empty(t, rep.ArchivePath, "archive failure does not fail the check")
}

func TestForceCheck(t *testing.T) {
	eng := enginetest.NewEngine()
	rec := cleanGrid("s-1")
	rec.Performance.FillRate = 1.5
	eng.AddStrategy(rec)
	c := newTestChecker(eng, nil, DefaultConfig(), nil)

	res := c.ForceCheck(context.Background(), "s-1")
	assert.Nil(t, res.Err)
	assert.True(t, res.Corrected)
	pushed, _ := eng.Strategy("s-1")
	assert.Equal(t, 1.0, pushed.Performance.FillRate)

	res = c.ForceCheck(context.Background(), "missing")
	require.NotNil(t, res.Err)
	assert.Equal(t, "not found", res.Err.Op)
	assert.ErrorIs(t, res.Err, domain.ErrNotFound)
	assert.Empty(t, res.Violations)
}

func TestRunPicksUpIntervalChange(t *testing.T) {
	bus := events.NewBus(testLogger())
	var mu sync.Mutex
	completed := 0
	bus.Subscribe(events.ConsistencyCheckComplete, func(context.Context, events.Event) {
		mu.Lock()
		completed++
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return completed
	}

	cfg := DefaultConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	c := newTestChecker(enginetest.NewEngine(), nil, cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return count() >= 2 }, time.Second, 5*time.Millisecond)

	cfg.CheckInterval = time.Hour
	c.UpdateConfig(cfg)
	time.Sleep(50 * time.Millisecond)
	settled := count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, count())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

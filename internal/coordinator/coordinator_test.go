package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stratfleet/internal/balancer"
	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/enginetest"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHealth struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func newHealth(exchanges ...string) *fakeHealth {
	h := &fakeHealth{healthy: map[string]bool{}}
	for _, ex := range exchanges {
		h.healthy[ex] = true
	}
	return h
}

func (h *fakeHealth) set(ex string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy[ex] = ok
}

func (h *fakeHealth) IsHealthy(ex string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy[ex]
}

func (h *fakeHealth) Healthy() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for ex, ok := range h.healthy {
		if ok {
			out = append(out, ex)
		}
	}
	sort.Strings(out)
	return out
}

type fakeFleet struct {
	instances []domain.Instance
}

func (f *fakeFleet) Running(ex string) []domain.Instance {
	var out []domain.Instance
	for _, inst := range f.instances {
		if inst.Exchange == ex && inst.Status == domain.InstanceRunning {
			out = append(out, inst.Clone())
		}
	}
	return out
}

func (f *fakeFleet) All() []domain.Instance {
	out := make([]domain.Instance, len(f.instances))
	for i, inst := range f.instances {
		out[i] = inst.Clone()
	}
	return out
}

func instance(id, exchange string) domain.Instance {
	return domain.Instance{
		ID:            id,
		Exchange:      exchange,
		Status:        domain.InstanceRunning,
		HealthScore:   90,
		MaxStrategies: 10,
		Resources:     domain.ResourceUsage{CPUPercent: 20, MemoryUsedMB: 200, MemoryLimitMB: 1000},
	}
}

type fakeArbStore struct {
	mu       sync.Mutex
	inserted []domain.ArbitrageOpportunity
	statuses map[string]domain.OpportunityStatus
}

func (s *fakeArbStore) Insert(_ context.Context, opp domain.ArbitrageOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, opp)
	return nil
}

func (s *fakeArbStore) UpdateStatus(_ context.Context, id string, st domain.OpportunityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = map[string]domain.OpportunityStatus{}
	}
	s.statuses[id] = st
	return nil
}

func (s *fakeArbStore) ListRecent(context.Context, int) ([]domain.ArbitrageOpportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ArbitrageOpportunity(nil), s.inserted...), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type harness struct {
	c      *Coordinator
	engine *enginetest.Engine
	health *fakeHealth
	arbs   *fakeArbStore
	log    *eventLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	exchanges := []string{"binance", "bybit", "okx"}
	h := &harness{
		engine: enginetest.NewEngine(),
		health: newHealth(exchanges...),
		arbs:   &fakeArbStore{},
		log:    &eventLog{},
	}
	bus := events.NewBus(testLogger())
	bus.SubscribeAll(h.log.handle)
	fleet := &fakeFleet{instances: []domain.Instance{
		instance("bin-1", "binance"),
		instance("byb-1", "bybit"),
		instance("okx-1", "okx"),
		instance("okx-2", "okx"),
	}}
	h.c = New(Deps{
		Engine:    h.engine,
		Health:    h.health,
		Fleet:     fleet,
		Balancer:  balancer.New(balancer.DefaultConfig(), testLogger()),
		Exchanges: exchanges,
		Arbs:      h.arbs,
		Emitter:   bus,
		Logger:    testLogger(),
	}, cfg)
	return h
}

func grid(exchange string) domain.StrategyExecution {
	return domain.StrategyExecution{
		Type:       domain.StrategyGrid,
		Exchange:   exchange,
		Pair:       "BTC/USDT",
		Parameters: map[string]any{"grid_levels": 10.0, "grid_spacing_pct": 0.5, "order_size": 0.01},
	}
}

func marketMaking(exchange string) domain.StrategyExecution {
	return domain.StrategyExecution{
		Type:       domain.StrategyMarketMaking,
		Exchange:   exchange,
		Pair:       "BTC/USDT",
		Parameters: map[string]any{"spread_pct": 0.2, "order_size": 0.01, "levels": 3.0},
	}
}

func TestCoordinateStrategies(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("binance"), grid("bybit")})
	require.NoError(t, err)

	assert.Equal(t, domain.GroupCoordinatedGrid, g.Type)
	assert.Equal(t, domain.GroupActive, g.Status)
	assert.Equal(t, []string{"binance", "bybit"}, g.Exchanges)
	require.Len(t, g.Strategies, 2)
	assert.Equal(t, "bin-1", g.Strategies[0].InstanceID)
	assert.Equal(t, "byb-1", g.Strategies[1].InstanceID)
	assert.Equal(t, 1, h.log.count(events.GroupCreated))

	stored, ok := h.c.Group(g.ID)
	require.True(t, ok)
	assert.Equal(t, g.Strategies[0].ID, stored.Strategies[0].ID)
}

func TestCoordinateStrategies_UnhealthyExchange(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.health.set("bybit", false)

	_, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("binance"), grid("bybit")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExchangeUnavailable)
	assert.Contains(t, err.Error(), "bybit")
	assert.Zero(t, h.engine.DeploymentCount())
	assert.Empty(t, h.c.Groups())
}

func TestCoordinateStrategies_RollsBackOnFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.DeployFunc = func(_ string, spec domain.StrategyExecution) error {
		if spec.Exchange == "bybit" {
			return errors.New("instance rejected deployment")
		}
		return nil
	}

	_, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("binance"), grid("bybit")})
	require.Error(t, err)
	assert.Equal(t, []string{"strat-1"}, h.engine.StoppedIDs())
	assert.Empty(t, h.c.Groups())
}

func TestCoordinateStrategies_ConfiguresFutures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLeverage = 3
	h := newHarness(t, cfg)

	spec := grid("okx")
	spec.Type = domain.StrategyFuturesGrid
	spec.Settings.MarginMode = "cross"

	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{spec})
	require.NoError(t, err)

	assert.Equal(t, 3, h.engine.Leverage["okx|BTC/USDT"])
	assert.Equal(t, "cross", h.engine.MarginModes["okx|BTC/USDT"])
	assert.Equal(t, "one_way", h.engine.PosModes["okx"])
	assert.Equal(t, 3.0, g.Strategies[0].Parameters["leverage"])
	assert.Equal(t, 3, g.Strategies[0].Settings.Leverage)
}

func TestGroupType(t *testing.T) {
	arb := domain.StrategyExecution{Type: domain.StrategyCrossExchangeArbitrage}
	dca := domain.StrategyExecution{Type: domain.StrategyDCA}
	futGrid := domain.StrategyExecution{Type: domain.StrategyFuturesGrid}

	tests := []struct {
		name  string
		specs []domain.StrategyExecution
		want  domain.GroupType
	}{
		{"grids", []domain.StrategyExecution{grid("a"), futGrid}, domain.GroupCoordinatedGrid},
		{"market making", []domain.StrategyExecution{marketMaking("a"), marketMaking("b")}, domain.GroupCoordinatedMarketMaking},
		{"arbitrage", []domain.StrategyExecution{arb}, domain.GroupCoordinatedArbitrage},
		{"mixed", []domain.StrategyExecution{grid("a"), marketMaking("b")}, domain.GroupMultiStrategy},
		{"dca", []domain.StrategyExecution{dca}, domain.GroupMultiStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, groupType(tt.specs))
		})
	}
}

func arbHarness(t *testing.T) *harness {
	cfg := DefaultConfig()
	cfg.ArbitragePairs = []string{"BTC/USDT"}
	h := newHarness(t, cfg)
	h.engine.SetPrice("binance", "BTC/USDT", 100)
	h.engine.SetPrice("bybit", "BTC/USDT", 101)
	h.engine.SetPrice("okx", "BTC/USDT", 50)
	h.health.set("okx", false)
	return h
}

func TestDetectArbitrageOpportunities(t *testing.T) {
	h := arbHarness(t)

	opps, err := h.c.DetectArbitrageOpportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1, "unhealthy exchanges are not compared")

	opp := opps[0]
	assert.Equal(t, "binance", opp.BuyExchange)
	assert.Equal(t, "bybit", opp.SellExchange)
	assert.InDelta(t, 1.0, opp.ProfitPct, 1e-9)
	assert.InDelta(t, 0.01, opp.EstimatedProfit, 1e-9)
	assert.Equal(t, domain.OpportunityDetected, opp.Status)

	assert.Equal(t, 1, h.log.count(events.ArbitrageDetected))
	assert.Len(t, h.arbs.inserted, 1)
	assert.Len(t, h.c.RecentOpportunities(), 1)
}

func TestDetectArbitrageOpportunities_BelowThreshold(t *testing.T) {
	h := arbHarness(t)
	h.engine.SetPrice("bybit", "BTC/USDT", 100.4)

	opps, err := h.c.DetectArbitrageOpportunities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps)
	assert.Zero(t, h.log.count(events.ArbitrageDetected))
}

func TestExecuteArbitrage_RevalidatesPrices(t *testing.T) {
	h := arbHarness(t)
	opps, err := h.c.DetectArbitrageOpportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	h.engine.SetPrice("bybit", "BTC/USDT", 100.3)

	_, err = h.c.ExecuteArbitrage(context.Background(), opps[0])
	require.ErrorIs(t, err, domain.ErrOpportunityNoLongerValid)
	assert.Contains(t, err.Error(), "opportunity no longer valid")
	assert.Zero(t, h.engine.DeploymentCount())
	assert.Equal(t, domain.OpportunityExpired, h.arbs.statuses[opps[0].ID])
}

func TestExecuteArbitrage(t *testing.T) {
	h := arbHarness(t)
	opps, err := h.c.DetectArbitrageOpportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	rec, err := h.c.ExecuteArbitrage(context.Background(), opps[0])
	require.NoError(t, err)

	assert.Equal(t, domain.StrategyArbitrage, rec.Type)
	require.NotNil(t, rec.Arbitrage)
	assert.Equal(t, domain.OpportunityExecuted, rec.Arbitrage.Status)
	assert.Equal(t, opps[0].ID, rec.Arbitrage.ID)

	require.Len(t, h.engine.Deployments, 2)
	assert.Equal(t, "binance", h.engine.Deployments[0].Spec.Exchange)
	assert.Equal(t, "buy", h.engine.Deployments[0].Spec.Settings.Side)
	assert.Equal(t, "bybit", h.engine.Deployments[1].Spec.Exchange)
	assert.Equal(t, "sell", h.engine.Deployments[1].Spec.Settings.Side)

	groups := h.c.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupCoordinatedArbitrage, groups[0].Type)
	assert.Equal(t, 1, h.log.count(events.ArbitrageExecuted))
	assert.Equal(t, domain.OpportunityExecuted, h.arbs.statuses[opps[0].ID])
}

func TestAdjustStrategiesForMarketConditions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{marketMaking("binance"), grid("bybit")})
	require.NoError(t, err)
	mmID, gridID := g.Strategies[0].ID, g.Strategies[1].ID

	h.engine.SetConditions("binance", "BTC/USDT", domain.MarketConditions{Volatility: 0.5})
	h.engine.SetConditions("bybit", "BTC/USDT", domain.MarketConditions{Volatility: 0.05})

	adj, err := h.c.AdjustStrategiesForMarketConditions(context.Background())
	require.NoError(t, err)
	require.Len(t, adj, 2)

	assert.Equal(t, 1.0, h.engine.Updates[mmID]["spread_pct"])
	assert.Equal(t, 0.2, h.engine.Updates[gridID]["grid_spacing_pct"], "grid spacing keeps its floor")
	assert.Equal(t, 1, h.log.count(events.StrategiesAdjusted))

	stored, _ := h.c.Group(g.ID)
	assert.Equal(t, 1.0, stored.Strategies[0].Parameters["spread_pct"])

	adj, err = h.c.AdjustStrategiesForMarketConditions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, adj, "unchanged values are not pushed again")
}

func TestHandleExchangeFailover_MovesToHealthyExchange(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{marketMaking("binance"), grid("bybit")})
	require.NoError(t, err)
	oldID := g.Strategies[0].ID

	h.health.set("binance", false)
	require.NoError(t, h.c.HandleExchangeFailover(context.Background(), "binance"))

	assert.Equal(t, []string{oldID}, h.engine.StoppedIDs())
	moved, ok := h.c.Group(g.ID)
	require.True(t, ok)
	assert.Equal(t, domain.GroupActive, moved.Status)
	assert.Equal(t, "okx", moved.Strategies[0].Exchange)
	assert.NotEqual(t, oldID, moved.Strategies[0].ID)
	assert.Equal(t, []string{"bybit", "okx"}, moved.Exchanges)
	assert.Equal(t, 1, h.log.count(events.GroupFailedOver))
}

func TestHandleExchangeFailover_PausesWithoutAlternative(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{marketMaking("binance")})
	require.NoError(t, err)

	h.health.set("binance", false)
	h.health.set("bybit", false)
	h.health.set("okx", false)
	require.NoError(t, h.c.HandleExchangeFailover(context.Background(), "binance"))

	paused, _ := h.c.Group(g.ID)
	assert.Equal(t, domain.GroupPaused, paused.Status)
	assert.Equal(t, domain.StrategyPaused, paused.Strategies[0].Status)
	assert.Equal(t, 1, h.engine.DeploymentCount())
}

func TestHandleExchangeFailover_IgnoresUnaffectedGroups(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("bybit")})
	require.NoError(t, err)

	require.NoError(t, h.c.HandleExchangeFailover(context.Background(), "binance"))
	assert.Empty(t, h.engine.StoppedIDs())
	assert.Zero(t, h.log.count(events.GroupFailedOver))
}

func TestHandleExchangeFailover_ConcurrentCallsMoveOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{marketMaking("binance"), grid("bybit")})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.engine.StopFunc = func(string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}
	h.health.set("binance", false)

	done := make(chan error, 1)
	go func() { done <- h.c.HandleExchangeFailover(context.Background(), "binance") }()
	<-entered

	require.NoError(t, h.c.HandleExchangeFailover(context.Background(), "binance"))
	close(release)
	require.NoError(t, <-done)

	onOKX := 0
	for _, d := range h.engine.Deployments {
		if d.Spec.Exchange == "okx" {
			onOKX++
		}
	}
	assert.Equal(t, 1, onOKX)
	assert.Equal(t, []string{g.Strategies[0].ID}, h.engine.StoppedIDs())
	assert.Equal(t, 1, h.log.count(events.GroupFailedOver))

	// A later call finds nothing left on the failed exchange.
	require.NoError(t, h.c.HandleExchangeFailover(context.Background(), "binance"))
	assert.Equal(t, 3, h.engine.DeploymentCount())
}

func TestHandleExchangeFailover_RollsBackPartialRedeploy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{marketMaking("binance"), grid("binance")})
	require.NoError(t, err)

	h.engine.DeployFunc = func(_ string, spec domain.StrategyExecution) error {
		if spec.Exchange == "okx" && spec.Type == domain.StrategyGrid {
			return errors.New("instance rejected deployment")
		}
		return nil
	}
	h.health.set("binance", false)
	h.health.set("bybit", false)

	err = h.c.HandleExchangeFailover(context.Background(), "binance")
	require.Error(t, err)

	stopped := h.engine.StoppedIDs()
	assert.ElementsMatch(t, []string{g.Strategies[0].ID, g.Strategies[1].ID, "strat-3"}, stopped)

	paused, ok := h.c.Group(g.ID)
	require.True(t, ok)
	assert.Equal(t, domain.GroupPaused, paused.Status)
	assert.Equal(t, []string{"binance"}, paused.Exchanges)
	for i, s := range paused.Strategies {
		assert.Equal(t, g.Strategies[i].ID, s.ID)
		assert.Equal(t, domain.StrategyPaused, s.Status)
	}
}

func TestRebalancePortfolio(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.health.set("okx", false)
	h.engine.SetBalances("binance", map[string]float64{"BTC": 1, "USDT": 30_000})
	h.engine.SetBalances("bybit", map[string]float64{"USDT": 10_000})
	h.engine.SetPrice("binance", "BTC/USDT", 60_000)

	plan, err := h.c.RebalancePortfolio(context.Background(), map[string]float64{"BTC": 50, "USDT": 50})
	require.NoError(t, err)

	assert.InDelta(t, 100_000, plan.TotalValue, 1e-6)
	require.Len(t, plan.Orders, 1)
	order := plan.Orders[0]
	assert.Equal(t, "BTC", order.Asset)
	assert.Equal(t, "sell", order.Side)
	assert.Equal(t, "binance", order.Exchange)
	assert.InDelta(t, 10_000.0/60_000, order.Size, 1e-6)
	assert.NotEmpty(t, order.StrategyID)

	require.Len(t, h.engine.Deployments, 1)
	assert.Equal(t, domain.StrategyPortfolioRebalance, h.engine.Deployments[0].Spec.Type)
	assert.Equal(t, 1, h.log.count(events.PortfolioRebalance))
}

func TestRebalancePortfolio_ClampsOrderSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOrderSize = 0.05
	h := newHarness(t, cfg)
	h.health.set("okx", false)
	h.engine.SetBalances("binance", map[string]float64{"BTC": 1, "USDT": 30_000})
	h.engine.SetBalances("bybit", map[string]float64{"USDT": 10_000})
	h.engine.SetPrice("binance", "BTC/USDT", 60_000)

	plan, err := h.c.RebalancePortfolio(context.Background(), map[string]float64{"BTC": 50})
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	assert.InDelta(t, 0.05, plan.Orders[0].Size, 1e-9)
}

func TestRebalancePortfolio_WithinThreshold(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.health.set("okx", false)
	h.engine.SetBalances("binance", map[string]float64{"BTC": 1, "USDT": 30_000})
	h.engine.SetBalances("bybit", map[string]float64{"USDT": 10_000})
	h.engine.SetPrice("binance", "BTC/USDT", 60_000)

	plan, err := h.c.RebalancePortfolio(context.Background(), map[string]float64{"BTC": 57, "USDT": 43})
	require.NoError(t, err)
	assert.Empty(t, plan.Orders)
	assert.Zero(t, h.engine.DeploymentCount())
}

func TestCheckEmergencyConditions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("binance")})
	require.NoError(t, err)

	fired, err := h.c.CheckEmergencyConditions(context.Background())
	require.NoError(t, err)
	assert.False(t, fired)

	h.engine.AddStrategy(domain.StrategyExecution{ID: "loss-1", Status: domain.StrategyActive,
		Performance: domain.StrategyPerformance{UnrealizedPnL: -3000}})
	h.engine.AddStrategy(domain.StrategyExecution{ID: "loss-2", Status: domain.StrategyActive,
		Performance: domain.StrategyPerformance{UnrealizedPnL: -2500}})

	fired, err = h.c.CheckEmergencyConditions(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)

	assert.ElementsMatch(t, []string{g.Strategies[0].ID, "loss-1", "loss-2"}, h.engine.StoppedIDs())
	closed, _ := h.c.Group(g.ID)
	assert.Equal(t, domain.GroupClosed, closed.Status)
	assert.Equal(t, domain.StrategyEmergencyStopped, closed.Strategies[0].Status)
	assert.Equal(t, 1, h.log.count(events.EmergencyStop))
	assert.Equal(t, 1, h.log.count(events.GroupClosed))
}

func TestMigrateStrategy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("okx")})
	require.NoError(t, err)
	src := g.Strategies[0]
	to := "okx-2"
	if src.InstanceID == "okx-2" {
		to = "okx-1"
	}

	migrated, err := h.c.MigrateStrategy(context.Background(), balancer.Recommendation{
		StrategyID:   src.ID,
		FromInstance: src.InstanceID,
		ToInstance:   to,
		Reason:       "load imbalance",
	})
	require.NoError(t, err)
	assert.Equal(t, to, migrated.InstanceID)
	assert.Equal(t, []string{src.ID}, h.engine.StoppedIDs())

	updated, _ := h.c.Group(g.ID)
	assert.Equal(t, migrated.ID, updated.Strategies[0].ID)
	assert.Equal(t, 1, h.log.count(events.StrategyMigrated))
}

func TestMigrateStrategy_UnknownTarget(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("okx")})
	require.NoError(t, err)

	_, err = h.c.MigrateStrategy(context.Background(), balancer.Recommendation{
		StrategyID: g.Strategies[0].ID,
		ToInstance: "bin-1",
	})
	require.ErrorIs(t, err, domain.ErrInstanceUnavailable)
	assert.Empty(t, h.engine.StoppedIDs())
}

func TestCloseGroup(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	g, err := h.c.CoordinateStrategies(context.Background(), []domain.StrategyExecution{grid("binance"), grid("bybit")})
	require.NoError(t, err)

	require.NoError(t, h.c.CloseGroup(context.Background(), g.ID))
	closed, _ := h.c.Group(g.ID)
	assert.Equal(t, domain.GroupClosed, closed.Status)
	assert.Len(t, h.engine.StoppedIDs(), 2)

	require.NoError(t, h.c.CloseGroup(context.Background(), g.ID), "closing twice is a no-op")
	assert.Len(t, h.engine.StoppedIDs(), 2)

	assert.ErrorIs(t, h.c.CloseGroup(context.Background(), "missing"), domain.ErrNotFound)
}

func TestRunFollowsIntervalUpdates(t *testing.T) {
	h := arbHarness(t)
	cfg := h.c.Config()
	cfg.DetectInterval = 0
	cfg.AdjustInterval = 0
	cfg.PortfolioInterval = 0
	cfg.RebalanceInterval = 0
	cfg.EmergencyInterval = 5 * time.Millisecond
	cfg.MaxUnrealizedLoss = 0
	h.c.UpdateConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.log.count(events.ArbitrageDetected), "detection starts disabled")

	cfg.DetectInterval = 5 * time.Millisecond
	h.c.UpdateConfig(cfg)
	require.Eventually(t, func() bool { return h.log.count(events.ArbitrageDetected) >= 2 }, time.Second, 5*time.Millisecond)

	cfg.DetectInterval = 0
	h.c.UpdateConfig(cfg)
	time.Sleep(30 * time.Millisecond)
	settled := h.log.count(events.ArbitrageDetected)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, h.log.count(events.ArbitrageDetected))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTickerSet(t *testing.T) {
	tk := tick(0)
	assert.Nil(t, tk.C())

	tk.set(time.Millisecond)
	require.NotNil(t, tk.C())
	<-tk.C()

	tk.set(time.Hour)
	assert.Equal(t, time.Hour, tk.d)

	tk.set(-time.Second)
	assert.Nil(t, tk.C())
	assert.Zero(t, tk.d)
	stopTickers(tk)
}

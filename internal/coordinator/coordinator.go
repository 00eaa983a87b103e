// Package coordinator deploys strategies across exchanges as coordinated
// groups and reacts to market conditions, arbitrage, exchange failures and
// portfolio drift.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stratfleet/internal/balancer"
	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

const source = "coordinator"

// Config tunes the coordinator. Zero intervals disable the matching loop.
type Config struct {
	ArbitragePairs       []string
	MinProfitPct         float64
	ArbitrageOrderSize   float64
	AutoExecuteArbitrage bool

	MinSpreadPct           float64
	MinGridSpacingPct      float64
	SpreadVolatilityFactor float64

	QuoteAsset            string
	PortfolioTargets      map[string]float64
	RebalanceThresholdPct float64
	MinOrderSize          float64
	MaxOrderSize          float64

	MaxUnrealizedLoss float64
	AutoMigrate       bool

	DefaultLeverage     int
	DefaultMarginMode   string
	DefaultPositionMode string

	DetectInterval    time.Duration
	AdjustInterval    time.Duration
	PortfolioInterval time.Duration
	EmergencyInterval time.Duration
	RebalanceInterval time.Duration
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		MinProfitPct:           0.5,
		ArbitrageOrderSize:     0.01,
		MinSpreadPct:           0.1,
		MinGridSpacingPct:      0.2,
		SpreadVolatilityFactor: 2.0,
		QuoteAsset:             "USDT",
		RebalanceThresholdPct:  5,
		MinOrderSize:           0.001,
		MaxOrderSize:           10,
		MaxUnrealizedLoss:      5000,
		DefaultLeverage:        1,
		DefaultMarginMode:      "isolated",
		DefaultPositionMode:    "one_way",
		DetectInterval:         5 * time.Second,
		AdjustInterval:         time.Minute,
		EmergencyInterval:      10 * time.Second,
	}
}

// ExchangeHealth reports which exchanges may receive new placements.
type ExchangeHealth interface {
	IsHealthy(exchange string) bool
	Healthy() []string
}

// Fleet lists known execution-engine instances.
type Fleet interface {
	Running(exchange string) []domain.Instance
	All() []domain.Instance
}

// Deps are the coordinator's collaborators. The stores are optional.
type Deps struct {
	Engine    domain.ExecutionEngine
	Health    ExchangeHealth
	Fleet     Fleet
	Balancer  *balancer.Balancer
	Exchanges []string

	Arbs   domain.ArbStore
	Groups domain.GroupStore
	Audit  domain.AuditStore

	Emitter events.Emitter
	Logger  *slog.Logger
}

// Coordinator owns the coordinated groups. It is safe for concurrent use.
type Coordinator struct {
	engine    domain.ExecutionEngine
	health    ExchangeHealth
	fleet     Fleet
	balancer  *balancer.Balancer
	exchanges []string
	arbs      domain.ArbStore
	store     domain.GroupStore
	audit     domain.AuditStore
	emitter   events.Emitter
	logger    *slog.Logger

	cfg atomic.Pointer[Config]
	now func() time.Time

	mu          sync.RWMutex
	groups      map[string]*domain.CoordinatedGroup
	failingOver map[string]bool
	recent      []domain.ArbitrageOpportunity
}

// New creates a Coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	c := &Coordinator{
		engine:    deps.Engine,
		health:    deps.Health,
		fleet:     deps.Fleet,
		balancer:  deps.Balancer,
		exchanges: slices.Clone(deps.Exchanges),
		arbs:      deps.Arbs,
		store:     deps.Groups,
		audit:     deps.Audit,
		emitter:   emitter,
		logger:    deps.Logger.With(slog.String("component", "coordinator")),
		now:       func() time.Time { return time.Now().UTC() },
		groups:    make(map[string]*domain.CoordinatedGroup),
	}
	c.failingOver = make(map[string]bool)
	c.cfg.Store(&cfg)
	return c
}

// UpdateConfig replaces the configuration from the next operation on.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// Config returns the current configuration.
func (c *Coordinator) Config() Config {
	return *c.cfg.Load()
}

// Restore loads open groups from the group store, if one is wired.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	open, err := c.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: restore groups: %w", err)
	}
	c.mu.Lock()
	for _, g := range open {
		g := g.Clone()
		c.groups[g.ID] = &g
	}
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "groups restored", slog.Int("count", len(open)))
	return nil
}

// CoordinateStrategies deploys specs as one group. Every exchange the specs
// reference must be healthy. If any deployment fails, the strategies already
// deployed for the group are stopped again.
func (c *Coordinator) CoordinateStrategies(ctx context.Context, specs []domain.StrategyExecution) (domain.CoordinatedGroup, error) {
	if len(specs) == 0 {
		return domain.CoordinatedGroup{}, fmt.Errorf("coordinator: coordinate: no strategies: %w", domain.ErrInvalidStrategy)
	}
	cfg := *c.cfg.Load()

	exchanges := exchangesOf(specs)
	for _, ex := range exchanges {
		if !c.health.IsHealthy(ex) {
			return domain.CoordinatedGroup{}, fmt.Errorf("coordinator: coordinate: exchange %s is not healthy: %w", ex, domain.ErrExchangeUnavailable)
		}
	}

	now := c.now()
	group := domain.CoordinatedGroup{
		ID:        uuid.NewString(),
		Type:      groupType(specs),
		Status:    domain.GroupPending,
		Exchanges: exchanges,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, spec := range specs {
		deployed, err := c.place(ctx, cfg, spec)
		if err != nil {
			rbErr := c.stopAll(ctx, group.Strategies)
			c.logger.ErrorContext(ctx, "group deployment failed",
				slog.String("group_id", group.ID),
				slog.Int("rolled_back", len(group.Strategies)),
				slog.String("error", err.Error()),
			)
			return domain.CoordinatedGroup{}, errors.Join(
				fmt.Errorf("coordinator: coordinate %s on %s: %w", spec.Type, spec.Exchange, err), rbErr)
		}
		group.Strategies = append(group.Strategies, deployed)
	}

	group.Status = domain.GroupActive
	group.UpdatedAt = c.now()
	c.putGroup(ctx, group)

	c.logger.InfoContext(ctx, "group created",
		slog.String("group_id", group.ID),
		slog.String("type", string(group.Type)),
		slog.Int("strategies", len(group.Strategies)),
	)
	c.emitter.Emit(ctx, source, events.GroupCreated, map[string]any{
		"group_id":   group.ID,
		"type":       string(group.Type),
		"exchanges":  group.Exchanges,
		"strategies": len(group.Strategies),
	})
	return group.Clone(), nil
}

// place selects an instance for spec, configures futures settings and
// deploys it.
func (c *Coordinator) place(ctx context.Context, cfg Config, spec domain.StrategyExecution) (domain.StrategyExecution, error) {
	spec = spec.Clone()
	sel, err := c.balancer.SelectInstance(c.fleet.Running(spec.Exchange), spec, balancer.Constraints{Exchange: spec.Exchange})
	if err != nil {
		return domain.StrategyExecution{}, err
	}

	if spec.Type.IsFutures() {
		if err := c.configureFutures(ctx, cfg, &spec); err != nil {
			return domain.StrategyExecution{}, err
		}
	}

	deployed, err := c.engine.DeployStrategy(ctx, sel.Instance.ID, spec)
	if err != nil {
		return domain.StrategyExecution{}, fmt.Errorf("deploy on %s: %w", sel.Instance.ID, err)
	}
	if deployed.InstanceID == "" {
		deployed.InstanceID = sel.Instance.ID
	}
	c.logger.DebugContext(ctx, "strategy deployed",
		slog.String("strategy_id", deployed.ID),
		slog.String("instance_id", sel.Instance.ID),
		slog.String("rationale", sel.Rationale),
	)
	return deployed, nil
}

func (c *Coordinator) configureFutures(ctx context.Context, cfg Config, spec *domain.StrategyExecution) error {
	st := &spec.Settings
	if st.Leverage <= 0 {
		st.Leverage = max(cfg.DefaultLeverage, 1)
	}
	if st.MarginMode == "" {
		st.MarginMode = cfg.DefaultMarginMode
	}
	if st.PositionMode == "" {
		st.PositionMode = cfg.DefaultPositionMode
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]any{}
	}
	if _, ok := spec.Parameters["leverage"]; !ok {
		spec.Parameters["leverage"] = float64(st.Leverage)
	}

	if err := c.engine.SetLeverage(ctx, spec.Exchange, spec.Pair, st.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	if st.MarginMode != "" {
		if err := c.engine.SetMarginMode(ctx, spec.Exchange, spec.Pair, st.MarginMode); err != nil {
			return fmt.Errorf("set margin mode: %w", err)
		}
	}
	if st.PositionMode != "" {
		if err := c.engine.SetPositionMode(ctx, spec.Exchange, st.PositionMode); err != nil {
			return fmt.Errorf("set position mode: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) stopAll(ctx context.Context, strategies []domain.StrategyExecution) error {
	var errs []error
	for _, s := range strategies {
		if err := c.engine.StopStrategy(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: stop %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleExchangeFailover stops every group strategy on the failed exchange
// and redeploys it on another healthy exchange. Groups that cannot move are
// paused. A group already being failed over by another call is skipped.
func (c *Coordinator) HandleExchangeFailover(ctx context.Context, exchange string) error {
	cfg := *c.cfg.Load()

	c.mu.Lock()
	var affected []domain.CoordinatedGroup
	skipped := 0
	for _, g := range c.groups {
		if g.Status == domain.GroupClosed || !slices.Contains(g.Exchanges, exchange) {
			continue
		}
		if c.failingOver[g.ID] {
			skipped++
			continue
		}
		c.failingOver[g.ID] = true
		affected = append(affected, g.Clone())
	}
	c.mu.Unlock()
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })

	if skipped > 0 {
		c.logger.InfoContext(ctx, "failover already in progress",
			slog.String("exchange", exchange),
			slog.Int("groups", skipped),
		)
	}
	if len(affected) == 0 {
		return nil
	}
	c.logger.WarnContext(ctx, "exchange failover",
		slog.String("exchange", exchange),
		slog.Int("groups", len(affected)),
	)

	var errs []error
	for _, g := range affected {
		if err := c.failoverGroup(ctx, cfg, g, exchange); err != nil {
			errs = append(errs, err)
		}
		c.mu.Lock()
		delete(c.failingOver, g.ID)
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// failoverGroup moves the strategies of g that sit on failed. Either every
// one of them is redeployed or none is: on a redeploy failure the copies
// started in this pass are stopped again and the group is paused.
func (c *Coordinator) failoverGroup(ctx context.Context, cfg Config, g domain.CoordinatedGroup, failed string) error {
	var errs []error
	var moving []int
	for i, s := range g.Strategies {
		if s.Exchange != failed {
			continue
		}
		moving = append(moving, i)
		if s.Status == domain.StrategyPaused {
			continue // stopped by an earlier failover
		}
		if err := c.engine.StopStrategy(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: failover: stop %s: %w", s.ID, err))
		}
	}
	if len(moving) == 0 {
		return nil
	}

	target := c.alternateExchange(g, failed)
	moved := target != ""
	if moved {
		var started []domain.StrategyExecution
		for _, i := range moving {
			spec := g.Strategies[i].Clone()
			spec.ID = ""
			spec.InstanceID = ""
			spec.Exchange = target
			spec.Status = domain.StrategyPending
			deployed, err := c.place(ctx, cfg, spec)
			if err != nil {
				errs = append(errs, fmt.Errorf("coordinator: failover: redeploy %s on %s: %w", g.Strategies[i].ID, target, err))
				moved = false
				break
			}
			started = append(started, deployed)
		}
		if moved {
			for n, i := range moving {
				g.Strategies[i] = started[n]
			}
		} else if len(started) > 0 {
			if err := c.stopAll(ctx, started); err != nil {
				errs = append(errs, err)
			}
			c.logger.WarnContext(ctx, "partial failover rolled back",
				slog.String("group_id", g.ID),
				slog.Int("stopped", len(started)),
			)
		}
	}

	if moved {
		g.Status = domain.GroupActive
	} else {
		target = ""
		g.Status = domain.GroupPaused
		for _, i := range moving {
			g.Strategies[i].Status = domain.StrategyPaused
		}
	}
	g.Exchanges = exchangesOf(g.Strategies)
	g.UpdatedAt = c.now()
	c.putGroup(ctx, g)

	c.logger.InfoContext(ctx, "group failed over",
		slog.String("group_id", g.ID),
		slog.String("from", failed),
		slog.String("to", target),
		slog.String("status", string(g.Status)),
	)
	c.emitter.Emit(ctx, source, events.GroupFailedOver, map[string]any{
		"group_id": g.ID,
		"from":     failed,
		"to":       target,
		"status":   string(g.Status),
		"moved":    len(moving),
	})
	return errors.Join(errs...)
}

// alternateExchange prefers a healthy exchange the group does not use yet.
func (c *Coordinator) alternateExchange(g domain.CoordinatedGroup, failed string) string {
	healthy := c.health.Healthy()
	sort.Strings(healthy)
	var fallback string
	for _, ex := range healthy {
		if ex == failed {
			continue
		}
		if !slices.Contains(g.Exchanges, ex) {
			return ex
		}
		if fallback == "" {
			fallback = ex
		}
	}
	return fallback
}

// MigrateStrategy carries out a balancer recommendation: the strategy is
// deployed on the target instance and then stopped on its source.
func (c *Coordinator) MigrateStrategy(ctx context.Context, rec balancer.Recommendation) (domain.StrategyExecution, error) {
	s, err := c.engine.GetStrategy(ctx, rec.StrategyID)
	if err != nil {
		return domain.StrategyExecution{}, fmt.Errorf("coordinator: migrate %s: %w", rec.StrategyID, err)
	}
	if !slices.ContainsFunc(c.fleet.Running(s.Exchange), func(inst domain.Instance) bool { return inst.ID == rec.ToInstance }) {
		return domain.StrategyExecution{}, fmt.Errorf("coordinator: migrate %s to %s: %w", rec.StrategyID, rec.ToInstance, domain.ErrInstanceUnavailable)
	}

	spec := s.Clone()
	spec.ID = ""
	spec.InstanceID = ""
	deployed, err := c.engine.DeployStrategy(ctx, rec.ToInstance, spec)
	if err != nil {
		return domain.StrategyExecution{}, fmt.Errorf("coordinator: migrate %s: deploy: %w", rec.StrategyID, err)
	}
	if deployed.InstanceID == "" {
		deployed.InstanceID = rec.ToInstance
	}
	if err := c.engine.StopStrategy(ctx, s.ID); err != nil {
		// Both copies are running now; the operator has to stop one.
		c.logger.ErrorContext(ctx, "migration source not stopped",
			slog.String("strategy_id", s.ID),
			slog.String("new_strategy_id", deployed.ID),
			slog.String("error", err.Error()),
		)
		return deployed, fmt.Errorf("coordinator: migrate %s: stop source: %w", rec.StrategyID, err)
	}

	c.replaceInGroups(ctx, s.ID, deployed)
	c.logger.InfoContext(ctx, "strategy migrated",
		slog.String("strategy_id", s.ID),
		slog.String("new_strategy_id", deployed.ID),
		slog.String("from", rec.FromInstance),
		slog.String("to", rec.ToInstance),
	)
	c.emitter.Emit(ctx, source, events.StrategyMigrated, map[string]any{
		"strategy_id":     s.ID,
		"new_strategy_id": deployed.ID,
		"from_instance":   rec.FromInstance,
		"to_instance":     rec.ToInstance,
		"reason":          rec.Reason,
	})
	return deployed, nil
}

// RebalanceLoad asks the balancer for migrations across the fleet and, when
// AutoMigrate is set, carries them out.
func (c *Coordinator) RebalanceLoad(ctx context.Context) ([]balancer.Recommendation, error) {
	cfg := *c.cfg.Load()
	recs := c.balancer.RebalanceStrategies(c.fleet.All())
	if len(recs) == 0 || !cfg.AutoMigrate {
		return recs, nil
	}
	var errs []error
	for _, rec := range recs {
		if _, err := c.MigrateStrategy(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return recs, errors.Join(errs...)
}

func (c *Coordinator) replaceInGroups(ctx context.Context, oldID string, s domain.StrategyExecution) {
	c.mu.Lock()
	var changed []domain.CoordinatedGroup
	for _, g := range c.groups {
		for i := range g.Strategies {
			if g.Strategies[i].ID == oldID {
				g.Strategies[i] = s.Clone()
				g.UpdatedAt = c.now()
				changed = append(changed, g.Clone())
			}
		}
	}
	c.mu.Unlock()
	for _, g := range changed {
		c.save(ctx, g)
	}
}

// CloseGroup stops every strategy in the group and marks it closed.
func (c *Coordinator) CloseGroup(ctx context.Context, id string) error {
	c.mu.RLock()
	g, ok := c.groups[id]
	var snapshot domain.CoordinatedGroup
	if ok {
		snapshot = g.Clone()
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("coordinator: close group %s: %w", id, domain.ErrNotFound)
	}
	if snapshot.Status == domain.GroupClosed {
		return nil
	}

	err := c.stopAll(ctx, snapshot.Strategies)
	for i := range snapshot.Strategies {
		snapshot.Strategies[i].Status = domain.StrategyStopped
	}
	c.closeGroup(ctx, snapshot, "closed")
	return err
}

func (c *Coordinator) closeGroup(ctx context.Context, g domain.CoordinatedGroup, reason string) {
	g.Status = domain.GroupClosed
	g.UpdatedAt = c.now()
	c.putGroup(ctx, g)
	c.logger.InfoContext(ctx, "group closed", slog.String("group_id", g.ID), slog.String("reason", reason))
	c.emitter.Emit(ctx, source, events.GroupClosed, map[string]any{
		"group_id": g.ID,
		"reason":   reason,
	})
}

// Groups returns every known group, sorted by ID.
func (c *Coordinator) Groups() []domain.CoordinatedGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.CoordinatedGroup, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Group returns one group by ID.
func (c *Coordinator) Group(id string) (domain.CoordinatedGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return domain.CoordinatedGroup{}, false
	}
	return g.Clone(), true
}

// putGroup stores g in memory and persists it when a store is wired.
func (c *Coordinator) putGroup(ctx context.Context, g domain.CoordinatedGroup) {
	stored := g.Clone()
	c.mu.Lock()
	c.groups[g.ID] = &stored
	c.mu.Unlock()
	c.save(ctx, g)
}

func (c *Coordinator) save(ctx context.Context, g domain.CoordinatedGroup) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, g); err != nil {
		c.logger.WarnContext(ctx, "group save failed",
			slog.String("group_id", g.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func exchangesOf(strategies []domain.StrategyExecution) []string {
	var out []string
	for _, s := range strategies {
		if !slices.Contains(out, s.Exchange) {
			out = append(out, s.Exchange)
		}
	}
	sort.Strings(out)
	return out
}

// groupType derives the group type from the strategy mix.
func groupType(specs []domain.StrategyExecution) domain.GroupType {
	all := func(pred func(domain.StrategyType) bool) bool {
		for _, s := range specs {
			if !pred(s.Type) {
				return false
			}
		}
		return true
	}
	switch {
	case all(domain.StrategyType.IsGrid):
		return domain.GroupCoordinatedGrid
	case all(domain.StrategyType.IsMarketMaking):
		return domain.GroupCoordinatedMarketMaking
	case all(domain.StrategyType.IsArbitrage):
		return domain.GroupCoordinatedArbitrage
	default:
		return domain.GroupMultiStrategy
	}
}

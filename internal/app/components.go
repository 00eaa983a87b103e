package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/balancer"
	"github.com/alanyoungcy/stratfleet/internal/cache/redis"
	"github.com/alanyoungcy/stratfleet/internal/config"
	"github.com/alanyoungcy/stratfleet/internal/consistency"
	"github.com/alanyoungcy/stratfleet/internal/coordinator"
	"github.com/alanyoungcy/stratfleet/internal/events"
	"github.com/alanyoungcy/stratfleet/internal/executor"
	"github.com/alanyoungcy/stratfleet/internal/failover"
	"github.com/alanyoungcy/stratfleet/internal/health"
	"github.com/alanyoungcy/stratfleet/internal/statesync"
)

// Components are the running parts of the coordinator process.
type Components struct {
	Bus         *events.Bus
	Recovery    *health.Recovery
	Fleet       *health.Fleet
	Monitor     *health.ExchangeMonitor
	Balancer    *balancer.Balancer
	Checker     *consistency.Checker
	Sync        *statesync.Synchronizer
	Failover    *failover.Controller
	Coordinator *coordinator.Coordinator
	Consumer    *executor.Consumer // nil without Redis
}

// Build constructs the components on top of deps and subscribes the event
// sinks to the bus.
func Build(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Components {
	bus := events.NewBus(logger)
	c := &Components{Bus: bus}

	c.Recovery = health.NewRecovery(recoveryConfig(cfg), bus, logger)
	c.Fleet = health.NewFleet(deps.Engine, c.Recovery, cfg.Exchanges, bus, logger)
	c.Monitor = health.NewExchangeMonitor(deps.Engine, cfg.Exchanges, monitorConfig(cfg), bus, logger)
	c.Balancer = balancer.New(balancerConfig(cfg), logger)
	c.Checker = consistency.NewChecker(deps.Engine, deps.Archiver, consistencyConfig(cfg), bus, logger)
	c.Sync = statesync.New(deps.Engine, deps.StateCache, deps.LockManager, syncConfig(cfg), bus, logger)
	c.Failover = failover.New(deps.Managed, deps.Direct, failoverConfig(cfg), bus, logger)
	c.Coordinator = coordinator.New(coordinator.Deps{
		Engine:    deps.Engine,
		Health:    c.Monitor,
		Fleet:     c.Fleet,
		Balancer:  c.Balancer,
		Exchanges: cfg.Exchanges,
		Arbs:      deps.ArbStore,
		Groups:    deps.GroupStore,
		Audit:     deps.AuditStore,
		Emitter:   bus,
		Logger:    logger,
	}, coordinatorConfig(cfg))

	if fn := exchangeFailover(cfg, c.Coordinator, logger); fn != nil {
		c.Monitor.OnFailed(fn)
	}

	if deps.SignalBus != nil {
		bus.SubscribeAll(redis.NewEventForwarder(deps.SignalBus, logger).Handle)
		if cfg.Executor.Enabled && cfg.Mode != ModeMonitor {
			c.Consumer = executor.NewConsumer(c.Failover, deps.SignalBus, executorConfig(cfg), logger)
		}
	}
	if deps.Notifier != nil {
		bus.SubscribeAll(deps.Notifier.Handle)
	}
	return c
}

// exchangeFailover moves groups off an exchange once the monitor marks it
// failed. Monitor mode only reports the failure.
func exchangeFailover(cfg *config.Config, coord *coordinator.Coordinator, logger *slog.Logger) health.FailoverFunc {
	if cfg.Mode == ModeMonitor {
		return nil
	}
	return func(ctx context.Context, exchange string) {
		if err := coord.HandleExchangeFailover(ctx, exchange); err != nil {
			logger.WarnContext(ctx, "exchange failover incomplete",
				slog.String("exchange", exchange),
				slog.String("error", err.Error()),
			)
		}
	}
}

func recoveryConfig(cfg *config.Config) health.RecoveryConfig {
	r := cfg.Recovery
	return health.RecoveryConfig{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff.Duration,
		MaxBackoff:     r.MaxBackoff.Duration,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter.Duration,
		ConnectTimeout: r.ConnectTimeout.Duration,
		MaxPingAge:     r.MaxPingAge.Duration,
	}
}

func monitorConfig(cfg *config.Config) health.MonitorConfig {
	m := cfg.Monitor
	return health.MonitorConfig{
		PingInterval:    m.PingInterval.Duration,
		PingTimeout:     m.PingTimeout.Duration,
		DegradedAfter:   m.DegradedAfter,
		FailedAfter:     m.FailedAfter,
		DegradedLatency: m.DegradedLatency.Duration,
	}
}

func fleetRefresh(cfg *config.Config) time.Duration {
	if d := cfg.Monitor.FleetRefresh.Duration; d > 0 {
		return d
	}
	return 30 * time.Second
}

func balancerConfig(cfg *config.Config) balancer.Config {
	b := cfg.Balancer
	return balancer.Config{
		Algorithm:            balancer.Algorithm(b.Algorithm),
		MinHealthScore:       b.MinHealthScore,
		MaxErrorRate:         b.MaxErrorRate,
		ImbalanceThreshold:   b.ImbalanceThreshold,
		MaxMigrationFraction: b.MaxMigrationFraction,
	}
}

func consistencyConfig(cfg *config.Config) consistency.Config {
	c := cfg.Consistency
	return consistency.Config{
		Enabled:             c.Enabled,
		AutoCorrect:         c.AutoCorrect && cfg.Mode != ModeMonitor,
		CheckInterval:       c.CheckInterval.Duration,
		InactivityThreshold: c.InactivityThreshold.Duration,
	}
}

func syncConfig(cfg *config.Config) statesync.Config {
	s := cfg.Sync
	return statesync.Config{
		Interval: s.Interval.Duration,
		Tolerances: statesync.Tolerances{
			PnL:        s.PnLTolerance,
			TradeCount: s.TradeCountTolerance,
			ParamRel:   s.ParamRelTolerance,
			ParamAbs:   s.ParamAbsTolerance,
		},
		LockTTL: s.LockTTL.Duration,
	}
}

func failoverConfig(cfg *config.Config) failover.Config {
	return failover.Config{
		ManagedTimeout:      cfg.Failover.ManagedTimeout.Duration,
		DirectTimeout:       cfg.Failover.DirectTimeout.Duration,
		HealthCheckInterval: cfg.Failover.HealthCheckInterval.Duration,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		DedupTTL: cfg.Executor.DedupTTL.Duration,
		MaxAge:   cfg.Executor.MaxAge.Duration,
		Workers:  cfg.Executor.Workers,
	}
}

// coordinatorConfig maps the coordinator section. Monitor mode keeps
// detection and the emergency check but turns off every automatic action.
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	c := cfg.Coordinator
	out := coordinator.Config{
		ArbitragePairs:         c.ArbitragePairs,
		MinProfitPct:           c.MinProfitPct,
		ArbitrageOrderSize:     c.ArbitrageOrderSize,
		AutoExecuteArbitrage:   c.AutoExecuteArbitrage,
		MinSpreadPct:           c.MinSpreadPct,
		MinGridSpacingPct:      c.MinGridSpacingPct,
		SpreadVolatilityFactor: c.SpreadVolatilityFactor,
		QuoteAsset:             c.QuoteAsset,
		PortfolioTargets:       c.PortfolioTargets,
		RebalanceThresholdPct:  c.RebalanceThresholdPct,
		MinOrderSize:           c.MinOrderSize,
		MaxOrderSize:           c.MaxOrderSize,
		MaxUnrealizedLoss:      c.MaxUnrealizedLoss,
		AutoMigrate:            cfg.Balancer.AutoMigrate,
		DefaultLeverage:        c.DefaultLeverage,
		DefaultMarginMode:      c.DefaultMarginMode,
		DefaultPositionMode:    c.DefaultPositionMode,
		DetectInterval:         c.DetectInterval.Duration,
		AdjustInterval:         c.AdjustInterval.Duration,
		PortfolioInterval:      c.PortfolioInterval.Duration,
		EmergencyInterval:      c.EmergencyInterval.Duration,
		RebalanceInterval:      cfg.Balancer.RebalanceInterval.Duration,
	}
	if cfg.Mode == ModeMonitor {
		out.AutoExecuteArbitrage = false
		out.AutoMigrate = false
		out.AdjustInterval = 0
		out.PortfolioInterval = 0
	}
	return out
}

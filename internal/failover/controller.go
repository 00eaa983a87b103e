// Package failover routes trading signals through the engine's managed path
// and falls back to direct execution while the managed path is unhealthy.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// Execution methods reported in Result.
const (
	MethodManaged = "managed"
	MethodDirect  = "direct"
)

// State of the managed execution path.
type State string

const (
	StateHealthy    State = "healthy"
	StateRecovering State = "recovering"
)

// Config tunes the controller.
type Config struct {
	ManagedTimeout      time.Duration
	DirectTimeout       time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the default failover settings.
func DefaultConfig() Config {
	return Config{
		ManagedTimeout:      5 * time.Second,
		DirectTimeout:       10 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Result is the outcome of one signal. Failures are reported here; the
// controller never returns an error for a signal.
type Result struct {
	Success         bool                   `json:"success"`
	ExecutionMethod string                 `json:"execution_method"`
	Execution       domain.ExecutionResult `json:"execution"`
	Err             error                  `json:"-"`
	FailedOver      bool                   `json:"failed_over"`
}

// Status is a snapshot of the controller.
type Status struct {
	State          State     `json:"state"`
	ManagedHealthy bool      `json:"managed_healthy"`
	Failovers      int64     `json:"failovers"`
	LastReason     string    `json:"last_reason,omitempty"`
	LastFailover   time.Time `json:"last_failover,omitempty"`
	Polling        bool      `json:"polling"`
}

// Controller executes signals with managed-to-direct failover.
type Controller struct {
	managed domain.ManagedExecutor
	direct  domain.DirectExecutor
	cfg     atomic.Pointer[Config]
	emitter events.Emitter
	logger  *slog.Logger

	mu           sync.Mutex
	healthy      bool
	failovers    int64
	lastReason   string
	lastFailover time.Time
	pollCancel   context.CancelFunc
	pollDone     chan struct{}
}

// New creates a Controller that starts out trusting the managed path.
func New(managed domain.ManagedExecutor, direct domain.DirectExecutor, cfg Config, emitter events.Emitter, logger *slog.Logger) *Controller {
	if emitter == nil {
		emitter = events.Nop{}
	}
	c := &Controller{
		managed: managed,
		direct:  direct,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "failover")),
		healthy: true,
	}
	c.cfg.Store(&cfg)
	return c
}

// UpdateConfig replaces the configuration for subsequent signals and polls.
func (c *Controller) UpdateConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// ExecuteWithFailover executes sig on the managed path when it is believed
// healthy, and on the direct path otherwise or when the managed call fails.
func (c *Controller) ExecuteWithFailover(ctx context.Context, sig domain.TradingSignal) Result {
	cfg := *c.cfg.Load()

	var managedErr error
	if c.managedHealthy() {
		res, err := c.executeManaged(ctx, cfg, sig)
		if err == nil {
			return Result{Success: true, ExecutionMethod: MethodManaged, Execution: res}
		}
		managedErr = err
		c.logger.WarnContext(ctx, "managed execution failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	} else {
		managedErr = errors.New("failover: managed path unhealthy")
	}

	c.trigger(ctx, managedErr.Error())

	res, err := c.executeDirect(ctx, cfg, sig)
	if err != nil {
		err = errors.Join(managedErr, err)
		c.logger.ErrorContext(ctx, "both execution paths failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		return Result{ExecutionMethod: MethodDirect, Err: err, FailedOver: true}
	}
	return Result{Success: true, ExecutionMethod: MethodDirect, Execution: res, FailedOver: true}
}

func (c *Controller) executeManaged(ctx context.Context, cfg Config, sig domain.TradingSignal) (domain.ExecutionResult, error) {
	timeout := cfg.ManagedTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ManagedTimeout
	}
	res, err := callWithTimeout(ctx, timeout, sig, c.managed.ExecuteSignal)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("failover: managed execution: %w", err)
	}
	return res, nil
}

func (c *Controller) executeDirect(ctx context.Context, cfg Config, sig domain.TradingSignal) (domain.ExecutionResult, error) {
	timeout := cfg.DirectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DirectTimeout
	}
	res, err := callWithTimeout(ctx, timeout, sig, c.direct.ExecuteSignal)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("failover: direct execution: %w", err)
	}
	return res, nil
}

// callWithTimeout runs exec under timeout. A call that ignores its context
// is abandoned once the timeout passes.
func callWithTimeout(
	ctx context.Context,
	timeout time.Duration,
	sig domain.TradingSignal,
	exec func(context.Context, domain.TradingSignal) (domain.ExecutionResult, error),
) (domain.ExecutionResult, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res domain.ExecutionResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := exec(tctx, sig)
		ch <- outcome{res, err}
	}()
	select {
	case o := <-ch:
		return o.res, o.err
	case <-tctx.Done():
		return domain.ExecutionResult{}, tctx.Err()
	}
}

// ForceFailover marks the managed path unhealthy as if a call had failed.
func (c *Controller) ForceFailover(ctx context.Context, reason string) {
	if reason == "" {
		reason = "manual"
	}
	c.trigger(ctx, "forced: "+reason)
}

func (c *Controller) trigger(ctx context.Context, reason string) {
	c.mu.Lock()
	c.healthy = false
	c.failovers++
	c.lastReason = reason
	c.lastFailover = time.Now().UTC()
	count := c.failovers
	started := c.startPollLocked()
	c.mu.Unlock()

	if started {
		c.logger.WarnContext(ctx, "failover to direct execution",
			slog.String("reason", reason),
			slog.Int64("failovers", count),
		)
	}
	c.emitter.Emit(ctx, "failover", events.FailoverTriggered, map[string]any{
		"reason":    reason,
		"failovers": count,
	})
}

// startPollLocked starts the health poll unless one is already running.
// c.mu must be held.
func (c *Controller) startPollLocked() bool {
	if c.pollCancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pollCancel = cancel
	c.pollDone = done
	go func() {
		defer close(done)
		c.poll(ctx, done)
	}()
	return true
}

func (c *Controller) poll(ctx context.Context, done chan struct{}) {
	cfg := *c.cfg.Load()
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	timeout := cfg.ManagedTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ManagedTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.managed.Ping(pctx)
		cancel()
		if err != nil {
			c.logger.DebugContext(ctx, "managed path still down", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		// Stop may have raced with the successful ping.
		if ctx.Err() != nil || c.pollDone != done {
			c.mu.Unlock()
			return
		}
		c.healthy = true
		c.pollCancel()
		c.pollCancel = nil
		c.pollDone = nil
		count := c.failovers
		c.mu.Unlock()

		c.logger.InfoContext(ctx, "managed execution recovered", slog.Int64("failovers", count))
		c.emitter.Emit(context.WithoutCancel(ctx), "failover", events.RecoveryCompleted, map[string]any{
			"failovers": count,
		})
		return
	}
}

// Stop ends the health poll if one is running. The managed path stays in
// whatever state it was; a later failover starts a new poll.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel = nil
	c.pollDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Controller) managedHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:          StateHealthy,
		ManagedHealthy: c.healthy,
		Failovers:      c.failovers,
		LastReason:     c.lastReason,
		LastFailover:   c.lastFailover,
		Polling:        c.pollCancel != nil,
	}
	if !c.healthy {
		st.State = StateRecovering
	}
	return st
}

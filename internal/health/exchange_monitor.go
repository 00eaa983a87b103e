package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// MonitorConfig tunes exchange health classification.
type MonitorConfig struct {
	PingInterval    time.Duration
	PingTimeout     time.Duration
	DegradedAfter   int
	FailedAfter     int
	DegradedLatency time.Duration
}

// DefaultMonitorConfig returns the default exchange monitor settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PingInterval:    10 * time.Second,
		PingTimeout:     5 * time.Second,
		DegradedAfter:   2,
		FailedAfter:     5,
		DegradedLatency: time.Second,
	}
}

// Pinger measures round-trip latency to an exchange.
type Pinger interface {
	Ping(ctx context.Context, exchange string) (time.Duration, error)
}

// FailoverFunc is invoked when an exchange transitions into failed.
type FailoverFunc func(ctx context.Context, exchange string)

// ExchangeMonitor owns the health status of every configured exchange.
type ExchangeMonitor struct {
	pinger  Pinger
	cfg     atomic.Pointer[MonitorConfig]
	emitter events.Emitter
	logger  *slog.Logger

	mu       sync.RWMutex
	statuses map[string]*domain.ExchangeStatus
	onFailed []FailoverFunc

	callbacks sync.WaitGroup
}

// NewExchangeMonitor creates a monitor for the given exchanges. Every
// exchange starts as unknown until its first ping.
func NewExchangeMonitor(pinger Pinger, exchanges []string, cfg MonitorConfig, emitter events.Emitter, logger *slog.Logger) *ExchangeMonitor {
	if emitter == nil {
		emitter = events.Nop{}
	}
	m := &ExchangeMonitor{
		pinger:   pinger,
		emitter:  emitter,
		logger:   logger.With(slog.String("component", "exchange_monitor")),
		statuses: make(map[string]*domain.ExchangeStatus, len(exchanges)),
	}
	for _, name := range exchanges {
		m.statuses[name] = &domain.ExchangeStatus{Name: name, Status: domain.ExchangeUnknown}
	}
	m.cfg.Store(&cfg)
	return m
}

// UpdateConfig replaces the configuration from the next check onward.
func (m *ExchangeMonitor) UpdateConfig(cfg MonitorConfig) {
	m.cfg.Store(&cfg)
}

// OnFailed registers fn to run when an exchange becomes failed.
func (m *ExchangeMonitor) OnFailed(fn FailoverFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = append(m.onFailed, fn)
}

// Run pings every exchange immediately and then every PingInterval until ctx
// is cancelled.
func (m *ExchangeMonitor) Run(ctx context.Context) error {
	m.CheckAll(ctx)

	interval := m.cfg.Load().PingInterval
	if interval <= 0 {
		interval = DefaultMonitorConfig().PingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.callbacks.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll pings every exchange concurrently and waits for the results.
func (m *ExchangeMonitor) CheckAll(ctx context.Context) {
	cfg := *m.cfg.Load()

	var wg sync.WaitGroup
	for _, name := range m.names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.check(ctx, cfg, name)
		}(name)
	}
	wg.Wait()
}

func (m *ExchangeMonitor) check(ctx context.Context, cfg MonitorConfig, name string) {
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().PingTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	latency, err := m.pinger.Ping(pctx, name)
	if err != nil {
		m.reportFailure(ctx, cfg, name, fmt.Errorf("health: ping %s: %w", name, err))
		return
	}

	m.mu.Lock()
	st, ok := m.statuses[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := st.Status
	st.ConsecutiveErrors = 0
	st.LastError = ""
	st.LastPing = time.Now().UTC()
	st.Latency = latency
	st.Status = domain.ExchangeHealthy
	if cfg.DegradedLatency > 0 && latency > cfg.DegradedLatency {
		st.Status = domain.ExchangeDegraded
	}
	snap := *st
	m.mu.Unlock()

	m.transition(ctx, from, snap)
}

// ReportFailure records a failure observed outside the ping loop, such as a
// rejected deployment.
func (m *ExchangeMonitor) ReportFailure(ctx context.Context, exchange string, err error) {
	m.reportFailure(ctx, *m.cfg.Load(), exchange, err)
}

func (m *ExchangeMonitor) reportFailure(ctx context.Context, cfg MonitorConfig, name string, err error) {
	m.mu.Lock()
	st, ok := m.statuses[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := st.Status
	st.ConsecutiveErrors++
	st.LastError = err.Error()
	switch {
	case st.ConsecutiveErrors >= cfg.FailedAfter:
		st.Status = domain.ExchangeFailed
	case st.ConsecutiveErrors >= cfg.DegradedAfter:
		st.Status = domain.ExchangeDegraded
	}
	snap := *st
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "exchange check failed",
		slog.String("exchange", name),
		slog.Int("consecutive_errors", snap.ConsecutiveErrors),
		slog.String("error", err.Error()),
	)
	m.transition(ctx, from, snap)
}

func (m *ExchangeMonitor) transition(ctx context.Context, from domain.ExchangeHealth, st domain.ExchangeStatus) {
	if from == st.Status {
		return
	}
	m.logger.InfoContext(ctx, "exchange status changed",
		slog.String("exchange", st.Name),
		slog.String("from", string(from)),
		slog.String("to", string(st.Status)),
	)
	m.emitter.Emit(ctx, "exchange_monitor", events.ExchangeStatusChanged, map[string]any{
		"exchange":           st.Name,
		"from":               string(from),
		"to":                 string(st.Status),
		"consecutive_errors": st.ConsecutiveErrors,
		"latency_ms":         st.Latency.Milliseconds(),
	})
	if st.Status != domain.ExchangeFailed {
		return
	}

	m.mu.RLock()
	fns := append([]FailoverFunc(nil), m.onFailed...)
	m.mu.RUnlock()
	for _, fn := range fns {
		m.callbacks.Add(1)
		go func(fn FailoverFunc) {
			defer m.callbacks.Done()
			fn(context.WithoutCancel(ctx), st.Name)
		}(fn)
	}
}

// Wait blocks until every in-flight failover callback has returned.
func (m *ExchangeMonitor) Wait() {
	m.callbacks.Wait()
}

func (m *ExchangeMonitor) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status returns a copy of one exchange's status.
func (m *ExchangeMonitor) Status(exchange string) (domain.ExchangeStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[exchange]
	if !ok {
		return domain.ExchangeStatus{}, false
	}
	return *st, true
}

// IsHealthy reports whether exchange is currently healthy. Unknown and
// unconfigured exchanges are not healthy.
func (m *ExchangeMonitor) IsHealthy(exchange string) bool {
	st, ok := m.Status(exchange)
	return ok && st.Status == domain.ExchangeHealthy
}

// Healthy returns the names of healthy exchanges in sorted order.
func (m *ExchangeMonitor) Healthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, st := range m.statuses {
		if st.Status == domain.ExchangeHealthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// All returns a copy of every exchange status ordered by name.
func (m *ExchangeMonitor) All() []domain.ExchangeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ExchangeStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Package health tracks the liveness of execution-engine instances and
// exchanges. Recovery reconnects lost instances with bounded exponential
// backoff, ExchangeMonitor pings exchanges and escalates failures, and Fleet
// keeps the instance registry the balancer places strategies on.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// RecoveryConfig tunes reconnection attempts.
type RecoveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         time.Duration
	ConnectTimeout time.Duration
	MaxPingAge     time.Duration
}

// DefaultRecoveryConfig returns conservative reconnect defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
		Jitter:         time.Second,
		ConnectTimeout: 10 * time.Second,
		MaxPingAge:     30 * time.Second,
	}
}

// Backoff returns the wait before the k-th retry (1-based), without jitter:
// min(MaxBackoff, InitialBackoff * Multiplier^(k-1)).
func (c RecoveryConfig) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	wait := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(k-1))
	if math.IsInf(wait, 0) || wait > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(wait)
}

// ConnectionFactory opens a connection to one instance.
type ConnectionFactory func(ctx context.Context) (*domain.Connection, error)

// Outcome is how a recovery run ended. Exactly one outcome is reported per
// run.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
)

// Failure reasons attached to recovery-attempt-failed events.
const (
	ReasonConnect    = "connect"
	ReasonValidation = "validation"
)

// RecoveryStats aggregates outcomes since the Recovery was created.
type RecoveryStats struct {
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	Stopped       int64         `json:"stopped"`
	TotalAttempts int64         `json:"total_attempts"`
	InFlight      int           `json:"in_flight"`
	MeanDuration  time.Duration `json:"mean_duration"`
}

type recoveryRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	attempt domain.RecoveryAttempt
}

// Recovery runs at most one reconnection loop per instance.
type Recovery struct {
	cfg     atomic.Pointer[RecoveryConfig]
	emitter events.Emitter
	logger  *slog.Logger
	jitter  func(max time.Duration) time.Duration

	mu         sync.Mutex
	active     map[string]*recoveryRun
	onOutcome  []func(instanceID string, outcome Outcome)
	successes  int64
	failures   int64
	stopped    int64
	attempts   int64
	successDur time.Duration

	wg sync.WaitGroup
}

// NewRecovery creates a Recovery with the given configuration.
func NewRecovery(cfg RecoveryConfig, emitter events.Emitter, logger *slog.Logger) *Recovery {
	if emitter == nil {
		emitter = events.Nop{}
	}
	r := &Recovery{
		emitter: emitter,
		logger:  logger.With(slog.String("component", "recovery")),
		active:  make(map[string]*recoveryRun),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
	}
	r.cfg.Store(&cfg)
	return r
}

// UpdateConfig replaces the configuration. Runs already in progress keep the
// configuration they started with.
func (r *Recovery) UpdateConfig(cfg RecoveryConfig) {
	r.cfg.Store(&cfg)
}

// Config returns the current configuration.
func (r *Recovery) Config() RecoveryConfig {
	return *r.cfg.Load()
}

// OnOutcome registers fn to be called once per finished run.
func (r *Recovery) OnOutcome(fn func(instanceID string, outcome Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOutcome = append(r.onOutcome, fn)
}

// StartRecovery begins reconnecting instanceID in the background. It returns
// false without doing anything when a recovery for that instance is already
// running.
func (r *Recovery) StartRecovery(instanceID string, factory ConnectionFactory) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[instanceID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &recoveryRun{
		cancel: cancel,
		done:   make(chan struct{}),
		attempt: domain.RecoveryAttempt{
			InstanceID: instanceID,
			StartedAt:  time.Now().UTC(),
		},
	}
	r.active[instanceID] = run

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(run.done)
		defer cancel()
		r.run(ctx, instanceID, factory, *r.cfg.Load())
	}()
	return true
}

// StopRecovery cancels the recovery for instanceID and waits for it to
// report the stopped outcome. It returns false when nothing was running.
func (r *Recovery) StopRecovery(instanceID string) bool {
	r.mu.Lock()
	run, ok := r.active[instanceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	<-run.done
	return true
}

// InProgress reports whether a recovery for instanceID is running.
func (r *Recovery) InProgress(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[instanceID]
	return ok
}

// Attempts returns a snapshot of every in-flight recovery, ordered by
// instance ID.
func (r *Recovery) Attempts() []domain.RecoveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RecoveryAttempt, 0, len(r.active))
	for _, run := range r.active {
		out = append(out, run.attempt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Stats returns aggregate recovery statistics.
func (r *Recovery) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RecoveryStats{
		Successes:     r.successes,
		Failures:      r.failures,
		Stopped:       r.stopped,
		TotalAttempts: r.attempts,
		InFlight:      len(r.active),
	}
	if r.successes > 0 {
		st.MeanDuration = r.successDur / time.Duration(r.successes)
	}
	return st
}

// Stop cancels every running recovery and waits for them to finish.
func (r *Recovery) Stop() {
	r.mu.Lock()
	for _, run := range r.active {
		run.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recovery) run(ctx context.Context, instanceID string, factory ConnectionFactory, cfg RecoveryConfig) {
	started := time.Now()
	r.logger.InfoContext(ctx, "recovery started", slog.String("instance_id", instanceID))

	var lastErr error
	for k := 1; k <= cfg.MaxAttempts; k++ {
		r.beginAttempt(instanceID, k)

		conn, err := connectWithTimeout(ctx, factory, cfg.ConnectTimeout)
		if ctx.Err() != nil {
			r.finish(ctx, instanceID, OutcomeStopped, started, k, nil)
			return
		}
		reason := ReasonConnect
		if err == nil {
			if err = validateConnection(conn, cfg.MaxPingAge); err == nil {
				r.finish(ctx, instanceID, OutcomeConnected, started, k, nil)
				return
			}
			reason = ReasonValidation
		}
		lastErr = err
		r.attemptFailed(ctx, instanceID, k, reason, err)

		if k == cfg.MaxAttempts {
			break
		}
		delay := cfg.Backoff(k) + r.jitter(cfg.Jitter)
		r.setBackoff(instanceID, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.finish(ctx, instanceID, OutcomeStopped, started, k, nil)
			return
		case <-timer.C:
		}
	}
	r.finish(ctx, instanceID, OutcomeFailed, started, cfg.MaxAttempts, lastErr)
}

// connectWithTimeout invokes factory and abandons it if it does not settle
// before the timeout. The factory's goroutine is left to finish on its own.
func connectWithTimeout(ctx context.Context, factory ConnectionFactory, timeout time.Duration) (*domain.Connection, error) {
	if timeout <= 0 {
		timeout = DefaultRecoveryConfig().ConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn *domain.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := factory(cctx)
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("health: connect: %w", res.err)
		}
		return res.conn, nil
	case <-cctx.Done():
		return nil, fmt.Errorf("health: connect: %w", cctx.Err())
	}
}

func validateConnection(conn *domain.Connection, maxPingAge time.Duration) error {
	switch {
	case conn == nil:
		return fmt.Errorf("health: nil connection: %w", domain.ErrConnectionInvalid)
	case conn.Status != domain.ConnectionConnected:
		return fmt.Errorf("health: status %q: %w", conn.Status, domain.ErrConnectionInvalid)
	case conn.APIVersion == "":
		return fmt.Errorf("health: missing api version: %w", domain.ErrConnectionInvalid)
	case conn.LastPing.IsZero():
		return fmt.Errorf("health: no ping recorded: %w", domain.ErrConnectionInvalid)
	case maxPingAge > 0 && time.Since(conn.LastPing) > maxPingAge:
		return fmt.Errorf("health: last ping %s old: %w", time.Since(conn.LastPing).Round(time.Millisecond), domain.ErrConnectionInvalid)
	}
	return nil
}

func (r *Recovery) beginAttempt(instanceID string, k int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if run, ok := r.active[instanceID]; ok {
		run.attempt.Attempt = k
	}
}

func (r *Recovery) setBackoff(instanceID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.active[instanceID]; ok {
		run.attempt.Backoff = d
	}
}

func (r *Recovery) attemptFailed(ctx context.Context, instanceID string, k int, reason string, err error) {
	r.mu.Lock()
	if run, ok := r.active[instanceID]; ok {
		run.attempt.LastError = err.Error()
	}
	r.mu.Unlock()

	r.logger.WarnContext(ctx, "recovery attempt failed",
		slog.String("instance_id", instanceID),
		slog.Int("attempt", k),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	r.emitter.Emit(ctx, "recovery", events.RecoveryAttemptFailed, map[string]any{
		"instance_id": instanceID,
		"attempt":     k,
		"reason":      reason,
		"error":       err.Error(),
	})
}

func (r *Recovery) finish(ctx context.Context, instanceID string, outcome Outcome, started time.Time, attempts int, lastErr error) {
	elapsed := time.Since(started)

	r.mu.Lock()
	delete(r.active, instanceID)
	switch outcome {
	case OutcomeConnected:
		r.successes++
		r.successDur += elapsed
	case OutcomeFailed:
		r.failures++
	case OutcomeStopped:
		r.stopped++
	}
	callbacks := append([]func(string, Outcome){}, r.onOutcome...)
	r.mu.Unlock()

	// ctx may already be cancelled; the outcome must still be delivered.
	ctx = context.WithoutCancel(ctx)
	data := map[string]any{
		"instance_id": instanceID,
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	}
	switch outcome {
	case OutcomeConnected:
		r.logger.InfoContext(ctx, "recovery successful", slog.String("instance_id", instanceID), slog.Int("attempts", attempts))
		r.emitter.Emit(ctx, "recovery", events.RecoverySuccessful, data)
	case OutcomeFailed:
		msg := domain.ErrRecoveryExhausted.Error()
		if lastErr != nil {
			msg = errors.Join(domain.ErrRecoveryExhausted, lastErr).Error()
		}
		data["error"] = msg
		r.logger.ErrorContext(ctx, "recovery failed", slog.String("instance_id", instanceID), slog.Int("attempts", attempts), slog.String("error", msg))
		r.emitter.Emit(ctx, "recovery", events.RecoveryFailed, data)
	case OutcomeStopped:
		r.logger.InfoContext(ctx, "recovery stopped", slog.String("instance_id", instanceID))
		r.emitter.Emit(ctx, "recovery", events.RecoveryStopped, data)
	}

	for _, fn := range callbacks {
		fn(instanceID, outcome)
	}
}

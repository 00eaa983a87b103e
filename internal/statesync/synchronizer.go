// Package statesync keeps the locally cached view of every strategy in line
// with what the execution engines report. The remote record always wins; each
// accepted reconciliation bumps the local version by one.
package statesync

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

// Config tunes synchronization.
type Config struct {
	Interval   time.Duration
	Tolerances Tolerances
	LockTTL    time.Duration
}

// DefaultConfig returns the default synchronizer settings.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		Tolerances: Tolerances{PnL: 0.01, TradeCount: 0, ParamRel: 0.001, ParamAbs: 1e-9},
		LockTTL:    30 * time.Second,
	}
}

// StrategySource is the part of the engine the synchronizer reads.
type StrategySource interface {
	ListActiveStrategies(ctx context.Context) ([]domain.StrategyExecution, error)
	GetStrategy(ctx context.Context, id string) (domain.StrategyExecution, error)
}

// SyncResult reports one strategy's reconciliation. Failures are carried in
// Error rather than returned.
type SyncResult struct {
	StrategyID  string       `json:"strategy_id"`
	Created     bool         `json:"created"`
	Divergences []Divergence `json:"divergences,omitempty"`
	Updated     bool         `json:"updated"`
	Version     int64        `json:"version"`
	Skipped     bool         `json:"skipped"`
	Error       string       `json:"error,omitempty"`
}

// Diverged reports whether any divergence was found.
func (r SyncResult) Diverged() bool { return len(r.Divergences) > 0 }

// Summary aggregates one SynchronizeAll pass.
type Summary struct {
	Total     int           `json:"total"`
	InSync    int           `json:"in_sync"`
	Updated   int           `json:"updated"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// Synchronizer reconciles local strategy states against the engines.
type Synchronizer struct {
	source  StrategySource
	cache   domain.StateCache
	locker  domain.LockManager
	cfg     atomic.Pointer[Config]
	emitter events.Emitter
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	last     *Summary
}

// New creates a Synchronizer. locker may be nil, in which case only the
// in-process guard applies.
func New(source StrategySource, cache domain.StateCache, locker domain.LockManager, cfg Config, emitter events.Emitter, logger *slog.Logger) *Synchronizer {
	if emitter == nil {
		emitter = events.Nop{}
	}
	s := &Synchronizer{
		source:   source,
		cache:    cache,
		locker:   locker,
		emitter:  emitter,
		logger:   logger.With(slog.String("component", "state_sync")),
		inFlight: make(map[string]bool),
	}
	s.cfg.Store(&cfg)
	return s
}

// UpdateConfig replaces the configuration from the next cycle onward.
func (s *Synchronizer) UpdateConfig(cfg Config) {
	s.cfg.Store(&cfg)
}

func (s *Synchronizer) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Synchronizer) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// InProgress reports whether id is being synchronized right now.
func (s *Synchronizer) InProgress(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}

// SynchronizeStrategy reconciles the cached state of remote.ID with remote.
func (s *Synchronizer) SynchronizeStrategy(ctx context.Context, remote domain.StrategyExecution) SyncResult {
	return s.synchronize(ctx, *s.cfg.Load(), remote)
}

func (s *Synchronizer) synchronize(ctx context.Context, cfg Config, remote domain.StrategyExecution) SyncResult {
	res := SyncResult{StrategyID: remote.ID}

	if !s.acquire(remote.ID) {
		res.Skipped = true
		res.Error = domain.ErrSyncInProgress.Error()
		return res
	}
	defer s.release(remote.ID)

	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, "sync:"+remote.ID, cfg.LockTTL)
		if err != nil {
			res.Skipped = errors.Is(err, domain.ErrLockHeld)
			res.Error = err.Error()
			if !res.Skipped {
				s.failed(ctx, remote.ID, fmt.Errorf("statesync: lock %s: %w", remote.ID, err))
			}
			return res
		}
		defer unlock()
	}

	local, err := s.cache.Get(ctx, remote.ID)
	if errors.Is(err, domain.ErrNotFound) {
		state := domain.StateFromExecution(remote, 1)
		if err := s.cache.Set(ctx, state); err != nil {
			res.Error = fmt.Errorf("statesync: cache write %s: %w", remote.ID, err).Error()
			s.failed(ctx, remote.ID, errors.New(res.Error))
			return res
		}
		res.Created = true
		res.Updated = true
		res.Version = state.Version
		s.emitter.Emit(ctx, "statesync", events.StateUpdated, map[string]any{
			"strategy_id": remote.ID,
			"version":     state.Version,
			"created":     true,
		})
		return res
	}
	if err != nil {
		res.Error = fmt.Errorf("statesync: cache read %s: %w", remote.ID, err).Error()
		s.failed(ctx, remote.ID, errors.New(res.Error))
		return res
	}

	res.Version = local.Version
	res.Divergences = Compare(local, remote, cfg.Tolerances)
	if len(res.Divergences) == 0 {
		return res
	}

	kinds := make([]string, len(res.Divergences))
	for i, d := range res.Divergences {
		kinds[i] = string(d.Kind)
	}
	s.logger.InfoContext(ctx, "state divergence",
		slog.String("strategy_id", remote.ID),
		slog.Any("kinds", kinds),
		slog.Int64("local_version", local.Version),
	)
	s.emitter.Emit(ctx, "statesync", events.StateDivergence, map[string]any{
		"strategy_id": remote.ID,
		"kinds":       kinds,
		"version":     local.Version,
	})

	next := domain.StateFromExecution(remote, local.Version+1)
	if err := s.cache.Set(ctx, next); err != nil {
		res.Error = fmt.Errorf("statesync: cache write %s: %w", remote.ID, err).Error()
		s.failed(ctx, remote.ID, errors.New(res.Error))
		return res
	}
	res.Updated = true
	res.Version = next.Version
	s.emitter.Emit(ctx, "statesync", events.StateUpdated, map[string]any{
		"strategy_id": remote.ID,
		"version":     next.Version,
	})
	return res
}

func (s *Synchronizer) failed(ctx context.Context, id string, err error) {
	s.logger.WarnContext(ctx, "strategy sync failed", slog.String("strategy_id", id), slog.String("error", err.Error()))
	s.emitter.Emit(ctx, "statesync", events.SyncFailed, map[string]any{
		"strategy_id": id,
		"error":       err.Error(),
	})
}

// SynchronizeAll reconciles every remotely active strategy. A failure to
// list strategies fails the whole pass.
func (s *Synchronizer) SynchronizeAll(ctx context.Context) Summary {
	cfg := *s.cfg.Load()
	sum := Summary{StartedAt: time.Now().UTC()}
	defer func() {
		s.mu.Lock()
		s.last = &sum
		s.mu.Unlock()
	}()

	list, err := s.source.ListActiveStrategies(ctx)
	if err != nil {
		sum.Error = fmt.Errorf("statesync: list active: %w", err).Error()
		sum.Duration = time.Since(sum.StartedAt)
		s.logger.ErrorContext(ctx, "sync pass failed", slog.String("error", sum.Error))
		s.emitter.Emit(ctx, "statesync", events.SyncFailed, map[string]any{"error": sum.Error})
		return sum
	}

	for _, remote := range list {
		sum.Total++
		if s.InProgress(remote.ID) {
			sum.Skipped++
			continue
		}
		res := s.synchronize(ctx, cfg, remote)
		switch {
		case res.Skipped:
			sum.Skipped++
		case res.Error != "":
			sum.Failed++
		case res.Created:
			sum.Created++
		case res.Updated:
			sum.Updated++
		default:
			sum.InSync++
		}
	}
	sum.Duration = time.Since(sum.StartedAt)

	s.logger.InfoContext(ctx, "sync pass completed",
		slog.Int("total", sum.Total),
		slog.Int("updated", sum.Updated),
		slog.Int("created", sum.Created),
		slog.Int("failed", sum.Failed),
	)
	s.emitter.Emit(ctx, "statesync", events.SyncCompleted, map[string]any{
		"total":   sum.Total,
		"in_sync": sum.InSync,
		"updated": sum.Updated,
		"created": sum.Created,
		"skipped": sum.Skipped,
		"failed":  sum.Failed,
	})
	return sum
}

// ForceSynchronization fetches one strategy and reconciles it immediately.
func (s *Synchronizer) ForceSynchronization(ctx context.Context, id string) (SyncResult, error) {
	remote, err := s.source.GetStrategy(ctx, id)
	if err != nil {
		return SyncResult{StrategyID: id}, fmt.Errorf("statesync: get %s: %w", id, err)
	}
	return s.SynchronizeStrategy(ctx, remote), nil
}

// LastSummary returns the most recent SynchronizeAll summary.
func (s *Synchronizer) LastSummary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Run synchronizes every Interval until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SynchronizeAll(ctx)
			if next := s.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Synchronizer) interval() time.Duration {
	if d := s.cfg.Load().Interval; d > 0 {
		return d
	}
	return DefaultConfig().Interval
}

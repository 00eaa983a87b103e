package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// InstanceSource lists instances and opens connections to them.
type InstanceSource interface {
	ListInstances(ctx context.Context, exchange string) ([]domain.Instance, error)
	Connect(ctx context.Context, instanceID string) (*domain.Connection, error)
}

// Fleet is the registry of known execution-engine instances. Instances the
// engine reports in error are handed to Recovery; instances whose recovery
// is exhausted are dropped until the engine reports them running again.
type Fleet struct {
	source    InstanceSource
	recovery  *Recovery
	exchanges []string
	emitter   events.Emitter
	logger    *slog.Logger

	mu        sync.RWMutex
	instances map[string]domain.Instance
	removed   map[string]bool
}

// NewFleet creates a Fleet and subscribes it to recovery outcomes.
func NewFleet(source InstanceSource, recovery *Recovery, exchanges []string, emitter events.Emitter, logger *slog.Logger) *Fleet {
	if emitter == nil {
		emitter = events.Nop{}
	}
	f := &Fleet{
		source:    source,
		recovery:  recovery,
		exchanges: append([]string(nil), exchanges...),
		emitter:   emitter,
		logger:    logger.With(slog.String("component", "fleet")),
		instances: make(map[string]domain.Instance),
		removed:   make(map[string]bool),
	}
	recovery.OnOutcome(f.handleOutcome)
	return f
}

// Run refreshes the registry immediately and then every interval.
func (f *Fleet) Run(ctx context.Context, interval time.Duration) error {
	if err := f.Refresh(ctx); err != nil {
		f.logger.WarnContext(ctx, "fleet refresh failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.WarnContext(ctx, "fleet refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Refresh pulls the instance list of every exchange. An exchange that
// cannot be listed keeps its previous entries.
func (f *Fleet) Refresh(ctx context.Context) error {
	var errs []error
	for _, exchange := range f.exchanges {
		list, err := f.source.ListInstances(ctx, exchange)
		if err != nil {
			errs = append(errs, fmt.Errorf("health: list instances %s: %w", exchange, err))
			continue
		}
		f.apply(ctx, exchange, list)
	}
	return errors.Join(errs...)
}

func (f *Fleet) apply(ctx context.Context, exchange string, list []domain.Instance) {
	var toRecover []string

	f.mu.Lock()
	seen := make(map[string]bool, len(list))
	for _, inst := range list {
		seen[inst.ID] = true
		if f.removed[inst.ID] {
			if inst.Status != domain.InstanceRunning {
				continue
			}
			delete(f.removed, inst.ID)
		}
		if f.recovery.InProgress(inst.ID) {
			// keep the recovering entry as is until the run reports back
			if cur, ok := f.instances[inst.ID]; ok {
				inst.Status = cur.Status
			}
		}
		inst.LastSeen = time.Now().UTC()
		f.instances[inst.ID] = inst.Clone()
		if inst.Status == domain.InstanceError || inst.Status == domain.InstanceUnhealthy {
			toRecover = append(toRecover, inst.ID)
		}
	}
	for id, inst := range f.instances {
		if inst.Exchange == exchange && !seen[id] {
			delete(f.instances, id)
		}
	}
	f.mu.Unlock()

	for _, id := range toRecover {
		id := id
		if f.recovery.StartRecovery(id, func(ctx context.Context) (*domain.Connection, error) {
			return f.source.Connect(ctx, id)
		}) {
			f.logger.InfoContext(ctx, "instance recovery scheduled", slog.String("instance_id", id), slog.String("exchange", exchange))
		}
	}
}

func (f *Fleet) handleOutcome(instanceID string, outcome Outcome) {
	ctx := context.Background()
	f.mu.Lock()
	inst, ok := f.instances[instanceID]
	switch outcome {
	case OutcomeConnected:
		if ok {
			inst.Status = domain.InstanceRunning
			inst.LastSeen = time.Now().UTC()
			f.instances[instanceID] = inst
		}
		f.mu.Unlock()
	case OutcomeFailed:
		delete(f.instances, instanceID)
		f.removed[instanceID] = true
		f.mu.Unlock()
		f.logger.WarnContext(ctx, "instance removed after failed recovery", slog.String("instance_id", instanceID))
		f.emitter.Emit(ctx, "fleet", events.InstanceRemoved, map[string]any{
			"instance_id": instanceID,
			"exchange":    inst.Exchange,
		})
	default:
		f.mu.Unlock()
	}
}

// Running returns running instances, optionally restricted to one exchange
// (empty means all), ordered by ID.
func (f *Fleet) Running(exchange string) []domain.Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []domain.Instance
	for _, inst := range f.instances {
		if inst.Status != domain.InstanceRunning {
			continue
		}
		if exchange != "" && inst.Exchange != exchange {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every registered instance ordered by ID.
func (f *Fleet) All() []domain.Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one instance.
func (f *Fleet) Get(id string) (domain.Instance, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inst, ok := f.instances[id]
	if !ok {
		return domain.Instance{}, false
	}
	return inst.Clone(), true
}

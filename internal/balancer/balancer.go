// Package balancer decides which execution-engine instance runs a strategy
// and proposes migrations when load across instances drifts apart.
package balancer

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Algorithm selects how surviving candidates are ranked.
type Algorithm string

const (
	RoundRobin    Algorithm = "round_robin"
	LeastLoaded   Algorithm = "least_loaded"
	ResourceBased Algorithm = "resource_based"
)

// Config tunes selection and rebalancing.
type Config struct {
	Algorithm            Algorithm
	MinHealthScore       float64 // candidates must score strictly above this
	MaxErrorRate         float64 // candidates must stay strictly below this
	ImbalanceThreshold   float64 // fraction of average load
	MaxMigrationFraction float64
}

// DefaultConfig returns the default balancer settings.
func DefaultConfig() Config {
	return Config{
		Algorithm:            ResourceBased,
		MinHealthScore:       50,
		MaxErrorRate:         0.10,
		ImbalanceThreshold:   0.20,
		MaxMigrationFraction: 0.30,
	}
}

// Constraints narrow the candidate set for one placement.
type Constraints struct {
	Exchange         string
	ExcludeInstances []string
	// MaxLoadPercent rejects instances whose average load is above it. Zero
	// disables the ceiling.
	MaxLoadPercent float64
	// PreferInstances restricts the choice to these instances when any of
	// them is eligible.
	PreferInstances []string
}

// Candidate is one ranked instance with the reason for its rank.
type Candidate struct {
	Instance  domain.Instance
	Score     float64
	Rationale string
}

// Selection is the winner plus every other eligible instance in rank order.
type Selection struct {
	Candidate
	Alternatives []Candidate
}

// Balancer ranks instances. It is safe for concurrent use.
type Balancer struct {
	cfg    atomic.Pointer[Config]
	next   atomic.Uint64
	logger *slog.Logger
}

// New creates a Balancer.
func New(cfg Config, logger *slog.Logger) *Balancer {
	b := &Balancer{logger: logger.With(slog.String("component", "balancer"))}
	b.cfg.Store(&cfg)
	return b
}

// UpdateConfig replaces the configuration for subsequent calls.
func (b *Balancer) UpdateConfig(cfg Config) {
	b.cfg.Store(&cfg)
}

// Config returns the current configuration.
func (b *Balancer) Config() Config {
	return *b.cfg.Load()
}

// SelectInstance picks the instance that should run strategy.
func (b *Balancer) SelectInstance(candidates []domain.Instance, strategy domain.StrategyExecution, c Constraints) (Selection, error) {
	cfg := *b.cfg.Load()

	survivors := filter(cfg, candidates, c)
	if len(survivors) == 0 {
		return Selection{}, fmt.Errorf("balancer: %d candidates for %s on %q: %w",
			len(candidates), strategy.Type, c.Exchange, domain.ErrNoEligibleInstance)
	}

	var ranked []Candidate
	switch cfg.Algorithm {
	case RoundRobin:
		ranked = b.rotate(survivors)
	case LeastLoaded:
		ranked = rank(survivors, func(inst domain.Instance) (float64, string) {
			load := inst.Resources.LoadPercent()
			return 100 - load, fmt.Sprintf("least_loaded: average load %.1f%%", load)
		})
	default:
		w := WeightsFor(strategy.Type)
		ranked = rank(survivors, func(inst domain.Instance) (float64, string) {
			return w.Score(inst)
		})
	}

	sel := Selection{Candidate: ranked[0], Alternatives: ranked[1:]}
	b.logger.Debug("instance selected",
		slog.String("instance_id", sel.Instance.ID),
		slog.String("strategy_type", string(strategy.Type)),
		slog.String("algorithm", string(cfg.Algorithm)),
		slog.Float64("score", sel.Score),
	)
	return sel, nil
}

// Eligible reports whether inst passes the health filter.
func Eligible(cfg Config, inst domain.Instance) bool {
	return inst.Status == domain.InstanceRunning &&
		inst.HealthScore > cfg.MinHealthScore &&
		inst.Performance.ErrorRate < cfg.MaxErrorRate
}

func filter(cfg Config, candidates []domain.Instance, c Constraints) []domain.Instance {
	var out []domain.Instance
	for _, inst := range candidates {
		if !Eligible(cfg, inst) {
			continue
		}
		if c.Exchange != "" && inst.Exchange != c.Exchange {
			continue
		}
		if slices.Contains(c.ExcludeInstances, inst.ID) {
			continue
		}
		if inst.MaxStrategies > 0 && len(inst.Strategies) >= inst.MaxStrategies {
			continue
		}
		if c.MaxLoadPercent > 0 && inst.Resources.LoadPercent() > c.MaxLoadPercent {
			continue
		}
		out = append(out, inst)
	}
	if len(c.PreferInstances) > 0 {
		var preferred []domain.Instance
		for _, inst := range out {
			if slices.Contains(c.PreferInstances, inst.ID) {
				preferred = append(preferred, inst)
			}
		}
		if len(preferred) > 0 {
			out = preferred
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func rank(survivors []domain.Instance, score func(domain.Instance) (float64, string)) []Candidate {
	out := make([]Candidate, len(survivors))
	for i, inst := range survivors {
		s, why := score(inst)
		out[i] = Candidate{Instance: inst.Clone(), Score: s, Rationale: why}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Instance.ID < out[j].Instance.ID
	})
	return out
}

func (b *Balancer) rotate(survivors []domain.Instance) []Candidate {
	n := len(survivors)
	start := int((b.next.Add(1) - 1) % uint64(n))
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		inst := survivors[(start+i)%n]
		out = append(out, Candidate{
			Instance:  inst.Clone(),
			Rationale: fmt.Sprintf("round_robin: position %d of %d", (start+i)%n+1, n),
		})
	}
	return out
}

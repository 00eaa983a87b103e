package balancer

import (
	"fmt"
	"math"
	"sort"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Recommendation proposes moving one strategy between instances.
type Recommendation struct {
	StrategyID   string              `json:"strategy_id"`
	StrategyType domain.StrategyType `json:"strategy_type"`
	FromInstance string              `json:"from_instance"`
	ToInstance   string              `json:"to_instance"`
	Priority     float64             `json:"priority"` // load delta in percentage points
	Reason       string              `json:"reason"`
}

// RebalanceStrategies proposes migrations off the most-loaded instance when
// the spread between the most and least loaded instances exceeds
// ImbalanceThreshold times the average load. It returns nil when load is
// balanced or no eligible target exists.
func (b *Balancer) RebalanceStrategies(instances []domain.Instance) []Recommendation {
	cfg := *b.cfg.Load()

	var pool []domain.Instance
	for _, inst := range instances {
		if inst.Status == domain.InstanceRunning {
			pool = append(pool, inst)
		}
	}
	if len(pool) < 2 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	var sum float64
	most, least := pool[0], pool[0]
	for _, inst := range pool {
		load := inst.Resources.LoadPercent()
		sum += load
		if load > most.Resources.LoadPercent() {
			most = inst
		}
		if load < least.Resources.LoadPercent() {
			least = inst
		}
	}
	avg := sum / float64(len(pool))
	delta := most.Resources.LoadPercent() - least.Resources.LoadPercent()
	if avg <= 0 || delta <= cfg.ImbalanceThreshold*avg {
		return nil
	}
	if len(most.Strategies) == 0 {
		return nil
	}

	var under []domain.Instance
	for _, inst := range pool {
		if inst.ID != most.ID && inst.Resources.LoadPercent() < avg && Eligible(cfg, inst) {
			under = append(under, inst)
		}
	}
	if len(under) == 0 {
		return nil
	}

	strategies := append([]domain.StrategyRef(nil), most.Strategies...)
	sort.SliceStable(strategies, func(i, j int) bool {
		if strategies[i].PnL != strategies[j].PnL {
			return strategies[i].PnL < strategies[j].PnL
		}
		return strategies[i].ID < strategies[j].ID
	})
	n := int(math.Floor(cfg.MaxMigrationFraction * float64(len(strategies))))
	if n < 1 {
		n = 1
	}

	recs := make([]Recommendation, 0, n)
	for _, s := range strategies[:n] {
		target := rank(under, func(inst domain.Instance) (float64, string) {
			return WeightsFor(s.Type).Score(inst)
		})[0]
		recs = append(recs, Recommendation{
			StrategyID:   s.ID,
			StrategyType: s.Type,
			FromInstance: most.ID,
			ToInstance:   target.Instance.ID,
			Priority:     delta,
			Reason: fmt.Sprintf("load %.1f%% vs %.1f%% (average %.1f%%); pnl %.2f",
				most.Resources.LoadPercent(), least.Resources.LoadPercent(), avg, s.PnL),
		})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority > recs[j].Priority })
	return recs
}

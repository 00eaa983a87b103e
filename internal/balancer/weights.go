package balancer

import (
	"fmt"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Weights blend per-resource headroom into a single resource_based score.
// Each weight multiplies a 0..100 quantity, so a perfect instance scores the
// sum of the weights times 100.
type Weights struct {
	CPU      float64
	Memory   float64
	Network  float64
	Health   float64
	Capacity float64
}

var defaultWeights = Weights{CPU: 0.30, Memory: 0.25, Network: 0.15, Health: 0.20, Capacity: 0.10}

var weightTable = map[domain.StrategyType]Weights{
	domain.StrategyArbitrage:                 {CPU: 0.15, Memory: 0.10, Network: 0.50, Health: 0.15, Capacity: 0.10},
	domain.StrategyCrossExchangeArbitrage:    {CPU: 0.15, Memory: 0.10, Network: 0.50, Health: 0.15, Capacity: 0.10},
	domain.StrategyMarketMaking:              {CPU: 0.35, Memory: 0.20, Network: 0.25, Health: 0.10, Capacity: 0.10},
	domain.StrategyCrossExchangeMarketMaking: {CPU: 0.35, Memory: 0.20, Network: 0.25, Health: 0.10, Capacity: 0.10},
	domain.StrategyFuturesMarketMaking:       {CPU: 0.35, Memory: 0.20, Network: 0.25, Health: 0.10, Capacity: 0.10},
	domain.StrategyGrid:                      {CPU: 0.25, Memory: 0.35, Network: 0.10, Health: 0.15, Capacity: 0.15},
	domain.StrategyFuturesGrid:               {CPU: 0.25, Memory: 0.35, Network: 0.10, Health: 0.15, Capacity: 0.15},
}

// WeightsFor returns the weights used for strategies of type t.
func WeightsFor(t domain.StrategyType) Weights {
	if w, ok := weightTable[t]; ok {
		return w
	}
	return defaultWeights
}

// Score returns the weighted headroom score of inst and a rationale.
func (w Weights) Score(inst domain.Instance) (float64, string) {
	cpu := 100 - clamp(inst.Resources.CPUPercent)
	mem := 100 - inst.Resources.MemoryPercent()
	net := 100 - inst.Resources.NetworkPercent()
	health := clamp(inst.HealthScore)
	free := inst.FreeCapacityPercent()

	score := w.CPU*cpu + w.Memory*mem + w.Network*net + w.Health*health + w.Capacity*free
	why := fmt.Sprintf("resource_based: score %.2f (cpu free %.0f%%, mem free %.0f%%, net free %.0f%%, health %.0f, slots free %.0f%%)",
		score, cpu, mem, net, health, free)
	return score, why
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

const defaultVolatilityFactor = 2.0

// Adjustment is one parameter pushed to a live strategy.
type Adjustment struct {
	GroupID    string  `json:"group_id"`
	StrategyID string  `json:"strategy_id"`
	Param      string  `json:"param"`
	Old        any     `json:"old,omitempty"`
	New        float64 `json:"new"`
	Volatility float64 `json:"volatility"`
}

// AdjustStrategiesForMarketConditions retunes market-making spreads and grid
// spacing in every active group. Both follow
// max(minimum, volatility * SpreadVolatilityFactor).
func (c *Coordinator) AdjustStrategiesForMarketConditions(ctx context.Context) ([]Adjustment, error) {
	cfg := *c.cfg.Load()
	factor := cfg.SpreadVolatilityFactor
	if factor <= 0 {
		factor = defaultVolatilityFactor
	}

	conditions := make(map[string]domain.MarketConditions)
	var adjustments []Adjustment
	var errs []error

	for _, g := range c.Groups() {
		if g.Status != domain.GroupActive {
			continue
		}
		for _, s := range g.Strategies {
			var param string
			var floor float64
			switch {
			case s.Type.IsMarketMaking():
				param, floor = "spread_pct", cfg.MinSpreadPct
			case s.Type.IsGrid():
				param, floor = "grid_spacing_pct", cfg.MinGridSpacingPct
			default:
				continue
			}

			key := s.Exchange + "|" + s.Pair
			mc, ok := conditions[key]
			if !ok {
				var err error
				mc, err = c.engine.GetMarketConditions(ctx, s.Exchange, s.Pair)
				if err != nil {
					errs = append(errs, fmt.Errorf("coordinator: market conditions %s %s: %w", s.Exchange, s.Pair, err))
					continue
				}
				conditions[key] = mc
			}

			value := round4(math.Max(floor, mc.Volatility*factor))
			old, had := s.Parameters[param]
			if had {
				if cur, ok := domain.ParamFloat(old); ok && cur == value {
					continue
				}
			}
			if err := c.engine.UpdateStrategy(ctx, s.ID, map[string]any{param: value}); err != nil {
				errs = append(errs, fmt.Errorf("coordinator: adjust %s: %w", s.ID, err))
				continue
			}
			c.setParam(g.ID, s.ID, param, value)
			adjustments = append(adjustments, Adjustment{
				GroupID:    g.ID,
				StrategyID: s.ID,
				Param:      param,
				Old:        old,
				New:        value,
				Volatility: mc.Volatility,
			})
		}
	}

	if len(adjustments) > 0 {
		c.logger.InfoContext(ctx, "strategies adjusted", slog.Int("count", len(adjustments)))
		c.emitter.Emit(ctx, source, events.StrategiesAdjusted, map[string]any{
			"count":       len(adjustments),
			"adjustments": adjustments,
		})
	}
	return adjustments, errors.Join(errs...)
}

func (c *Coordinator) setParam(groupID, strategyID, param string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return
	}
	for i := range g.Strategies {
		if g.Strategies[i].ID != strategyID {
			continue
		}
		if g.Strategies[i].Parameters == nil {
			g.Strategies[i].Parameters = map[string]any{}
		}
		g.Strategies[i].Parameters[param] = value
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

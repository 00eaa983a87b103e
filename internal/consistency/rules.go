package consistency

import "github.com/alanyoungcy/stratfleet/internal/domain"

// Range is an inclusive numeric bound for one parameter.
type Range struct {
	Min float64
	Max float64
}

// Rule describes the parameters a strategy type must carry.
type Rule struct {
	Required []string
	Defaults map[string]any
	Ranges   map[string]Range
}

var marketMakingRule = Rule{
	Required: []string{"spread_pct", "order_size", "levels"},
	Defaults: map[string]any{"spread_pct": 0.2, "order_size": 0.01, "levels": 3.0},
	Ranges: map[string]Range{
		"spread_pct": {Min: 0.01, Max: 10},
		"order_size": {Min: 0.0001, Max: 1_000_000},
		"levels":     {Min: 1, Max: 50},
	},
}

var gridRule = Rule{
	Required: []string{"grid_levels", "grid_spacing_pct", "order_size"},
	Defaults: map[string]any{"grid_levels": 10.0, "grid_spacing_pct": 0.5, "order_size": 0.01},
	Ranges: map[string]Range{
		"grid_levels":      {Min: 2, Max: 200},
		"grid_spacing_pct": {Min: 0.05, Max: 20},
		"order_size":       {Min: 0.0001, Max: 1_000_000},
	},
}

var arbitrageRule = Rule{
	Required: []string{"min_profit_pct", "order_size"},
	Defaults: map[string]any{"min_profit_pct": 0.5, "order_size": 0.01},
	Ranges: map[string]Range{
		"min_profit_pct": {Min: 0.01, Max: 10},
		"order_size":     {Min: 0.0001, Max: 1_000_000},
	},
}

func withLeverage(r Rule) Rule {
	out := Rule{
		Required: append(append([]string(nil), r.Required...), "leverage"),
		Defaults: map[string]any{"leverage": 1.0},
		Ranges:   map[string]Range{"leverage": {Min: 1, Max: 125}},
	}
	for k, v := range r.Defaults {
		out.Defaults[k] = v
	}
	for k, v := range r.Ranges {
		out.Ranges[k] = v
	}
	return out
}

// rules is keyed by strategy type. Types without an entry have no parameter
// checks.
var rules = map[domain.StrategyType]Rule{
	domain.StrategyMarketMaking:              marketMakingRule,
	domain.StrategyCrossExchangeMarketMaking: marketMakingRule,
	domain.StrategyFuturesMarketMaking:       withLeverage(marketMakingRule),
	domain.StrategyGrid:                      gridRule,
	domain.StrategyFuturesGrid:               withLeverage(gridRule),
	domain.StrategyArbitrage:                 arbitrageRule,
	domain.StrategyCrossExchangeArbitrage:    arbitrageRule,
	domain.StrategyDCA: {
		Required: []string{"interval_minutes", "order_size"},
		Defaults: map[string]any{"interval_minutes": 60.0, "order_size": 0.01},
		Ranges: map[string]Range{
			"interval_minutes": {Min: 1, Max: 43_200},
			"order_size":       {Min: 0.0001, Max: 1_000_000},
		},
	},
	domain.StrategyPortfolioRebalance: {
		Required: []string{"asset", "amount"},
		Ranges:   map[string]Range{"amount": {Min: 0, Max: 10_000_000}},
	},
}

// RuleFor returns the parameter rule for t.
func RuleFor(t domain.StrategyType) (Rule, bool) {
	r, ok := rules[t]
	return r, ok
}

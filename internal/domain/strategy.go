package domain

import (
	"maps"
	"strings"
	"time"
)

// StrategyType tags the behaviour a strategy execution runs.
type StrategyType string

const (
	StrategyMarketMaking              StrategyType = "market_making"
	StrategyGrid                      StrategyType = "grid"
	StrategyDCA                       StrategyType = "dca"
	StrategyArbitrage                 StrategyType = "arbitrage"
	StrategyCrossExchangeArbitrage    StrategyType = "cross_exchange_arbitrage"
	StrategyCrossExchangeMarketMaking StrategyType = "cross_exchange_market_making"
	StrategyFuturesGrid               StrategyType = "futures_grid"
	StrategyFuturesMarketMaking       StrategyType = "futures_market_making"
	StrategyPortfolioRebalance        StrategyType = "portfolio_rebalance"
)

// IsFutures reports whether the type trades derivatives and needs leverage,
// margin and position mode configured before deployment.
func (t StrategyType) IsFutures() bool {
	return strings.HasPrefix(string(t), "futures_")
}

// IsArbitrage reports whether the type is latency/network sensitive arbitrage.
func (t StrategyType) IsArbitrage() bool {
	return t == StrategyArbitrage || t == StrategyCrossExchangeArbitrage
}

// IsMarketMaking reports whether the type quotes a two-sided spread.
func (t StrategyType) IsMarketMaking() bool {
	return t == StrategyMarketMaking || t == StrategyCrossExchangeMarketMaking || t == StrategyFuturesMarketMaking
}

// IsGrid reports whether the type places a ladder of orders.
func (t StrategyType) IsGrid() bool {
	return t == StrategyGrid || t == StrategyFuturesGrid
}

// StrategyStatus is the lifecycle state of a deployed strategy.
type StrategyStatus string

const (
	StrategyPending          StrategyStatus = "pending"
	StrategyActive           StrategyStatus = "active"
	StrategyPaused           StrategyStatus = "paused"
	StrategyStopped          StrategyStatus = "stopped"
	StrategyError            StrategyStatus = "error"
	StrategyCompleted        StrategyStatus = "completed"
	StrategyEmergencyStopped StrategyStatus = "emergency_stopped"
)

var knownStrategyStatuses = map[StrategyStatus]bool{
	StrategyPending:          true,
	StrategyActive:           true,
	StrategyPaused:           true,
	StrategyStopped:          true,
	StrategyError:            true,
	StrategyCompleted:        true,
	StrategyEmergencyStopped: true,
}

// Valid reports whether s is one of the known statuses.
func (s StrategyStatus) Valid() bool {
	return knownStrategyStatuses[s]
}

// RiskLimits bound what a strategy may do.
type RiskLimits struct {
	MaxPositionSize float64
	MaxDailyLoss    float64
	StopLossPct     float64
	MaxDrawdownPct  float64
}

// ExecutionSettings carry engine-side execution options. Leverage, MarginMode
// and PositionMode only apply to futures strategy types.
type ExecutionSettings struct {
	Side         string // "buy", "sell" or "" for two-sided
	Leverage     int
	MarginMode   string // "cross" or "isolated"
	PositionMode string // "one_way" or "hedge"
	Timeout      time.Duration
}

// StrategyPerformance is the engine-reported performance snapshot.
type StrategyPerformance struct {
	TotalTrades      int64
	SuccessfulTrades int64
	TotalPnL         float64
	UnrealizedPnL    float64
	FillRate         float64 // 0..1
	SlippageBps      float64
	MaxDrawdown      float64
	AvgLatencyMs     float64
	Volume           float64
}

// Order is an order placed on behalf of a strategy.
type Order struct {
	ID        string
	Side      string
	Price     float64
	Size      float64
	Status    string
	CreatedAt time.Time
}

// Trade is a fill attributed to a strategy.
type Trade struct {
	ID         string
	OrderID    string
	Side       string
	Price      float64
	Size       float64
	Fee        float64
	ExecutedAt time.Time
}

// ExecutionError is an error the engine recorded against a strategy.
type ExecutionError struct {
	Code       string
	Message    string
	OccurredAt time.Time
}

// StrategyExecution is one deployed strategy as reported by the engine.
type StrategyExecution struct {
	ID          string
	Type        StrategyType
	Exchange    string
	Pair        string
	InstanceID  string
	Parameters  map[string]any
	Risk        RiskLimits
	Settings    ExecutionSettings
	Status      StrategyStatus
	Performance StrategyPerformance
	Orders      []Order
	Trades      []Trade
	Errors      []ExecutionError
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdate  time.Time

	// Arbitrage is set on the synthetic record returned for an executed
	// arbitrage opportunity.
	Arbitrage *ArbitrageOpportunity
}

// Clone returns a deep copy of the record's mutable parts.
func (s StrategyExecution) Clone() StrategyExecution {
	out := s
	out.Parameters = CloneParams(s.Parameters)
	out.Orders = append([]Order(nil), s.Orders...)
	out.Trades = append([]Trade(nil), s.Trades...)
	out.Errors = append([]ExecutionError(nil), s.Errors...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	if s.Arbitrage != nil {
		opp := *s.Arbitrage
		out.Arbitrage = &opp
	}
	return out
}

// CloneParams copies a parameter map one level deep.
func CloneParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return maps.Clone(p)
}

// LocalStrategyState is the synchronizer's cached view of one strategy.
type LocalStrategyState struct {
	StrategyID  string
	Status      StrategyStatus
	Parameters  map[string]any
	Performance StrategyPerformance
	StartTime   time.Time
	LastUpdate  time.Time
	Version     int64
}

// StateFromExecution builds a local state snapshot from a remote record.
func StateFromExecution(s StrategyExecution, version int64) LocalStrategyState {
	return LocalStrategyState{
		StrategyID:  s.ID,
		Status:      s.Status,
		Parameters:  CloneParams(s.Parameters),
		Performance: s.Performance,
		StartTime:   s.StartTime,
		LastUpdate:  time.Now().UTC(),
		Version:     version,
	}
}

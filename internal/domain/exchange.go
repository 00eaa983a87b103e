package domain

import "time"

// ExchangeHealth classifies an exchange for placement decisions.
type ExchangeHealth string

const (
	ExchangeHealthy  ExchangeHealth = "healthy"
	ExchangeDegraded ExchangeHealth = "degraded"
	ExchangeFailed   ExchangeHealth = "failed"
	ExchangeUnknown  ExchangeHealth = "unknown"
)

// ExchangeStatus is the health record for one exchange. Only healthy
// exchanges receive new placements.
type ExchangeStatus struct {
	Name              string
	Status            ExchangeHealth
	LastPing          time.Time
	Latency           time.Duration
	ConsecutiveErrors int
	LastError         string
}

// MarketConditions is a live snapshot used to tune running strategies.
type MarketConditions struct {
	Volatility float64 // percent
	Volume24h  float64
	SpreadPct  float64
}

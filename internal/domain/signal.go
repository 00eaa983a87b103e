package domain

import "time"

// TradingSignal is a request to execute a trade, produced upstream by the
// signal generator and routed through the failover controller.
type TradingSignal struct {
	ID        string
	Exchange  string
	Pair      string
	Side      string // "buy" or "sell"
	Price     float64
	Size      float64
	Reason    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// ExecutionResult is what either execution path reports for a signal.
type ExecutionResult struct {
	OrderID     string
	Status      string
	FilledPrice float64
	FilledSize  float64
	Message     string
	ExecutedAt  time.Time
}

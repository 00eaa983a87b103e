package domain

import "time"

// OpportunityStatus tracks an arbitrage opportunity from detection onward.
type OpportunityStatus string

const (
	OpportunityDetected  OpportunityStatus = "detected"
	OpportunityExecuting OpportunityStatus = "executing"
	OpportunityExecuted  OpportunityStatus = "executed"
	OpportunityExpired   OpportunityStatus = "expired"
	OpportunityFailed    OpportunityStatus = "failed"
)

// ArbitrageOpportunity is a time-bounded price discrepancy for one pair
// between two exchanges. It must be re-validated before execution.
type ArbitrageOpportunity struct {
	ID              string
	Pair            string
	BuyExchange     string
	SellExchange    string
	BuyPrice        float64
	SellPrice       float64
	ProfitPct       float64
	EstimatedProfit float64
	DetectedAt      time.Time
	Status          OpportunityStatus
}

// ProfitPct returns (sell-buy)/buy*100, or 0 when buy is not positive.
func ProfitPct(buy, sell float64) float64 {
	if buy <= 0 {
		return 0
	}
	return (sell - buy) / buy * 100
}

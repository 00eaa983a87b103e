package domain

import (
	"context"
	"time"
)

// ExecutionEngine is the boundary to the remote execution engines. One
// client fronts every instance; calls name the instance or exchange they
// target.
type ExecutionEngine interface {
	ListActiveStrategies(ctx context.Context) ([]StrategyExecution, error)
	GetStrategy(ctx context.Context, id string) (StrategyExecution, error)
	// DeployStrategy starts spec on the instance and returns the engine's
	// record for it, including its assigned ID.
	DeployStrategy(ctx context.Context, instanceID string, spec StrategyExecution) (StrategyExecution, error)
	UpdateStrategy(ctx context.Context, id string, params map[string]any) error
	// ReplaceStrategy pushes a full corrected record back to the engine.
	ReplaceStrategy(ctx context.Context, s StrategyExecution) error
	StopStrategy(ctx context.Context, id string) error

	ListInstances(ctx context.Context, exchange string) ([]Instance, error)
	Connect(ctx context.Context, instanceID string) (*Connection, error)

	Ping(ctx context.Context, exchange string) (time.Duration, error)
	GetBalances(ctx context.Context, exchange string) (map[string]float64, error)
	GetPrice(ctx context.Context, exchange, pair string) (float64, error)
	GetMarketConditions(ctx context.Context, exchange, pair string) (MarketConditions, error)

	SetLeverage(ctx context.Context, exchange, pair string, leverage int) error
	SetMarginMode(ctx context.Context, exchange, pair, mode string) error
	SetPositionMode(ctx context.Context, exchange, mode string) error
}

// ManagedExecutor executes signals through the engine's managed path.
type ManagedExecutor interface {
	ExecuteSignal(ctx context.Context, sig TradingSignal) (ExecutionResult, error)
	Ping(ctx context.Context) error
}

// DirectExecutor executes signals straight against the exchange, bypassing
// the engine.
type DirectExecutor interface {
	ExecuteSignal(ctx context.Context, sig TradingSignal) (ExecutionResult, error)
}

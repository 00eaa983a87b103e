package engine

import (
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Wire representations of the engine API. Conversions to and from the
// domain types live next to them.

type riskJSON struct {
	MaxPositionSize float64 `json:"max_position_size"`
	MaxDailyLoss    float64 `json:"max_daily_loss"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
}

type settingsJSON struct {
	Side         string `json:"side,omitempty"`
	Leverage     int    `json:"leverage,omitempty"`
	MarginMode   string `json:"margin_mode,omitempty"`
	PositionMode string `json:"position_mode,omitempty"`
	TimeoutMs    int64  `json:"timeout_ms,omitempty"`
}

type performanceJSON struct {
	TotalTrades      int64   `json:"total_trades"`
	SuccessfulTrades int64   `json:"successful_trades"`
	TotalPnL         float64 `json:"total_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	FillRate         float64 `json:"fill_rate"`
	SlippageBps      float64 `json:"slippage_bps"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	Volume           float64 `json:"volume"`
}

type orderJSON struct {
	ID        string    `json:"id"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type tradeJSON struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Fee        float64   `json:"fee"`
	ExecutedAt time.Time `json:"executed_at"`
}

type errorJSON struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

type strategyJSON struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Exchange    string          `json:"exchange"`
	Pair        string          `json:"pair"`
	InstanceID  string          `json:"instance_id,omitempty"`
	Parameters  map[string]any  `json:"parameters"`
	Risk        riskJSON        `json:"risk"`
	Settings    settingsJSON    `json:"settings"`
	Status      string          `json:"status"`
	Performance performanceJSON `json:"performance"`
	Orders      []orderJSON     `json:"orders,omitempty"`
	Trades      []tradeJSON     `json:"trades,omitempty"`
	Errors      []errorJSON     `json:"errors,omitempty"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	LastUpdate  time.Time       `json:"last_update"`
}

func fromStrategy(s domain.StrategyExecution) strategyJSON {
	out := strategyJSON{
		ID:         s.ID,
		Type:       string(s.Type),
		Exchange:   s.Exchange,
		Pair:       s.Pair,
		InstanceID: s.InstanceID,
		Parameters: s.Parameters,
		Risk:       riskJSON(s.Risk),
		Settings: settingsJSON{
			Side:         s.Settings.Side,
			Leverage:     s.Settings.Leverage,
			MarginMode:   s.Settings.MarginMode,
			PositionMode: s.Settings.PositionMode,
			TimeoutMs:    s.Settings.Timeout.Milliseconds(),
		},
		Status:      string(s.Status),
		Performance: performanceJSON(s.Performance),
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		LastUpdate:  s.LastUpdate,
	}
	for _, o := range s.Orders {
		out.Orders = append(out.Orders, orderJSON(o))
	}
	for _, t := range s.Trades {
		out.Trades = append(out.Trades, tradeJSON(t))
	}
	for _, e := range s.Errors {
		out.Errors = append(out.Errors, errorJSON(e))
	}
	return out
}

func (j strategyJSON) toDomain() domain.StrategyExecution {
	out := domain.StrategyExecution{
		ID:         j.ID,
		Type:       domain.StrategyType(j.Type),
		Exchange:   j.Exchange,
		Pair:       j.Pair,
		InstanceID: j.InstanceID,
		Parameters: j.Parameters,
		Risk:       domain.RiskLimits(j.Risk),
		Settings: domain.ExecutionSettings{
			Side:         j.Settings.Side,
			Leverage:     j.Settings.Leverage,
			MarginMode:   j.Settings.MarginMode,
			PositionMode: j.Settings.PositionMode,
			Timeout:      time.Duration(j.Settings.TimeoutMs) * time.Millisecond,
		},
		Status:      domain.StrategyStatus(j.Status),
		Performance: domain.StrategyPerformance(j.Performance),
		StartTime:   j.StartTime,
		EndTime:     j.EndTime,
		LastUpdate:  j.LastUpdate,
	}
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}
	for _, o := range j.Orders {
		out.Orders = append(out.Orders, domain.Order(o))
	}
	for _, t := range j.Trades {
		out.Trades = append(out.Trades, domain.Trade(t))
	}
	for _, e := range j.Errors {
		out.Errors = append(out.Errors, domain.ExecutionError(e))
	}
	return out
}

type resourcesJSON struct {
	CPUPercent          float64 `json:"cpu_percent"`
	MemoryUsedMB        float64 `json:"memory_used_mb"`
	MemoryLimitMB       float64 `json:"memory_limit_mb"`
	NetworkInMbps       float64 `json:"network_in_mbps"`
	NetworkOutMbps      float64 `json:"network_out_mbps"`
	NetworkCapacityMbps float64 `json:"network_capacity_mbps"`
	DiskPercent         float64 `json:"disk_percent"`
}

type instancePerfJSON struct {
	UptimeSeconds int64   `json:"uptime_seconds"`
	TotalTrades   int64   `json:"total_trades"`
	TotalVolume   float64 `json:"total_volume"`
	TotalPnL      float64 `json:"total_pnl"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

type strategyRefJSON struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	PnL  float64 `json:"pnl"`
}

type instanceJSON struct {
	ID            string            `json:"id"`
	Exchange      string            `json:"exchange"`
	Status        string            `json:"status"`
	Resources     resourcesJSON     `json:"resources"`
	Performance   instancePerfJSON  `json:"performance"`
	HealthScore   float64           `json:"health_score"`
	MaxStrategies int               `json:"max_strategies"`
	Strategies    []strategyRefJSON `json:"strategies"`
	LastSeen      time.Time         `json:"last_seen"`
}

func (j instanceJSON) toDomain() domain.Instance {
	out := domain.Instance{
		ID:            j.ID,
		Exchange:      j.Exchange,
		Status:        domain.InstanceStatus(j.Status),
		Resources:     domain.ResourceUsage(j.Resources),
		Performance:   domain.InstancePerformance(j.Performance),
		HealthScore:   j.HealthScore,
		MaxStrategies: j.MaxStrategies,
		LastSeen:      j.LastSeen,
	}
	for _, s := range j.Strategies {
		out.Strategies = append(out.Strategies, domain.StrategyRef{
			ID: s.ID, Type: domain.StrategyType(s.Type), PnL: s.PnL,
		})
	}
	return out
}

type connectionJSON struct {
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	APIVersion string    `json:"api_version"`
	LastPing   time.Time `json:"last_ping"`
}

type conditionsJSON struct {
	Volatility float64 `json:"volatility"`
	Volume24h  float64 `json:"volume_24h"`
	SpreadPct  float64 `json:"spread_pct"`
}

type signalJSON struct {
	ID        string            `json:"id"`
	Exchange  string            `json:"exchange"`
	Pair      string            `json:"pair"`
	Side      string            `json:"side"`
	Price     float64           `json:"price"`
	Size      float64           `json:"size"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type executionJSON struct {
	OrderID     string    `json:"order_id"`
	Status      string    `json:"status"`
	FilledPrice float64   `json:"filled_price"`
	FilledSize  float64   `json:"filled_size"`
	Message     string    `json:"message,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

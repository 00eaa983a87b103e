package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// Allocation is one asset's share of the aggregate portfolio.
type Allocation struct {
	Asset      string  `json:"asset"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price"`
	Value      float64 `json:"value"`
	CurrentPct float64 `json:"current_pct"`
	TargetPct  float64 `json:"target_pct"`
}

// RebalanceOrder is a corrective order deployed as a portfolio_rebalance
// strategy.
type RebalanceOrder struct {
	Asset      string  `json:"asset"`
	Exchange   string  `json:"exchange"`
	Pair       string  `json:"pair"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	StrategyID string  `json:"strategy_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RebalancePlan is the outcome of one portfolio rebalance.
type RebalancePlan struct {
	TotalValue  float64          `json:"total_value"`
	QuoteAsset  string           `json:"quote_asset"`
	Allocations []Allocation     `json:"allocations"`
	Orders      []RebalanceOrder `json:"orders"`
}

type holding struct {
	total  decimal.Decimal
	byExch map[string]decimal.Decimal
	price  decimal.Decimal
}

// RebalancePortfolio values every healthy exchange's balances in the quote
// asset and deploys corrective orders for target assets whose share deviates
// from its target by more than RebalanceThresholdPct. Order sizes are
// clamped to [MinOrderSize, MaxOrderSize].
func (c *Coordinator) RebalancePortfolio(ctx context.Context, targets map[string]float64) (RebalancePlan, error) {
	cfg := *c.cfg.Load()
	quote := cfg.QuoteAsset
	plan := RebalancePlan{QuoteAsset: quote}

	exchanges := c.healthyExchanges()
	if len(exchanges) == 0 {
		return plan, fmt.Errorf("coordinator: rebalance portfolio: %w", domain.ErrExchangeUnavailable)
	}

	balances, err := c.fetchBalances(ctx, exchanges)
	if err != nil {
		return plan, err
	}

	holdings := make(map[string]*holding)
	for ex, bal := range balances {
		for asset, amount := range bal {
			h, ok := holdings[asset]
			if !ok {
				h = &holding{byExch: make(map[string]decimal.Decimal)}
				holdings[asset] = h
			}
			d := decimal.NewFromFloat(amount)
			h.total = h.total.Add(d)
			h.byExch[ex] = h.byExch[ex].Add(d)
		}
	}
	for asset := range targets {
		if _, ok := holdings[asset]; !ok {
			holdings[asset] = &holding{byExch: make(map[string]decimal.Decimal)}
		}
	}

	total := decimal.Zero
	for asset, h := range holdings {
		if asset == quote {
			h.price = decimal.NewFromInt(1)
		} else {
			px, err := c.priceIn(ctx, exchanges, h, asset+"/"+quote)
			if err != nil {
				if _, targeted := targets[asset]; targeted {
					return plan, err
				}
				c.logger.DebugContext(ctx, "unpriced asset left out", slog.String("asset", asset))
				continue
			}
			h.price = px
		}
		total = total.Add(h.total.Mul(h.price))
	}
	plan.TotalValue = total.InexactFloat64()
	if !total.IsPositive() {
		return plan, nil
	}

	hundred := decimal.NewFromInt(100)
	threshold := decimal.NewFromFloat(cfg.RebalanceThresholdPct)
	assets := make([]string, 0, len(holdings))
	for asset := range holdings {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var errs []error
	for _, asset := range assets {
		h := holdings[asset]
		if h.price.IsZero() {
			continue
		}
		value := h.total.Mul(h.price)
		current := value.Div(total).Mul(hundred)
		targetPct, targeted := targets[asset]
		target := decimal.NewFromFloat(targetPct)
		plan.Allocations = append(plan.Allocations, Allocation{
			Asset:      asset,
			Amount:     h.total.InexactFloat64(),
			Price:      h.price.InexactFloat64(),
			Value:      value.InexactFloat64(),
			CurrentPct: current.Round(4).InexactFloat64(),
			TargetPct:  targetPct,
		})
		if !targeted || asset == quote {
			continue
		}

		deviation := current.Sub(target)
		if deviation.Abs().LessThanOrEqual(threshold) {
			continue
		}

		size := deviation.Abs().Div(hundred).Mul(total).Div(h.price)
		size = decimal.Max(size, decimal.NewFromFloat(cfg.MinOrderSize))
		if cfg.MaxOrderSize > 0 {
			size = decimal.Min(size, decimal.NewFromFloat(cfg.MaxOrderSize))
		}

		side := "buy"
		exchange := largest(holdings[quote], exchanges)
		if deviation.IsPositive() {
			side = "sell"
			exchange = largest(h, exchanges)
		}

		order := RebalanceOrder{
			Asset:    asset,
			Exchange: exchange,
			Pair:     asset + "/" + quote,
			Side:     side,
			Size:     size.Round(8).InexactFloat64(),
		}
		deployed, err := c.place(ctx, cfg, domain.StrategyExecution{
			Type:     domain.StrategyPortfolioRebalance,
			Exchange: exchange,
			Pair:     order.Pair,
			Parameters: map[string]any{
				"asset":       asset,
				"amount":      order.Size,
				"target_pct":  targetPct,
				"current_pct": current.Round(4).InexactFloat64(),
			},
			Settings: domain.ExecutionSettings{Side: side},
			Status:   domain.StrategyPending,
		})
		if err != nil {
			order.Error = err.Error()
			errs = append(errs, fmt.Errorf("coordinator: rebalance %s: %w", asset, err))
		} else {
			order.StrategyID = deployed.ID
		}
		plan.Orders = append(plan.Orders, order)
	}

	c.logger.InfoContext(ctx, "portfolio rebalanced",
		slog.Float64("total_value", plan.TotalValue),
		slog.Int("orders", len(plan.Orders)),
	)
	c.emitter.Emit(ctx, source, events.PortfolioRebalance, map[string]any{
		"total_value": plan.TotalValue,
		"quote_asset": quote,
		"orders":      plan.Orders,
	})
	return plan, errors.Join(errs...)
}

func (c *Coordinator) fetchBalances(ctx context.Context, exchanges []string) (map[string]map[string]float64, error) {
	var mu sync.Mutex
	out := make(map[string]map[string]float64, len(exchanges))
	g, gctx := errgroup.WithContext(ctx)
	for _, ex := range exchanges {
		g.Go(func() error {
			bal, err := c.engine.GetBalances(gctx, ex)
			if err != nil {
				return fmt.Errorf("coordinator: balances on %s: %w", ex, err)
			}
			mu.Lock()
			out[ex] = bal
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// priceIn prices pair on the exchange holding the most of the asset, then on
// the remaining exchanges in order.
func (c *Coordinator) priceIn(ctx context.Context, exchanges []string, h *holding, pair string) (decimal.Decimal, error) {
	first := largest(h, exchanges)
	order := []string{first}
	for _, ex := range exchanges {
		if ex != first {
			order = append(order, ex)
		}
	}
	var errs []error
	for _, ex := range order {
		px, err := c.engine.GetPrice(ctx, ex, pair)
		if err == nil && px > 0 {
			return decimal.NewFromFloat(px), nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		errs = append(errs, domain.ErrNotFound)
	}
	return decimal.Zero, fmt.Errorf("coordinator: price %s: %w", pair, errors.Join(errs...))
}

// largest returns the exchange holding the most of h, or the first exchange.
func largest(h *holding, exchanges []string) string {
	best := exchanges[0]
	if h == nil {
		return best
	}
	bestAmt := decimal.Zero
	for _, ex := range exchanges {
		if amt := h.byExch[ex]; amt.GreaterThan(bestAmt) {
			best, bestAmt = ex, amt
		}
	}
	return best
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

const maxRecentOpportunities = 100

// DetectArbitrageOpportunities compares every configured pair across every
// healthy exchange and returns the price gaps whose profit clears
// MinProfitPct, best first.
func (c *Coordinator) DetectArbitrageOpportunities(ctx context.Context) ([]domain.ArbitrageOpportunity, error) {
	cfg := *c.cfg.Load()
	exchanges := c.healthyExchanges()
	if len(exchanges) < 2 || len(cfg.ArbitragePairs) == 0 {
		return nil, nil
	}

	var opps []domain.ArbitrageOpportunity
	var errs []error
	for _, pair := range cfg.ArbitragePairs {
		prices, err := c.fetchPrices(ctx, pair, exchanges)
		if err != nil {
			errs = append(errs, err)
		}
		for i := 0; i < len(exchanges); i++ {
			for j := i + 1; j < len(exchanges); j++ {
				a, b := exchanges[i], exchanges[j]
				pa, okA := prices[a]
				pb, okB := prices[b]
				if !okA || !okB {
					continue
				}
				buy, sell, buyPx, sellPx := a, b, pa, pb
				if pb < pa {
					buy, sell, buyPx, sellPx = b, a, pb, pa
				}
				profit := domain.ProfitPct(buyPx, sellPx)
				if profit <= cfg.MinProfitPct {
					continue
				}
				opps = append(opps, domain.ArbitrageOpportunity{
					ID:              uuid.NewString(),
					Pair:            pair,
					BuyExchange:     buy,
					SellExchange:    sell,
					BuyPrice:        buyPx,
					SellPrice:       sellPx,
					ProfitPct:       profit,
					EstimatedProfit: cfg.ArbitrageOrderSize * (sellPx - buyPx),
					DetectedAt:      c.now(),
					Status:          domain.OpportunityDetected,
				})
			}
		}
	}
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].ProfitPct > opps[j].ProfitPct })

	for _, opp := range opps {
		c.logger.InfoContext(ctx, "arbitrage detected",
			slog.String("opp_id", opp.ID),
			slog.String("pair", opp.Pair),
			slog.String("buy", opp.BuyExchange),
			slog.String("sell", opp.SellExchange),
			slog.Float64("profit_pct", opp.ProfitPct),
		)
		c.emitter.Emit(ctx, source, events.ArbitrageDetected, opportunityData(opp))
		if c.arbs != nil {
			if err := c.arbs.Insert(ctx, opp); err != nil {
				c.logger.WarnContext(ctx, "arbitrage insert failed",
					slog.String("opp_id", opp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	c.remember(opps)
	return opps, errors.Join(errs...)
}

// fetchPrices reads pair on every exchange concurrently. Exchanges that fail
// are left out of the result.
func (c *Coordinator) fetchPrices(ctx context.Context, pair string, exchanges []string) (map[string]float64, error) {
	var (
		mu     sync.Mutex
		prices = make(map[string]float64, len(exchanges))
		errs   []error
	)
	var g errgroup.Group
	for _, ex := range exchanges {
		g.Go(func() error {
			p, err := c.engine.GetPrice(ctx, ex, pair)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("coordinator: price %s on %s: %w", pair, ex, err))
				return nil
			}
			if p > 0 {
				prices[ex] = p
			}
			return nil
		})
	}
	_ = g.Wait()
	return prices, errors.Join(errs...)
}

// ExecuteArbitrage re-reads both prices and, if the gap still clears
// MinProfitPct, deploys a buy leg and a sell leg. The returned record is a
// synthetic arbitrage execution that embeds the refreshed opportunity.
func (c *Coordinator) ExecuteArbitrage(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.StrategyExecution, error) {
	cfg := *c.cfg.Load()

	var buyPx, sellPx float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		buyPx, err = c.engine.GetPrice(gctx, opp.BuyExchange, opp.Pair)
		return err
	})
	g.Go(func() (err error) {
		sellPx, err = c.engine.GetPrice(gctx, opp.SellExchange, opp.Pair)
		return err
	})
	if err := g.Wait(); err != nil {
		c.setOpportunityStatus(ctx, opp.ID, domain.OpportunityFailed)
		return domain.StrategyExecution{}, fmt.Errorf("coordinator: execute arbitrage %s: refresh prices: %w", opp.ID, err)
	}

	profit := domain.ProfitPct(buyPx, sellPx)
	if profit <= cfg.MinProfitPct {
		c.setOpportunityStatus(ctx, opp.ID, domain.OpportunityExpired)
		c.logger.InfoContext(ctx, "arbitrage no longer valid",
			slog.String("opp_id", opp.ID),
			slog.Float64("detected_profit_pct", opp.ProfitPct),
			slog.Float64("profit_pct", profit),
		)
		return domain.StrategyExecution{}, fmt.Errorf("coordinator: execute arbitrage %s: %w", opp.ID, domain.ErrOpportunityNoLongerValid)
	}

	opp.BuyPrice, opp.SellPrice, opp.ProfitPct = buyPx, sellPx, profit
	opp.EstimatedProfit = cfg.ArbitrageOrderSize * (sellPx - buyPx)
	opp.Status = domain.OpportunityExecuting
	c.setOpportunityStatus(ctx, opp.ID, domain.OpportunityExecuting)

	legs := []domain.StrategyExecution{
		arbitrageLeg(cfg, opp, "buy", opp.BuyExchange, buyPx),
		arbitrageLeg(cfg, opp, "sell", opp.SellExchange, sellPx),
	}
	group, err := c.CoordinateStrategies(ctx, legs)
	if err != nil {
		c.setOpportunityStatus(ctx, opp.ID, domain.OpportunityFailed)
		return domain.StrategyExecution{}, fmt.Errorf("coordinator: execute arbitrage %s: %w", opp.ID, err)
	}

	opp.Status = domain.OpportunityExecuted
	c.setOpportunityStatus(ctx, opp.ID, domain.OpportunityExecuted)

	now := c.now()
	record := domain.StrategyExecution{
		ID:       uuid.NewString(),
		Type:     domain.StrategyArbitrage,
		Exchange: opp.BuyExchange + "/" + opp.SellExchange,
		Pair:     opp.Pair,
		Parameters: map[string]any{
			"group_id":         group.ID,
			"buy_strategy_id":  group.Strategies[0].ID,
			"sell_strategy_id": group.Strategies[1].ID,
			"min_profit_pct":   cfg.MinProfitPct,
			"order_size":       cfg.ArbitrageOrderSize,
		},
		Status:     domain.StrategyActive,
		StartTime:  now,
		LastUpdate: now,
		Arbitrage:  &opp,
	}

	c.logger.InfoContext(ctx, "arbitrage executed",
		slog.String("opp_id", opp.ID),
		slog.String("group_id", group.ID),
		slog.Float64("profit_pct", profit),
	)
	data := opportunityData(opp)
	data["group_id"] = group.ID
	c.emitter.Emit(ctx, source, events.ArbitrageExecuted, data)
	c.auditLog(ctx, events.ArbitrageExecuted, data)
	return record, nil
}

func arbitrageLeg(cfg Config, opp domain.ArbitrageOpportunity, side, exchange string, price float64) domain.StrategyExecution {
	return domain.StrategyExecution{
		Type:     domain.StrategyArbitrage,
		Exchange: exchange,
		Pair:     opp.Pair,
		Parameters: map[string]any{
			"min_profit_pct": cfg.MinProfitPct,
			"order_size":     cfg.ArbitrageOrderSize,
			"price":          price,
			"opportunity_id": opp.ID,
		},
		Settings: domain.ExecutionSettings{Side: side},
		Status:   domain.StrategyPending,
	}
}

func (c *Coordinator) setOpportunityStatus(ctx context.Context, id string, status domain.OpportunityStatus) {
	c.mu.Lock()
	for i := range c.recent {
		if c.recent[i].ID == id {
			c.recent[i].Status = status
		}
	}
	c.mu.Unlock()

	if c.arbs == nil || id == "" {
		return
	}
	if err := c.arbs.UpdateStatus(ctx, id, status); err != nil {
		c.logger.WarnContext(ctx, "arbitrage status update failed",
			slog.String("opp_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) remember(opps []domain.ArbitrageOpportunity) {
	if len(opps) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, opps...)
	if n := len(c.recent); n > maxRecentOpportunities {
		c.recent = append([]domain.ArbitrageOpportunity(nil), c.recent[n-maxRecentOpportunities:]...)
	}
}

// RecentOpportunities returns the latest detected opportunities, oldest
// first.
func (c *Coordinator) RecentOpportunities() []domain.ArbitrageOpportunity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.ArbitrageOpportunity(nil), c.recent...)
}

func (c *Coordinator) healthyExchanges() []string {
	var out []string
	for _, ex := range c.exchanges {
		if c.health.IsHealthy(ex) {
			out = append(out, ex)
		}
	}
	return out
}

func opportunityData(opp domain.ArbitrageOpportunity) map[string]any {
	return map[string]any{
		"opp_id":           opp.ID,
		"pair":             opp.Pair,
		"buy_exchange":     opp.BuyExchange,
		"sell_exchange":    opp.SellExchange,
		"buy_price":        opp.BuyPrice,
		"sell_price":       opp.SellPrice,
		"profit_pct":       opp.ProfitPct,
		"estimated_profit": opp.EstimatedProfit,
	}
}

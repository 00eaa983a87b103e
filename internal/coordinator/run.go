package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Run drives the periodic coordinator work until ctx is cancelled. A zero
// interval disables its loop. Intervals changed through UpdateConfig take
// effect after the next tick of any loop.
func (c *Coordinator) Run(ctx context.Context) error {
	cfg := *c.cfg.Load()

	detect := tick(cfg.DetectInterval)
	adjust := tick(cfg.AdjustInterval)
	portfolio := tick(cfg.PortfolioInterval)
	emergency := tick(cfg.EmergencyInterval)
	rebalance := tick(cfg.RebalanceInterval)
	defer stopTickers(detect, adjust, portfolio, emergency, rebalance)

	c.logger.InfoContext(ctx, "coordinator started")
	defer c.logger.InfoContext(ctx, "coordinator stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-emergency.C():
			if _, err := c.CheckEmergencyConditions(ctx); err != nil {
				c.warn(ctx, "emergency check failed", err)
			}
		case <-detect.C():
			c.detectCycle(ctx)
		case <-adjust.C():
			if _, err := c.AdjustStrategiesForMarketConditions(ctx); err != nil {
				c.warn(ctx, "market adjustment failed", err)
			}
		case <-portfolio.C():
			targets := c.Config().PortfolioTargets
			if len(targets) > 0 {
				if _, err := c.RebalancePortfolio(ctx, targets); err != nil {
					c.warn(ctx, "portfolio rebalance failed", err)
				}
			}
		case <-rebalance.C():
			if _, err := c.RebalanceLoad(ctx); err != nil {
				c.warn(ctx, "load rebalance failed", err)
			}
		}

		cfg = *c.cfg.Load()
		detect.set(cfg.DetectInterval)
		adjust.set(cfg.AdjustInterval)
		portfolio.set(cfg.PortfolioInterval)
		emergency.set(cfg.EmergencyInterval)
		rebalance.set(cfg.RebalanceInterval)
	}
}

func (c *Coordinator) detectCycle(ctx context.Context) {
	opps, err := c.DetectArbitrageOpportunities(ctx)
	if err != nil {
		c.warn(ctx, "arbitrage detection incomplete", err)
	}
	if !c.Config().AutoExecuteArbitrage {
		return
	}
	for _, opp := range opps {
		if _, err := c.ExecuteArbitrage(ctx, opp); err != nil {
			if errors.Is(err, domain.ErrOpportunityNoLongerValid) {
				continue
			}
			c.warn(ctx, "arbitrage execution failed", err)
		}
	}
}

func (c *Coordinator) warn(ctx context.Context, msg string, err error) {
	c.logger.WarnContext(ctx, msg, slog.String("error", err.Error()))
}

// ticker wraps time.Ticker so a disabled loop has a channel that never fires.
type ticker struct {
	t *time.Ticker
	d time.Duration
}

func tick(d time.Duration) *ticker {
	t := &ticker{}
	t.set(d)
	return t
}

// set changes the period. Zero or negative disables the ticker.
func (t *ticker) set(d time.Duration) {
	d = max(d, 0)
	if d == t.d {
		return
	}
	t.d = d
	switch {
	case d == 0:
		t.t.Stop()
		t.t = nil
	case t.t == nil:
		t.t = time.NewTicker(d)
	default:
		t.t.Reset(d)
	}
}

func (t *ticker) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func stopTickers(ts ...*ticker) {
	for _, t := range ts {
		if t.t != nil {
			t.t.Stop()
		}
	}
}

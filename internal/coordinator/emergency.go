package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// CheckEmergencyConditions stops everything when the net unrealized PnL of
// all active strategies is a loss larger than MaxUnrealizedLoss. Every
// strategy is stopped, every open group is closed and emergency-stop is
// emitted. It reports whether the stop fired.
func (c *Coordinator) CheckEmergencyConditions(ctx context.Context) (bool, error) {
	cfg := *c.cfg.Load()
	if cfg.MaxUnrealizedLoss <= 0 {
		return false, nil
	}

	active, err := c.engine.ListActiveStrategies(ctx)
	if err != nil {
		return false, fmt.Errorf("coordinator: emergency check: %w", err)
	}
	var pnl float64
	for _, s := range active {
		pnl += s.Performance.UnrealizedPnL
	}
	loss := -pnl
	if loss <= cfg.MaxUnrealizedLoss {
		return false, nil
	}

	c.logger.ErrorContext(ctx, "emergency stop",
		slog.Float64("unrealized_loss", loss),
		slog.Float64("limit", cfg.MaxUnrealizedLoss),
		slog.Int("strategies", len(active)),
	)

	var errs []error
	stopped := make(map[string]bool, len(active))
	for _, s := range active {
		if err := c.engine.StopStrategy(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: emergency stop %s: %w", s.ID, err))
			continue
		}
		stopped[s.ID] = true
	}

	closed := 0
	for _, g := range c.Groups() {
		if g.Status == domain.GroupClosed {
			continue
		}
		for i := range g.Strategies {
			s := &g.Strategies[i]
			if !stopped[s.ID] && s.Status == domain.StrategyActive {
				if err := c.engine.StopStrategy(ctx, s.ID); err != nil {
					errs = append(errs, fmt.Errorf("coordinator: emergency stop %s: %w", s.ID, err))
					continue
				}
			}
			s.Status = domain.StrategyEmergencyStopped
		}
		c.closeGroup(ctx, g, "emergency_stop")
		closed++
	}

	data := map[string]any{
		"unrealized_loss": loss,
		"limit":           cfg.MaxUnrealizedLoss,
		"stopped":         len(stopped),
		"groups_closed":   closed,
	}
	c.emitter.Emit(ctx, source, events.EmergencyStop, data)
	c.auditLog(ctx, events.EmergencyStop, data)

	if err := errors.Join(errs...); err != nil {
		return true, fmt.Errorf("%w: %w", domain.ErrEmergencyStop, err)
	}
	return true, nil
}

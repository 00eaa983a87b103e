// Package executor takes trading signals off the signal bus and executes them
// through the failover controller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/failover"
)

// Bus channels.
const (
	SignalChannel    = "stratfleet:signals"
	ExecutionChannel = "stratfleet:executions"
)

// Skip reasons reported by Handle.
var (
	ErrMissingID = errors.New("signal has no id")
	ErrDuplicate = errors.New("duplicate signal")
	ErrStale     = errors.New("signal too old")
)

// Executor is the failover controller as seen by the consumer.
type Executor interface {
	ExecuteWithFailover(ctx context.Context, sig domain.TradingSignal) failover.Result
}

// Config tunes the consumer.
type Config struct {
	DedupTTL time.Duration
	MaxAge   time.Duration // 0 accepts any age
	Workers  int
}

// DefaultConfig returns the default consumer settings.
func DefaultConfig() Config {
	return Config{DedupTTL: 2 * time.Minute, MaxAge: 30 * time.Second, Workers: 4}
}

type wireSignal struct {
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

// Report is published on ExecutionChannel for every executed signal.
type Report struct {
	SignalID        string    `json:"signal_id"`
	Success         bool      `json:"success"`
	ExecutionMethod string    `json:"execution_method"`
	FailedOver      bool      `json:"failed_over"`
	OrderID         string    `json:"order_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	FilledPrice     float64   `json:"filled_price,omitempty"`
	FilledSize      float64   `json:"filled_size,omitempty"`
	Error           string    `json:"error,omitempty"`
	ReportedAt      time.Time `json:"reported_at"`
}

// Consumer reads signals from the bus and executes them.
type Consumer struct {
	exec   Executor
	bus    domain.SignalBus
	cfg    Config
	dedup  *Dedup
	now    func() time.Time
	logger *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(exec Executor, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Consumer{
		exec:   exec,
		bus:    bus,
		cfg:    cfg,
		dedup:  NewDedup(cfg.DedupTTL),
		now:    time.Now,
		logger: logger.With(slog.String("component", "signal_consumer")),
	}
}

// Run subscribes to SignalChannel and executes signals on cfg.Workers
// goroutines until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.bus.Subscribe(ctx, SignalChannel)
	if err != nil {
		return fmt.Errorf("executor: subscribe: %w", err)
	}
	c.logger.InfoContext(ctx, "consuming signals",
		slog.String("channel", SignalChannel),
		slog.Int("workers", c.cfg.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for range c.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case payload, ok := <-msgs:
					if !ok {
						return nil
					}
					c.handle(gctx, payload)
				}
			}
		})
	}
	g.Go(func() error {
		t := time.NewTicker(c.cfg.DedupTTL)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				c.dedup.Cleanup()
			}
		}
	})
	_ = g.Wait()
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, payload []byte) {
	rep, err := c.Handle(ctx, payload)
	switch {
	case errors.Is(err, ErrDuplicate):
		c.logger.DebugContext(ctx, "duplicate signal ignored", slog.String("signal_id", rep.SignalID))
	case err != nil:
		c.logger.WarnContext(ctx, "signal dropped",
			slog.String("signal_id", rep.SignalID),
			slog.String("error", err.Error()),
		)
	}
}

// Handle decodes and executes one payload. A non-nil error means the signal
// was not executed; execution failures are reported in the Report instead.
func (c *Consumer) Handle(ctx context.Context, payload []byte) (Report, error) {
	var ws wireSignal
	if err := sonic.Unmarshal(payload, &ws); err != nil {
		return Report{}, fmt.Errorf("executor: decode signal: %w", err)
	}
	rep := Report{SignalID: ws.ID}
	if ws.ID == "" {
		return rep, ErrMissingID
	}
	if c.cfg.MaxAge > 0 && !ws.CreatedAt.IsZero() && c.now().Sub(ws.CreatedAt) > c.cfg.MaxAge {
		return rep, ErrStale
	}
	if !c.dedup.Claim(ws.ID) {
		return rep, ErrDuplicate
	}

	res := c.exec.ExecuteWithFailover(ctx, domain.TradingSignal(ws))
	if !res.Success {
		// Nothing was placed; a republished copy should run.
		c.dedup.Release(ws.ID)
	}
	rep.Success = res.Success
	rep.ExecutionMethod = res.ExecutionMethod
	rep.FailedOver = res.FailedOver
	rep.OrderID = res.Execution.OrderID
	rep.Status = res.Execution.Status
	rep.FilledPrice = res.Execution.FilledPrice
	rep.FilledSize = res.Execution.FilledSize
	rep.ReportedAt = c.now().UTC()
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}

	c.logger.InfoContext(ctx, "signal executed",
		slog.String("signal_id", ws.ID),
		slog.String("method", res.ExecutionMethod),
		slog.Bool("success", res.Success),
	)
	c.publish(ctx, rep)
	return rep, nil
}

func (c *Consumer) publish(ctx context.Context, rep Report) {
	data, err := sonic.Marshal(rep)
	if err != nil {
		c.logger.WarnContext(ctx, "report not encodable", slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Publish(ctx, ExecutionChannel, data); err != nil {
		c.logger.WarnContext(ctx, "report not published",
			slog.String("signal_id", rep.SignalID),
			slog.String("error", err.Error()),
		)
	}
}

package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Executor fakes both execution paths. Err fails every ExecuteSignal call,
// Block makes calls wait for the context, and PingErr fails Ping.
type Executor struct {
	Name string

	mu      sync.Mutex
	err     error
	pingErr error
	block   bool

	calls atomic.Int64
	pings atomic.Int64
}

var (
	_ domain.ManagedExecutor = (*Executor)(nil)
	_ domain.DirectExecutor  = (*Executor)(nil)
)

// NewExecutor returns a succeeding executor named name.
func NewExecutor(name string) *Executor {
	return &Executor{Name: name}
}

// SetErr makes ExecuteSignal fail with err (nil clears it).
func (x *Executor) SetErr(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.err = err
}

// SetPingErr makes Ping fail with err (nil clears it).
func (x *Executor) SetPingErr(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pingErr = err
}

// SetBlock makes ExecuteSignal hang until its context ends.
func (x *Executor) SetBlock(b bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.block = b
}

// Calls returns how many signals were submitted.
func (x *Executor) Calls() int64 { return x.calls.Load() }

// Pings returns how many pings were received.
func (x *Executor) Pings() int64 { return x.pings.Load() }

func (x *Executor) ExecuteSignal(ctx context.Context, sig domain.TradingSignal) (domain.ExecutionResult, error) {
	x.calls.Add(1)
	x.mu.Lock()
	err, block := x.err, x.block
	x.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	}
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return domain.ExecutionResult{
		OrderID:     x.Name + "-" + sig.ID,
		Status:      "filled",
		FilledPrice: sig.Price,
		FilledSize:  sig.Size,
		ExecutedAt:  time.Now().UTC(),
	}, nil
}

func (x *Executor) Ping(context.Context) error {
	x.pings.Add(1)
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pingErr
}

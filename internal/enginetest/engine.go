// Package enginetest provides in-memory fakes of the execution engine
// boundary for use in tests.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Deployment records one DeployStrategy call.
type Deployment struct {
	InstanceID string
	Spec       domain.StrategyExecution
}

// Engine is a thread-safe fake of domain.ExecutionEngine. Zero values of
// the hook fields mean "succeed".
type Engine struct {
	mu sync.Mutex

	strategies  map[string]domain.StrategyExecution
	instances   map[string][]domain.Instance
	prices      map[string]float64
	balances    map[string]map[string]float64
	conditions  map[string]domain.MarketConditions
	pingLatency map[string]time.Duration
	pingErr     map[string]error
	nextID      int

	// ConnectFunc answers Connect. Nil returns a valid connection.
	ConnectFunc func(ctx context.Context, instanceID string) (*domain.Connection, error)
	// DeployFunc may fail a deployment before it is recorded.
	DeployFunc func(instanceID string, spec domain.StrategyExecution) error
	// StopFunc runs before a stop is recorded, outside the engine lock, so
	// it may block.
	StopFunc   func(id string) error
	ListErr    error
	UpdateErr  error
	ReplaceErr error
	PriceErr   error

	Deployments []Deployment
	Stopped     []string
	Updates     map[string]map[string]any
	Replaced    []domain.StrategyExecution
	Leverage    map[string]int
	MarginModes map[string]string
	PosModes    map[string]string
	PriceCalls  int
}

var _ domain.ExecutionEngine = (*Engine)(nil)

// NewEngine returns an empty fake engine.
func NewEngine() *Engine {
	return &Engine{
		strategies:  make(map[string]domain.StrategyExecution),
		instances:   make(map[string][]domain.Instance),
		prices:      make(map[string]float64),
		balances:    make(map[string]map[string]float64),
		conditions:  make(map[string]domain.MarketConditions),
		pingLatency: make(map[string]time.Duration),
		pingErr:     make(map[string]error),
		Updates:     make(map[string]map[string]any),
		Leverage:    make(map[string]int),
		MarginModes: make(map[string]string),
		PosModes:    make(map[string]string),
	}
}

func key(exchange, pair string) string { return exchange + "|" + pair }

// AddStrategy stores a remote strategy record.
func (e *Engine) AddStrategy(s domain.StrategyExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[s.ID] = s.Clone()
}

// RemoveStrategy deletes a remote strategy record.
func (e *Engine) RemoveStrategy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.strategies, id)
}

// Strategy returns the stored record and whether it exists.
func (e *Engine) Strategy(id string) (domain.StrategyExecution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	return s.Clone(), ok
}

// AddInstance registers an instance under its exchange.
func (e *Engine) AddInstance(inst domain.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[inst.Exchange] = append(e.instances[inst.Exchange], inst.Clone())
}

// SetPrice sets the price returned for exchange/pair.
func (e *Engine) SetPrice(exchange, pair string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[key(exchange, pair)] = price
}

// SetBalances sets per-asset balances for an exchange.
func (e *Engine) SetBalances(exchange string, bal map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[exchange] = bal
}

// SetConditions sets market conditions for exchange/pair.
func (e *Engine) SetConditions(exchange, pair string, mc domain.MarketConditions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions[key(exchange, pair)] = mc
}

// SetPing sets the ping outcome for an exchange.
func (e *Engine) SetPing(exchange string, latency time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pingLatency[exchange] = latency
	e.pingErr[exchange] = err
}

// DeploymentCount returns how many strategies were deployed.
func (e *Engine) DeploymentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Deployments)
}

// StoppedIDs returns a copy of the stopped strategy ids.
func (e *Engine) StoppedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Stopped...)
}

func (e *Engine) ListActiveStrategies(_ context.Context) ([]domain.StrategyExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ListErr != nil {
		return nil, e.ListErr
	}
	out := make([]domain.StrategyExecution, 0, len(e.strategies))
	for _, s := range e.strategies {
		if s.Status == domain.StrategyActive {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) GetStrategy(_ context.Context, id string) (domain.StrategyExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	if !ok {
		return domain.StrategyExecution{}, fmt.Errorf("enginetest: strategy %s: %w", id, domain.ErrNotFound)
	}
	return s.Clone(), nil
}

func (e *Engine) DeployStrategy(_ context.Context, instanceID string, spec domain.StrategyExecution) (domain.StrategyExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.DeployFunc != nil {
		if err := e.DeployFunc(instanceID, spec); err != nil {
			return domain.StrategyExecution{}, err
		}
	}
	e.nextID++
	out := spec.Clone()
	if out.ID == "" {
		out.ID = fmt.Sprintf("strat-%d", e.nextID)
	}
	out.InstanceID = instanceID
	out.Status = domain.StrategyActive
	if out.StartTime.IsZero() {
		out.StartTime = time.Now().UTC()
	}
	out.LastUpdate = time.Now().UTC()
	e.strategies[out.ID] = out.Clone()
	e.Deployments = append(e.Deployments, Deployment{InstanceID: instanceID, Spec: out.Clone()})
	return out, nil
}

func (e *Engine) UpdateStrategy(_ context.Context, id string, params map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.UpdateErr != nil {
		return e.UpdateErr
	}
	e.Updates[id] = domain.CloneParams(params)
	if s, ok := e.strategies[id]; ok {
		if s.Parameters == nil {
			s.Parameters = map[string]any{}
		}
		for k, v := range params {
			s.Parameters[k] = v
		}
		e.strategies[id] = s
	}
	return nil
}

func (e *Engine) ReplaceStrategy(_ context.Context, s domain.StrategyExecution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ReplaceErr != nil {
		return e.ReplaceErr
	}
	e.Replaced = append(e.Replaced, s.Clone())
	e.strategies[s.ID] = s.Clone()
	return nil
}

func (e *Engine) StopStrategy(_ context.Context, id string) error {
	if e.StopFunc != nil {
		if err := e.StopFunc(id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Stopped = append(e.Stopped, id)
	if s, ok := e.strategies[id]; ok {
		s.Status = domain.StrategyStopped
		e.strategies[id] = s
	}
	return nil
}

func (e *Engine) ListInstances(_ context.Context, exchange string) ([]domain.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.instances[exchange]
	out := make([]domain.Instance, len(src))
	for i, inst := range src {
		out[i] = inst.Clone()
	}
	return out, nil
}

func (e *Engine) Connect(ctx context.Context, instanceID string) (*domain.Connection, error) {
	if e.ConnectFunc != nil {
		return e.ConnectFunc(ctx, instanceID)
	}
	return &domain.Connection{
		InstanceID: instanceID,
		Status:     domain.ConnectionConnected,
		APIVersion: "v1",
		LastPing:   time.Now(),
	}, nil
}

func (e *Engine) Ping(_ context.Context, exchange string) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pingErr[exchange]; err != nil {
		return 0, err
	}
	return e.pingLatency[exchange], nil
}

func (e *Engine) GetBalances(_ context.Context, exchange string) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.balances[exchange]))
	for k, v := range e.balances[exchange] {
		out[k] = v
	}
	return out, nil
}

func (e *Engine) GetPrice(_ context.Context, exchange, pair string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PriceCalls++
	if e.PriceErr != nil {
		return 0, e.PriceErr
	}
	p, ok := e.prices[key(exchange, pair)]
	if !ok {
		return 0, fmt.Errorf("enginetest: price %s %s: %w", exchange, pair, domain.ErrNotFound)
	}
	return p, nil
}

func (e *Engine) GetMarketConditions(_ context.Context, exchange, pair string) (domain.MarketConditions, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mc, ok := e.conditions[key(exchange, pair)]
	if !ok {
		return domain.MarketConditions{}, fmt.Errorf("enginetest: conditions %s %s: %w", exchange, pair, domain.ErrNotFound)
	}
	return mc, nil
}

func (e *Engine) SetLeverage(_ context.Context, exchange, pair string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Leverage[key(exchange, pair)] = leverage
	return nil
}

func (e *Engine) SetMarginMode(_ context.Context, exchange, pair, mode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MarginModes[key(exchange, pair)] = mode
	return nil
}

func (e *Engine) SetPositionMode(_ context.Context, exchange, mode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PosModes[exchange] = mode
	return nil
}

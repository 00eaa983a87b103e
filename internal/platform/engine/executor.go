package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

func fromSignal(sig domain.TradingSignal) signalJSON {
	return signalJSON{
		ID:        sig.ID,
		Exchange:  sig.Exchange,
		Pair:      sig.Pair,
		Side:      sig.Side,
		Price:     sig.Price,
		Size:      sig.Size,
		Reason:    sig.Reason,
		Metadata:  sig.Metadata,
		CreatedAt: sig.CreatedAt,
	}
}

// Managed executes signals through the engine's managed execution path.
type Managed struct {
	c *Client
}

var _ domain.ManagedExecutor = (*Managed)(nil)

// NewManaged wraps the engine client.
func NewManaged(c *Client) *Managed { return &Managed{c: c} }

// ExecuteSignal submits sig to the engine.
func (m *Managed) ExecuteSignal(ctx context.Context, sig domain.TradingSignal) (domain.ExecutionResult, error) {
	var resp executionJSON
	if err := m.c.do(ctx, http.MethodPost, "/signals", fromSignal(sig), &resp); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("engine: execute signal %s: %w", sig.ID, err)
	}
	return domain.ExecutionResult(resp), nil
}

// Ping checks that the managed path answers.
func (m *Managed) Ping(ctx context.Context) error {
	if err := m.c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("engine: ping: %w", err)
	}
	return nil
}

// Direct places orders straight on the exchange gateway, bypassing the
// engine.
type Direct struct {
	baseURL    string
	signer     Signer
	httpClient *http.Client
}

var _ domain.DirectExecutor = (*Direct)(nil)

// NewDirect creates a direct executor for the gateway at baseURL.
func NewDirect(baseURL string, signer Signer, timeout time.Duration) *Direct {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Direct{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ExecuteSignal places sig as an order on its exchange.
func (d *Direct) ExecuteSignal(ctx context.Context, sig domain.TradingSignal) (domain.ExecutionResult, error) {
	var resp executionJSON
	if err := send(ctx, d.httpClient, d.signer, http.MethodPost, d.baseURL, "/orders", fromSignal(sig), &resp); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("engine: direct order %s: %w", sig.ID, err)
	}
	return domain.ExecutionResult(resp), nil
}

// Package engine is the REST client for the remote execution engines and the
// direct exchange gateway used during failover.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/alanyoungcy/stratfleet/internal/domain"
)

// Client talks to the engine API. One client fronts every instance.
type Client struct {
	baseURL    string
	signer     Signer
	httpClient *http.Client
}

var _ domain.ExecutionEngine = (*Client)(nil)

// NewClient creates a client for baseURL, e.g. "http://engine:8080/v1".
func NewClient(baseURL string, signer Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListActiveStrategies returns every active strategy across the fleet.
func (c *Client) ListActiveStrategies(ctx context.Context) ([]domain.StrategyExecution, error) {
	var resp struct {
		Strategies []strategyJSON `json:"strategies"`
	}
	if err := c.do(ctx, http.MethodGet, "/strategies?status=active", nil, &resp); err != nil {
		return nil, fmt.Errorf("engine: list strategies: %w", err)
	}
	out := make([]domain.StrategyExecution, 0, len(resp.Strategies))
	for _, s := range resp.Strategies {
		out = append(out, s.toDomain())
	}
	return out, nil
}

// GetStrategy returns one strategy by ID.
func (c *Client) GetStrategy(ctx context.Context, id string) (domain.StrategyExecution, error) {
	var resp strategyJSON
	if err := c.do(ctx, http.MethodGet, "/strategies/"+url.PathEscape(id), nil, &resp); err != nil {
		return domain.StrategyExecution{}, fmt.Errorf("engine: get strategy %s: %w", id, err)
	}
	return resp.toDomain(), nil
}

// DeployStrategy starts spec on the instance.
func (c *Client) DeployStrategy(ctx context.Context, instanceID string, spec domain.StrategyExecution) (domain.StrategyExecution, error) {
	var resp strategyJSON
	path := "/instances/" + url.PathEscape(instanceID) + "/strategies"
	if err := c.do(ctx, http.MethodPost, path, fromStrategy(spec), &resp); err != nil {
		return domain.StrategyExecution{}, fmt.Errorf("engine: deploy %s on %s: %w", spec.Type, instanceID, err)
	}
	return resp.toDomain(), nil
}

// UpdateStrategy merges params into the strategy's parameters.
func (c *Client) UpdateStrategy(ctx context.Context, id string, params map[string]any) error {
	body := map[string]any{"parameters": params}
	if err := c.do(ctx, http.MethodPatch, "/strategies/"+url.PathEscape(id)+"/parameters", body, nil); err != nil {
		return fmt.Errorf("engine: update strategy %s: %w", id, err)
	}
	return nil
}

// ReplaceStrategy overwrites the engine's record with s.
func (c *Client) ReplaceStrategy(ctx context.Context, s domain.StrategyExecution) error {
	if err := c.do(ctx, http.MethodPut, "/strategies/"+url.PathEscape(s.ID), fromStrategy(s), nil); err != nil {
		return fmt.Errorf("engine: replace strategy %s: %w", s.ID, err)
	}
	return nil
}

// StopStrategy stops a running strategy.
func (c *Client) StopStrategy(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/strategies/"+url.PathEscape(id)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("engine: stop strategy %s: %w", id, err)
	}
	return nil
}

// ListInstances returns the instances serving an exchange.
func (c *Client) ListInstances(ctx context.Context, exchange string) ([]domain.Instance, error) {
	var resp struct {
		Instances []instanceJSON `json:"instances"`
	}
	path := "/instances?exchange=" + url.QueryEscape(exchange)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("engine: list instances on %s: %w", exchange, err)
	}
	out := make([]domain.Instance, 0, len(resp.Instances))
	for _, in := range resp.Instances {
		out = append(out, in.toDomain())
	}
	return out, nil
}

// Connect opens a session with an instance.
func (c *Client) Connect(ctx context.Context, instanceID string) (*domain.Connection, error) {
	var resp connectionJSON
	if err := c.do(ctx, http.MethodPost, "/instances/"+url.PathEscape(instanceID)+"/connect", nil, &resp); err != nil {
		return nil, fmt.Errorf("engine: connect %s: %w", instanceID, err)
	}
	return &domain.Connection{
		InstanceID: resp.InstanceID,
		Status:     resp.Status,
		APIVersion: resp.APIVersion,
		LastPing:   resp.LastPing,
	}, nil
}

// Ping measures the round trip of the engine's exchange health probe.
func (c *Client) Ping(ctx context.Context, exchange string) (time.Duration, error) {
	start := time.Now()
	if err := c.do(ctx, http.MethodGet, "/exchanges/"+url.PathEscape(exchange)+"/ping", nil, nil); err != nil {
		return 0, fmt.Errorf("engine: ping %s: %w", exchange, err)
	}
	return time.Since(start), nil
}

// GetBalances returns asset balances held on an exchange.
func (c *Client) GetBalances(ctx context.Context, exchange string) (map[string]float64, error) {
	var resp struct {
		Balances map[string]float64 `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/exchanges/"+url.PathEscape(exchange)+"/balances", nil, &resp); err != nil {
		return nil, fmt.Errorf("engine: balances on %s: %w", exchange, err)
	}
	if resp.Balances == nil {
		resp.Balances = map[string]float64{}
	}
	return resp.Balances, nil
}

// GetPrice returns the last traded price of pair.
func (c *Client) GetPrice(ctx context.Context, exchange, pair string) (float64, error) {
	var resp struct {
		Price float64 `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, exchangePath(exchange, "ticker", pair), nil, &resp); err != nil {
		return 0, fmt.Errorf("engine: price %s on %s: %w", pair, exchange, err)
	}
	return resp.Price, nil
}

// GetMarketConditions returns volatility, volume and spread for pair.
func (c *Client) GetMarketConditions(ctx context.Context, exchange, pair string) (domain.MarketConditions, error) {
	var resp conditionsJSON
	if err := c.do(ctx, http.MethodGet, exchangePath(exchange, "conditions", pair), nil, &resp); err != nil {
		return domain.MarketConditions{}, fmt.Errorf("engine: conditions %s on %s: %w", pair, exchange, err)
	}
	return domain.MarketConditions(resp), nil
}

// SetLeverage sets futures leverage for pair.
func (c *Client) SetLeverage(ctx context.Context, exchange, pair string, leverage int) error {
	body := map[string]any{"pair": pair, "leverage": leverage}
	if err := c.do(ctx, http.MethodPost, "/exchanges/"+url.PathEscape(exchange)+"/leverage", body, nil); err != nil {
		return fmt.Errorf("engine: set leverage %s on %s: %w", pair, exchange, err)
	}
	return nil
}

// SetMarginMode sets cross or isolated margin for pair.
func (c *Client) SetMarginMode(ctx context.Context, exchange, pair, mode string) error {
	body := map[string]any{"pair": pair, "mode": mode}
	if err := c.do(ctx, http.MethodPost, "/exchanges/"+url.PathEscape(exchange)+"/margin-mode", body, nil); err != nil {
		return fmt.Errorf("engine: set margin mode %s on %s: %w", pair, exchange, err)
	}
	return nil
}

// SetPositionMode sets one-way or hedge mode for the account.
func (c *Client) SetPositionMode(ctx context.Context, exchange, mode string) error {
	body := map[string]any{"mode": mode}
	if err := c.do(ctx, http.MethodPost, "/exchanges/"+url.PathEscape(exchange)+"/position-mode", body, nil); err != nil {
		return fmt.Errorf("engine: set position mode on %s: %w", exchange, err)
	}
	return nil
}

func exchangePath(exchange, resource, pair string) string {
	return "/exchanges/" + url.PathEscape(exchange) + "/" + resource + "?pair=" + url.QueryEscape(pair)
}

// do sends a signed JSON request and decodes the response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	return send(ctx, c.httpClient, c.signer, method, c.baseURL, path, reqBody, out)
}

func send(ctx context.Context, hc *http.Client, signer Signer, method, baseURL, path string, reqBody, out any) error {
	var payload []byte
	if reqBody != nil {
		var err error
		if payload, err = sonic.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range signer.Headers(method, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx responses onto the domain sentinels.
func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	var apiErr apiError
	_ = sonic.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	var base error
	switch code {
	case http.StatusNotFound:
		base = domain.ErrNotFound
	case http.StatusConflict:
		base = domain.ErrAlreadyExists
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		base = domain.ErrInvalidStrategy
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		base = domain.ErrExchangeUnavailable
	default:
		base = errors.New(http.StatusText(code))
	}
	return fmt.Errorf("HTTP %d: %w: %s", code, base, msg)
}

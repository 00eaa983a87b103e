package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/stratfleet/internal/failover"
)

// ExecutionFailover switches signal execution to the direct path.
type ExecutionFailover interface {
	ForceFailover(ctx context.Context, reason string)
	Status() failover.Status
}

// ExchangeFailover moves coordinated groups off a failed exchange.
type ExchangeFailover interface {
	HandleExchangeFailover(ctx context.Context, exchange string) error
}

// FailoverHandler serves the operator failover triggers.
type FailoverHandler struct {
	execution ExecutionFailover
	exchanges ExchangeFailover
	logger    *slog.Logger
}

// NewFailoverHandler creates a FailoverHandler.
func NewFailoverHandler(execution ExecutionFailover, exchanges ExchangeFailover, logger *slog.Logger) *FailoverHandler {
	return &FailoverHandler{
		execution: execution,
		exchanges: exchanges,
		logger:    logger.With(slog.String("handler", "failover")),
	}
}

type forceRequest struct {
	Reason string `json:"reason"`
}

// Force switches execution to the direct path until the managed path
// answers pings again.
// POST /api/failover/force
func (h *FailoverHandler) Force(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	h.execution.ForceFailover(r.Context(), reason)
	h.logger.WarnContext(r.Context(), "failover forced", slog.String("reason", reason))
	writeJSON(w, http.StatusAccepted, h.execution.Status())
}

// Exchange fails every coordinated group over from the named exchange.
// POST /api/exchanges/{name}/failover
func (h *FailoverHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.exchanges.HandleExchangeFailover(r.Context(), name); err != nil {
		logFailure(h.logger, r, "exchange failover failed", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "failed_over",
		"exchange": name,
	})
}

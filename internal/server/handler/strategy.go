package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/stratfleet/internal/consistency"
	"github.com/alanyoungcy/stratfleet/internal/statesync"
)

// Syncer forces reconciliation of one strategy.
type Syncer interface {
	ForceSynchronization(ctx context.Context, id string) (statesync.SyncResult, error)
}

// Checker forces a consistency check of one strategy.
type Checker interface {
	ForceCheck(ctx context.Context, id string) consistency.CheckResult
}

// StrategyHandler serves the per-strategy maintenance endpoints.
type StrategyHandler struct {
	syncer  Syncer
	checker Checker
	logger  *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(syncer Syncer, checker Checker, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		syncer:  syncer,
		checker: checker,
		logger:  logger.With(slog.String("handler", "strategy")),
	}
}

// Sync reconciles the strategy's local state with its engine now.
// POST /api/strategies/{id}/sync
func (h *StrategyHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.syncer.ForceSynchronization(r.Context(), id)
	if err != nil {
		logFailure(h.logger, r, "force sync failed", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if res.Skipped {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Check runs the consistency rules against the strategy now.
// POST /api/strategies/{id}/check
func (h *StrategyHandler) Check(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res := h.checker.ForceCheck(r.Context(), id)
	if res.Err != nil && res.Err.Op == "not found" {
		writeError(w, http.StatusNotFound, res.Err.Error())
		return
	}
	if res.Err != nil {
		logFailure(h.logger, r, "force check failed", res.Err)
		writeJSON(w, statusFor(res.Err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

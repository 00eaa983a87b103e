package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/failover"
	"github.com/alanyoungcy/stratfleet/internal/health"
)

// The status sources are the read-only views of the running components.
type (
	FleetView interface {
		All() []domain.Instance
	}
	ExchangeView interface {
		All() []domain.ExchangeStatus
	}
	RecoveryView interface {
		Stats() health.RecoveryStats
	}
	FailoverView interface {
		Status() failover.Status
	}
	GroupView interface {
		Groups() []domain.CoordinatedGroup
	}
)

// StatusSources bundles the views. Nil views are left out of the response.
type StatusSources struct {
	Fleet     FleetView
	Exchanges ExchangeView
	Recovery  RecoveryView
	Failover  FailoverView
	Groups    GroupView
}

// StatusHandler serves the aggregated fleet snapshot.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	src       StatusSources
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, startedAt time.Time, src StatusSources) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, src: src}
}

type statusResponse struct {
	Mode          string                    `json:"mode"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Instances     []domain.Instance         `json:"instances,omitempty"`
	Exchanges     []domain.ExchangeStatus   `json:"exchanges,omitempty"`
	Recovery      *health.RecoveryStats     `json:"recovery,omitempty"`
	Failover      *failover.Status          `json:"failover,omitempty"`
	Groups        []domain.CoordinatedGroup `json:"groups,omitempty"`
}

// GetStatus responds with the current fleet, exchange and group state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Mode:          h.mode,
		UptimeSeconds: max(int64(time.Since(h.startedAt).Seconds()), 0),
	}
	if h.src.Fleet != nil {
		resp.Instances = h.src.Fleet.All()
	}
	if h.src.Exchanges != nil {
		resp.Exchanges = h.src.Exchanges.All()
	}
	if h.src.Recovery != nil {
		st := h.src.Recovery.Stats()
		resp.Recovery = &st
	}
	if h.src.Failover != nil {
		st := h.src.Failover.Status()
		resp.Failover = &st
	}
	if h.src.Groups != nil {
		resp.Groups = h.src.Groups.Groups()
	}
	writeJSON(w, http.StatusOK, resp)
}

package handler

import (
	"net/http"

	"github.com/alanyoungcy/condorbot/internal/service"
)

// StatusSource reports the process status.
type StatusSource interface {
	Status() service.Status
}

// StatusHandler serves the backend status (mode, policy, today's underlying)
// for the dashboard.
type StatusHandler struct {
	status StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(status StatusSource) *StatusHandler {
	return &StatusHandler{status: status}
}

// GetStatus responds with the current mode, risk policy and the underlying
// scheduled for today.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}

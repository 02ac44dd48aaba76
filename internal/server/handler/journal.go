package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// JournalHandler serves the trade performance journal and the audit log.
type JournalHandler struct {
	performance domain.PerformanceStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(performance domain.PerformanceStore, audit domain.AuditStore, logger *slog.Logger) *JournalHandler {
	return &JournalHandler{performance: performance, audit: audit, logger: logger}
}

// ListPerformance returns closed-trade rows, newest first.
// GET /api/performance?since=&until=&limit=&offset=
func (h *JournalHandler) ListPerformance(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.performance.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list performance failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list performance")
		return
	}
	if rows == nil {
		rows = []domain.TradePerformance{}
	}

	var total float64
	for _, row := range rows {
		total += row.RealizedPnL
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades":       rows,
		"realized_pnl": total,
	})
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?since=&until=&limit=&offset=
func (h *JournalHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

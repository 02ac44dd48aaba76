package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/condorbot/internal/service"
)

// BrokerBook is the read side of the broker account.
type BrokerBook interface {
	NetPositions(ctx context.Context) (service.BrokerPositions, error)
}

// BrokerHandler serves the broker's own view of the account.
type BrokerHandler struct {
	book   BrokerBook
	logger *slog.Logger
}

// NewBrokerHandler creates a BrokerHandler. A nil book answers 503, as in
// monitor mode where the process holds no broker session.
func NewBrokerHandler(book BrokerBook, logger *slog.Logger) *BrokerHandler {
	return &BrokerHandler{book: book, logger: logger}
}

// NetPositions returns the broker's net positions split into active and
// closed rows with the day's realized PnL.
// GET /api/broker/positions
func (h *BrokerHandler) NetPositions(w http.ResponseWriter, r *http.Request) {
	if h.book == nil {
		writeError(w, http.StatusServiceUnavailable, "no broker session in this mode")
		return
	}
	out, err := h.book.NetPositions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: broker positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to read broker positions")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

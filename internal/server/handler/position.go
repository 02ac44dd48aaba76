package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	List(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error)
	Get(ctx context.Context, id string) (service.PositionView, error)
	Active(ctx context.Context) ([]service.PositionView, error)
	Override(ctx context.Context, id string) (domain.Position, error)
	Resume(ctx context.Context, id string) (domain.Position, error)
	Exit(ctx context.Context, id string, side domain.Side) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

type activePositionsResponse struct {
	Positions []service.PositionView `json:"positions"`
	TotalPnL  float64                `json:"total_pnl"`
}

// ListPositions returns positions, optionally filtered by status.
// GET /api/positions?status=ACTIVE
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var status domain.PositionStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := domain.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = s
	}

	positions, err := h.positions.List(r.Context(), status)
	if err != nil {
		h.fail(w, r, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ActivePositions returns ACTIVE positions with live statistics.
// GET /api/positions/active
func (h *PositionHandler) ActivePositions(w http.ResponseWriter, r *http.Request) {
	views, err := h.positions.Active(r.Context())
	if err != nil {
		h.fail(w, r, "list active positions", err)
		return
	}
	resp := activePositionsResponse{Positions: views}
	if resp.Positions == nil {
		resp.Positions = []service.PositionView{}
	}
	for _, v := range views {
		resp.TotalPnL += v.TotalPnL
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPosition returns one position with live statistics.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := h.positions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Override hands an ACTIVE position to the operator.
// POST /api/positions/{id}/override
func (h *PositionHandler) Override(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Override(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "override position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Resume returns an overridden position to automatic management.
// POST /api/positions/{id}/resume
func (h *PositionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Resume(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.fail(w, r, "resume position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Exit closes one or both sides of an ACTIVE position.
// POST /api/positions/{id}/exit?side=ALL|CALL|PUT
func (h *PositionHandler) Exit(w http.ResponseWriter, r *http.Request) {
	side, err := domain.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := pathParam(r, "id")
	pos, err := h.positions.Exit(r.Context(), id, side)
	if err != nil {
		var placeErr *domain.OrderPlacementError
		switch {
		case errors.Is(err, service.ErrExitsDisabled):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &placeErr):
			h.logger.ErrorContext(r.Context(), "handler: manual exit failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":    placeErr.Error(),
				"position": pos,
			})
		default:
			h.fail(w, r, "exit position", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *PositionHandler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+action+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, code, "failed to "+action)
		return
	}
	writeError(w, code, err.Error())
}

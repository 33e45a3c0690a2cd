package reservation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/platform/httpx"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// Handler manages reservation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers reservation routes under /deliveries.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{id}/reservations", h.createReservations)
	r.Get("/{id}/reservations", h.listReservations)
}

type reservationLineRequest struct {
	DeliveryLineID int64   `json:"delivery_line_id" validate:"required,gt=0"`
	OrderLineID    int64   `json:"order_line_id,omitempty" validate:"omitempty,gt=0"`
	ArticleID      int64   `json:"article_id" validate:"required,gt=0"`
	Qty            float64 `json:"qty" validate:"required,gt=0"`
}

type createReservationsRequest struct {
	Lines []reservationLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type reservationResponse struct {
	ID             int64      `json:"id"`
	DeliveryID     int64      `json:"delivery_id"`
	DeliveryLineID int64      `json:"delivery_line_id"`
	OrderLineID    int64      `json:"order_line_id,omitempty"`
	ArticleID      int64      `json:"article_id"`
	LotID          *int64     `json:"lot_id,omitempty"`
	ZoneID         int64      `json:"zone_id"`
	QtyReserved    float64    `json:"qty_reserved"`
	QtyDelivered   float64    `json:"qty_delivered"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func toReservationResponse(res Reservation) reservationResponse {
	return reservationResponse{
		ID:             res.ID,
		DeliveryID:     res.DeliveryID,
		DeliveryLineID: res.DeliveryLineID,
		OrderLineID:    res.OrderLineID,
		ArticleID:      res.ArticleID,
		LotID:          res.LotID,
		ZoneID:         res.ZoneID,
		QtyReserved:    res.QtyReserved,
		QtyDelivered:   res.QtyDelivered,
		Status:         string(res.Status),
		ExpiresAt:      res.ExpiresAt,
	}
}

func (h *Handler) createReservations(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || deliveryID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "delivery id must be a positive integer")
		return
	}
	var req createReservationsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{DeliveryID: deliveryID}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			DeliveryLineID: line.DeliveryLineID,
			OrderLineID:    line.OrderLineID,
			ArticleID:      line.ArticleID,
			Qty:            line.Qty,
		})
	}

	created, err := h.service.CreateReservations(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]reservationResponse, 0, len(created))
	for _, res := range created {
		resp = append(resp, toReservationResponse(res))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"reservations": resp})
}

func (h *Handler) listReservations(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || deliveryID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "delivery id must be a positive integer")
		return
	}
	rows, err := h.service.ListByDelivery(r.Context(), deliveryID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]reservationResponse, 0, len(rows))
	for _, res := range rows {
		resp = append(resp, toReservationResponse(res))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reservations": resp})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrOverDelivery), errors.Is(err, ErrReservationClosed):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ErrReservationNotFound), errors.Is(err, ErrDeliveryNotFound), errors.Is(err, catalog.ErrArticleNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("reservation handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

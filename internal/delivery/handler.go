package delivery

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/orders"
	"github.com/fournil-erp/fournil-erp/internal/platform/httpx"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// Handler manages delivery lifecycle endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createDelivery)
	r.Get("/", h.listDeliveries)
	r.Get("/{id}", h.getDelivery)
	r.Post("/{id}/validate", h.validateDelivery)
	r.Post("/{id}/cancel", h.cancelDelivery)
	r.Post("/{id}/cancel-validated", h.cancelValidatedDelivery)
}

type splitRequest struct {
	LotID  *int64  `json:"lot_id,omitempty"`
	ZoneID int64   `json:"zone_id" validate:"required,gt=0"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type createLineRequest struct {
	OrderLineID int64          `json:"order_line_id,omitempty" validate:"omitempty,gt=0"`
	ArticleID   int64          `json:"article_id" validate:"required,gt=0"`
	Qty         float64        `json:"qty" validate:"required,gt=0"`
	Splits      []splitRequest `json:"splits,omitempty" validate:"omitempty,dive"`
}

type createDeliveryRequest struct {
	OrderID int64               `json:"order_id" validate:"required,gt=0"`
	Lines   []createLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type validateDeliveryRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

type cancelDeliveryRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type cancelValidatedRequest struct {
	Reason        string `json:"reason" validate:"required,max=500"`
	ReturnToStock bool   `json:"return_to_stock"`
}

type lineResponse struct {
	ID          int64   `json:"id"`
	OrderLineID int64   `json:"order_line_id,omitempty"`
	ArticleID   int64   `json:"article_id"`
	Qty         float64 `json:"qty"`
}

type deliveryResponse struct {
	ID           int64          `json:"id"`
	OrderID      int64          `json:"order_id"`
	Status       string         `json:"status"`
	IsValidated  bool           `json:"is_validated"`
	ValidatedAt  *time.Time     `json:"validated_at,omitempty"`
	CancelReason string         `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Lines        []lineResponse `json:"lines,omitempty"`
}

func toDeliveryResponse(d Delivery) deliveryResponse {
	resp := deliveryResponse{
		ID:           d.ID,
		OrderID:      d.OrderID,
		Status:       string(d.Status),
		IsValidated:  d.IsValidated,
		ValidatedAt:  d.ValidatedAt,
		CancelReason: d.CancelReason,
		CreatedAt:    d.CreatedAt,
	}
	for _, line := range d.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			ID:          line.ID,
			OrderLineID: line.OrderLineID,
			ArticleID:   line.ArticleID,
			Qty:         line.Qty,
		})
	}
	return resp
}

func (h *Handler) createDelivery(w http.ResponseWriter, r *http.Request) {
	var req createDeliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{OrderID: req.OrderID}
	for _, line := range req.Lines {
		in := CreateLineInput{
			OrderLineID: line.OrderLineID,
			ArticleID:   line.ArticleID,
			Qty:         line.Qty,
		}
		for _, split := range line.Splits {
			in.Splits = append(in.Splits, allocation.Split{LotID: split.LotID, ZoneID: split.ZoneID, Qty: split.Qty})
		}
		input.Lines = append(input.Lines, in)
	}

	d, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDeliveryResponse(d))
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "order_id must be a positive integer")
			return
		}
		filter.OrderID = id
	}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))

	deliveries, pagination, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		resp = append(resp, toDeliveryResponse(d))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"deliveries": resp,
		"pagination": map[string]any{
			"page":        pagination.Page,
			"per_page":    pagination.PerPage,
			"total":       pagination.Total,
			"total_pages": pagination.TotalPages,
		},
	})
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(d))
}

func (h *Handler) validateDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	var req validateDeliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.service.Validate(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(d))
}

func (h *Handler) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	var req cancelDeliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.service.CancelBeforeValidation(r.Context(), id, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(d))
}

func (h *Handler) cancelValidatedDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	var req cancelValidatedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.service.CancelAfterValidation(r.Context(), id, req.Reason, req.ReturnToStock)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDeliveryResponse(d))
}

func (h *Handler) deliveryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "delivery id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, allocation.ErrInvalidSplit), errors.Is(err, allocation.ErrInvalidQuantity), errors.Is(err, ErrEmptyDelivery):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDeliveryNotFound), errors.Is(err, catalog.ErrArticleNotFound), errors.Is(err, orders.ErrOrderLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("delivery handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

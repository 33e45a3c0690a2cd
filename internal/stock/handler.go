package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fournil-erp/fournil-erp/internal/platform/httpx"
)

// Handler manages stock ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/operations", h.postOperation)
	r.Get("/operations/{id}", h.getOperation)
	r.Get("/articles/{articleID}/lines", h.listStockLines)
}

type operationLineRequest struct {
	ArticleID int64   `json:"article_id" validate:"required,gt=0"`
	LotID     *int64  `json:"lot_id,omitempty"`
	ZoneID    int64   `json:"zone_id" validate:"required,gt=0"`
	Qty       float64 `json:"qty" validate:"required"`
	UnitCost  float64 `json:"unit_cost" validate:"gte=0"`
}

type postOperationRequest struct {
	Code      string                 `json:"code,omitempty" validate:"omitempty,max=64"`
	Type      string                 `json:"type" validate:"required,oneof=RECEPTION ADJUSTMENT PRODUCTION"`
	Note      string                 `json:"note,omitempty" validate:"omitempty,max=500"`
	RefModule string                 `json:"ref_module,omitempty" validate:"omitempty,max=32"`
	RefID     string                 `json:"ref_id,omitempty" validate:"omitempty,uuid"`
	ActorID   int64                  `json:"actor_id" validate:"required,gt=0"`
	Lines     []operationLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type operationResponse struct {
	ID                int64                   `json:"id"`
	Code              string                  `json:"code"`
	Type              string                  `json:"type"`
	ParentOperationID *int64                  `json:"parent_operation_id,omitempty"`
	Note              string                  `json:"note,omitempty"`
	RefModule         string                  `json:"ref_module,omitempty"`
	RefID             string                  `json:"ref_id,omitempty"`
	PostedAt          time.Time               `json:"posted_at"`
	Lines             []operationLineResponse `json:"lines"`
}

type operationLineResponse struct {
	ArticleID int64   `json:"article_id"`
	LotID     *int64  `json:"lot_id,omitempty"`
	ZoneID    int64   `json:"zone_id"`
	Qty       float64 `json:"qty"`
	UnitCost  float64 `json:"unit_cost"`
}

func toOperationResponse(op Operation) operationResponse {
	resp := operationResponse{
		ID:                op.ID,
		Code:              op.Code,
		Type:              string(op.Type),
		ParentOperationID: op.ParentOperationID,
		Note:              op.Note,
		RefModule:         op.RefModule,
		RefID:             op.RefID,
		PostedAt:          op.PostedAt,
		Lines:             make([]operationLineResponse, 0, len(op.Lines)),
	}
	for _, line := range op.Lines {
		resp.Lines = append(resp.Lines, operationLineResponse{
			ArticleID: line.ArticleID,
			LotID:     line.LotID,
			ZoneID:    line.ZoneID,
			Qty:       line.Qty,
			UnitCost:  line.UnitCost,
		})
	}
	return resp
}

func (h *Handler) postOperation(w http.ResponseWriter, r *http.Request) {
	var req postOperationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := PostOperationInput{
		Code:      req.Code,
		Type:      OperationType(req.Type),
		Note:      req.Note,
		RefModule: req.RefModule,
		RefID:     req.RefID,
		ActorID:   req.ActorID,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, OperationLineInput{
			ArticleID: line.ArticleID,
			LotID:     line.LotID,
			ZoneID:    line.ZoneID,
			Qty:       line.Qty,
			UnitCost:  line.UnitCost,
		})
	}

	op, err := h.service.PostOperation(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOperationResponse(op))
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "operation id must be a positive integer")
		return
	}
	op, err := h.service.GetOperation(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOperationResponse(op))
}

func (h *Handler) listStockLines(w http.ResponseWriter, r *http.Request) {
	articleID, err := strconv.ParseInt(chi.URLParam(r, "articleID"), 10, 64)
	if err != nil || articleID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "article id must be a positive integer")
		return
	}
	lines, err := h.service.ListStockLines(r.Context(), articleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	type lineResponse struct {
		ID        int64     `json:"id"`
		ArticleID int64     `json:"article_id"`
		LotID     *int64    `json:"lot_id,omitempty"`
		ZoneID    int64     `json:"zone_id"`
		Qty       float64   `json:"qty"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	resp := make([]lineResponse, 0, len(lines))
	for _, line := range lines {
		resp = append(resp, lineResponse{
			ID:        line.ID,
			ArticleID: line.ArticleID,
			LotID:     line.LotID,
			ZoneID:    line.ZoneID,
			Qty:       line.Qty,
			UpdatedAt: line.UpdatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": resp})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost), errors.Is(err, ErrInvalidOperationType):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrOperationNotFound), errors.Is(err, ErrStockLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("stock handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

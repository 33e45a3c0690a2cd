package availability

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/platform/httpx"
)

// Handler manages availability endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers availability routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/articles/{articleID}/availability", h.getAvailability)
	r.Post("/availability/check", h.checkAvailability)
	r.Post("/availability/ingredients", h.checkIngredients)
}

func (h *Handler) getAvailability(w http.ResponseWriter, r *http.Request) {
	articleID, err := strconv.ParseInt(chi.URLParam(r, "articleID"), 10, 64)
	if err != nil || articleID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "article id must be a positive integer")
		return
	}
	bd, err := h.service.GetAvailability(r.Context(), articleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bd)
}

type checkRequest struct {
	ArticleID   int64   `json:"article_id" validate:"required,gt=0"`
	RequiredQty float64 `json:"required_qty" validate:"required,gt=0"`
}

func (h *Handler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	check, err := h.service.HasEnoughAvailableStock(r.Context(), req.ArticleID, req.RequiredQty)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, check)
}

type ingredientsRequest struct {
	RecipeArticleID int64   `json:"recipe_article_id" validate:"required,gt=0"`
	PlannedQty      float64 `json:"planned_qty" validate:"required,gt=0"`
}

func (h *Handler) checkIngredients(w http.ResponseWriter, r *http.Request) {
	var req ingredientsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.CheckIngredients(r.Context(), req.RecipeArticleID, req.PlannedQty)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, catalog.ErrArticleNotFound), errors.Is(err, ErrRecipeNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("availability handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

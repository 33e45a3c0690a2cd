package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fournil-erp/fournil-erp/internal/availability"
	"github.com/fournil-erp/fournil-erp/internal/delivery"
	"github.com/fournil-erp/fournil-erp/internal/observability"
	"github.com/fournil-erp/fournil-erp/internal/orders"
	"github.com/fournil-erp/fournil-erp/internal/reservation"
	"github.com/fournil-erp/fournil-erp/internal/stock"
	"github.com/fournil-erp/fournil-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	StockHandler        *stock.Handler
	AvailabilityHandler *availability.Handler
	DeliveryHandler     *delivery.Handler
	ReservationHandler  *reservation.Handler
	OrdersHandler       *orders.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with Fournil defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/stock", func(r chi.Router) {
		if params.StockHandler != nil {
			params.StockHandler.MountRoutes(r)
		}
		if params.AvailabilityHandler != nil {
			params.AvailabilityHandler.MountRoutes(r)
		}
	})

	r.Route("/deliveries", func(r chi.Router) {
		if params.DeliveryHandler != nil {
			params.DeliveryHandler.MountRoutes(r)
		}
		if params.ReservationHandler != nil {
			params.ReservationHandler.MountRoutes(r)
		}
	})

	if params.OrdersHandler != nil {
		r.Route("/orders", func(r chi.Router) {
			params.OrdersHandler.MountRoutes(r)
		})
	}

	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			params.JobHandler.MountRoutes(r)
		})
	}

	return r
}

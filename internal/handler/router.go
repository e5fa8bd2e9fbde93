package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	custommiddleware "github.com/mmeshcher/fulfillment-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/loyalty/settings", h.GetLoyaltySettings)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Patch("/orders/{id}/cancel", h.CancelOrder)

			r.Get("/loyalty", h.GetLoyaltyInfo)
			r.Get("/loyalty/history", h.GetLoyaltyHistory)
			r.Get("/loyalty/punch-cards", h.GetPunchCards)
			r.Post("/loyalty/punch-cards/{category}/claim", h.ClaimPunchCardReward)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminMiddleware(h.adminToken))

			r.Get("/orders/{id}", h.AdminGetOrder)
			r.Patch("/orders/{id}/status", h.UpdateOrderStatus)
			r.Post("/users", h.RegisterUser)
			r.Put("/products/{id}", h.UpsertProduct)
			r.Put("/settings/{key}", h.UpdateSetting)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return otelhttp.NewHandler(r, "fulfillment",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/maibank/checkout-reconciler/internal/auth"
	"github.com/maibank/checkout-reconciler/internal/payment"
	"github.com/maibank/checkout-reconciler/internal/transport/middleware"
	"github.com/maibank/checkout-reconciler/internal/transport/swagger"
)

type Routes struct {
	Health          *HealthHandler
	Auth            *auth.Handler
	Payment         *payment.Handler
	Callback        *payment.CallbackHandler
	OpenAPISpec     []byte
	OpenAPIValidate func(http.Handler) http.Handler
}

func RegisterAllRoutes(router *chi.Mux, routes Routes, logger *slog.Logger) {
	// Apply global middleware
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RequestContext)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(routes.OpenAPISpec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if routes.Health != nil {
			r.Get("/health", routes.Health.healthCheckHandler)
			r.Get("/ping", routes.Health.pingHandler)
		}

		// Bank callback URLs; the bank may send the buyer back with GET or POST.
		if cb := routes.Callback; cb != nil {
			r.Get("/maib/return", cb.HandleReturn)
			r.Post("/maib/return", cb.HandleReturn)
			r.Get("/maib/cancel", cb.HandleCancel)
			r.Post("/maib/cancel", cb.HandleCancel)
			r.Get("/checkout/{orderID}/{step}/payment/{kind}", cb.HandleContinuation)
		}

		if routes.Payment == nil {
			return
		}

		// Called by the storefront backend when the buyer confirms the order.
		r.Post("/orders/{orderID}/payments", routes.Payment.InitiatePayment)

		// The admin API is never served without token checks.
		if routes.Auth == nil {
			return
		}

		r.Group(func(ar chi.Router) {
			ar.Use(routes.Auth.AuthMiddleware)
			if routes.OpenAPIValidate != nil {
				ar.Use(routes.OpenAPIValidate)
			}

			ar.Route("/payments/{id}", func(pr chi.Router) {
				pr.Get("/", routes.Payment.GetPayment)
				pr.Post("/capture", routes.Payment.CapturePayment)
				pr.Post("/void", routes.Payment.VoidPayment)
				pr.Post("/refund", routes.Payment.RefundPayment)
			})
		})
	})
}

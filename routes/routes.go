package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/gateway-dataplane/app"
	"github.com/upb/gateway-dataplane/middleware"
	"github.com/upb/gateway-dataplane/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/health/ready", deps.HealthHandler.HandleReadiness)

	if deps.Metrics != nil {
		r.Handle(deps.Config.Observability.MetricsPath, deps.Metrics.Handler())
	}

	// Data plane: every method and sub-path of an API goes through its chain
	r.Route("/gateway/{apiSpecID}", func(r chi.Router) {
		r.Use(deps.CredentialMiddleware.ExtractCredential)
		r.HandleFunc("/", deps.ExchangeHandler.HandleExchange)
		r.HandleFunc("/*", deps.ExchangeHandler.HandleExchange)
	})

	// Operator API (require admin role)
	r.Route("/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.Config.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.RequireRole("admin"))

		r.Route("/subscriptions/{subscriptionID}", func(r chi.Router) {
			r.Get("/consumption", deps.AdminHandler.HandleConsumption)
			r.Post("/archive", deps.AdminHandler.HandleArchive)
			r.Get("/products/{productID}/history", deps.AdminHandler.HandleHistory)
			r.Post("/products/{productID}/reset", deps.AdminHandler.HandleReset)
		})
		r.Post("/apis/{apiSpecID}/invalidate", deps.AdminHandler.HandleInvalidateAPI)
		r.Get("/plans/stats", deps.AdminHandler.HandlePlanStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	return r
}

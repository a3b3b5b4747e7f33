package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"vision-api/internal/api/controllers"
	"vision-api/internal/api/handlers"
	"vision-api/internal/metrics"
	"vision-api/internal/middleware"
	"vision-api/internal/services"
)

type Dependencies struct {
	DB            *gorm.DB
	Cache         controllers.Pinger
	Identity      services.IdentityProvider
	Usage         services.UsageService
	Events        services.UsageEventService
	Gate          services.MeteredGate
	Inference     services.InferenceService
	Relay         *services.StreamRelay
	Billing       services.BillingService
	StreamLimiter *middleware.StreamLimiter
	Metrics       *metrics.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer      prometheus.Gatherer
	WebhookSecret string
	MaxBodyBytes  int64
}

func SetupRoutes(deps Dependencies) *mux.Router {
	router := mux.NewRouter()

	usageHandler := handlers.NewUsageHandler(deps.Usage, deps.Events)
	analyzeHandler := handlers.NewAnalyzeHandler(deps.Gate, deps.Inference, deps.Relay, deps.Metrics, deps.MaxBodyBytes)
	stripeHandler := handlers.NewStripeHandler(deps.Billing, deps.WebhookSecret)

	router.Use(middleware.IdentityMiddleware(deps.Identity))
	router.Use(middleware.LoggingMiddleware)
	if deps.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(deps.Metrics))
	}

	// Public routes
	router.HandleFunc("/health", controllers.HealthCheckHandler(deps.DB, deps.Cache)).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/stripe", stripeHandler.HandleStripeWebhook).Methods(http.MethodPost)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Identity routes; handlers answer 401 when no user is attached.
	router.HandleFunc("/usage", usageHandler.GetUsage).Methods(http.MethodGet)
	router.HandleFunc("/usage", usageHandler.RecordConsumption).Methods(http.MethodPost)
	router.HandleFunc("/usage/history", usageHandler.GetHistory).Methods(http.MethodGet)

	analyze := http.Handler(http.HandlerFunc(analyzeHandler.Analyze))
	if deps.StreamLimiter != nil {
		analyze = deps.StreamLimiter.Limit(analyze)
	}
	router.Handle("/analyze", analyze).Methods(http.MethodPost)

	return router
}

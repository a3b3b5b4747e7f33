package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"vision-api/internal/api"
	"vision-api/internal/api/controllers"
	"vision-api/internal/config"
	"vision-api/internal/database"
	"vision-api/internal/logger"
	"vision-api/internal/metrics"
	"vision-api/internal/middleware"
	"vision-api/internal/repository"
	"vision-api/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatalf("Failed to load configuration: %v", err)
	}

	logCloser, err := logger.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		logger.Logger.Fatalf("Failed to configure logger: %v", err)
	}
	defer logCloser.Close()

	// Initialize database connection
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		logger.Logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	// The usage cache is optional; the service runs on the database alone.
	var (
		cache  services.CacheService
		pinger controllers.Pinger
	)
	if cfg.Cache.Enabled {
		redisCache, err := services.NewRedisCacheService(cfg.Cache)
		if err != nil {
			logger.LogEvent(logrus.WarnLevel, "Usage cache disabled", logrus.Fields{
				"error": err.Error(),
			})
		} else {
			defer redisCache.Close()
			cache = redisCache
			pinger = redisCache
		}
	}

	appMetrics := metrics.New("vision", prometheus.DefaultRegisterer)

	// Initialize repositories
	usageRepo := repository.NewUsageRepository(db)
	eventRepo := repository.NewUsageEventRepository(db)

	// Initialize services
	usageService := services.NewUsageService(usageRepo, cfg.Quota, cache, cfg.Cache.DefaultTTL)
	eventService := services.NewUsageEventService(eventRepo)
	gate := services.NewMeteredGate(usageService, eventService, appMetrics)
	inference := services.NewInferenceService(cfg.Inference, nil)
	relay := services.NewStreamRelay(cfg.Inference.StreamIdleTimeout, cfg.Inference.StreamMaxDuration)
	billing := services.NewBillingService(usageService, cfg.Billing.PriceTiers)

	router := api.SetupRoutes(api.Dependencies{
		DB:            db,
		Cache:         pinger,
		Identity:      services.NewJWTIdentityProvider(cfg.Auth.JWTSecret),
		Usage:         usageService,
		Events:        eventService,
		Gate:          gate,
		Inference:     inference,
		Relay:         relay,
		Billing:       billing,
		StreamLimiter: middleware.NewStreamLimiter(cfg.Server.MaxConcurrentStreams),
		Metrics:       appMetrics,
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
		MaxBodyBytes:  cfg.Server.MaxRequestBytes,
	})

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
		},
		ExposedHeaders: []string{
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
		},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	// No WriteTimeout: analysis streams are bounded by the relay instead.
	srv := &http.Server{
		Handler:           corsMiddleware.Handler(router),
		Addr:              ":" + cfg.Server.Port,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		logger.LogEvent(logrus.InfoLevel, "Server starting", logrus.Fields{
			"port": cfg.Server.Port,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Inference.StreamMaxDuration+5*time.Second)
	defer cancel()
	logger.LogEvent(logrus.InfoLevel, "Shutting down", nil)
	if err := srv.Shutdown(ctx); err != nil {
		logger.LogEvent(logrus.ErrorLevel, "Graceful shutdown failed", logrus.Fields{
			"error": err.Error(),
		})
	}
}

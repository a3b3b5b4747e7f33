package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gorm.io/gorm"
)

var startedAt = time.Now()

type HealthCheckResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
	Uptime   string `json:"uptime"`
}

// Pinger is satisfied by the usage cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckHandler checks API health, the database connection and the
// usage cache. cache may be nil when caching is disabled.
func HealthCheckHandler(db *gorm.DB, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		response := HealthCheckResponse{
			Status:   "API is running",
			Database: "Database connection is healthy",
			Cache:    "disabled",
			Uptime:   time.Since(startedAt).Round(time.Second).String(),
		}

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			response.Status = "degraded"
			response.Database = "Database connection failed"
			respondWithJSON(w, http.StatusServiceUnavailable, response)
			return
		}

		// The cache is optional; its failure degrades reads but not service.
		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				response.Cache = "unreachable"
			} else {
				response.Cache = "healthy"
			}
		}

		respondWithJSON(w, http.StatusOK, response)
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"vision-api/internal/api/response"
	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
	"vision-api/internal/services"
)

const recordConsumptionAction = "record_consumption"

type UsageHandler struct {
	usageService services.UsageService
	eventService services.UsageEventService
}

func NewUsageHandler(usageService services.UsageService, eventService services.UsageEventService) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
		eventService: eventService,
	}
}

type usageResponse struct {
	UsedCount        int                     `json:"usedCount"`
	TotalLimit       int                     `json:"totalLimit"`
	SubscriptionTier models.SubscriptionTier `json:"subscriptionTier"`
	ResetDate        time.Time               `json:"resetDate"`
}

func newUsageResponse(record *models.UsageRecord) usageResponse {
	return usageResponse{
		UsedCount:        record.UsedCount,
		TotalLimit:       record.TotalLimit,
		SubscriptionTier: record.SubscriptionTier,
		ResetDate:        record.ResetDate,
	}
}

// GetUsage handles GET /usage.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	record, err := h.usageService.GetUsage(r.Context(), services.UserIDFromContext(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}

	response.JSON(w, http.StatusOK, newUsageResponse(record))
}

// RecordConsumption handles POST /usage. It charges one unit without a
// limit check.
func (h *UsageHandler) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	userID := services.UserIDFromContext(r.Context())

	record, err := h.usageService.RecordConsumption(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	if h.eventService != nil {
		h.eventService.Record(r.Context(), userID, recordConsumptionAction, models.OutcomeRecorded, record, "")
	}

	response.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetHistory handles GET /usage/history?limit=N.
func (h *UsageHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, errors.Wrap(errors.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	userID := services.UserIDFromContext(r.Context())
	if userID == "" {
		response.Error(w, errors.ErrUnauthorized)
		return
	}

	var events []models.UsageEvent
	if h.eventService != nil {
		var err error
		events, err = h.eventService.History(r.Context(), userID, limit)
		if err != nil {
			response.Error(w, err)
			return
		}
	}
	if events == nil {
		events = []models.UsageEvent{}
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

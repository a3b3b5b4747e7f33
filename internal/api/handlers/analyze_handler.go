package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"vision-api/internal/api/response"
	"vision-api/internal/logger"
	"vision-api/internal/metrics"
	"vision-api/internal/models"
	"vision-api/internal/pkg/errors"
	"vision-api/internal/services"
)

const analyzeAction = "analyze"

type AnalyzeHandler struct {
	gate         services.MeteredGate
	inference    services.InferenceService
	relay        *services.StreamRelay
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

func NewAnalyzeHandler(
	gate services.MeteredGate,
	inference services.InferenceService,
	relay *services.StreamRelay,
	m *metrics.Metrics,
	maxBodyBytes int64,
) *AnalyzeHandler {
	return &AnalyzeHandler{
		gate:         gate,
		inference:    inference,
		relay:        relay,
		metrics:      m,
		maxBodyBytes: maxBodyBytes,
	}
}

// Analyze handles POST /analyze: the metered image analysis, streamed back
// as server-sent events.
func (h *AnalyzeHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	userID := services.UserIDFromContext(r.Context())
	if userID == "" {
		response.Error(w, errors.ErrUnauthorized)
		return
	}

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	var req services.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, errors.Wrap(errors.ErrValidation, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, err)
		return
	}

	var result *services.RelayResult
	record, err := h.gate.Run(r.Context(), userID, analyzeAction, func(ctx context.Context, reserved *models.UsageRecord) error {
		body, err := h.inference.Stream(ctx, req)
		if err != nil {
			h.upstreamError(err)
			return err
		}
		// The reservation only holds once the stream is open.
		setRateLimitHeaders(w, reserved)

		if h.metrics != nil {
			h.metrics.StreamsInFlight.Inc()
			defer h.metrics.StreamsInFlight.Dec()
		}
		result, err = h.relay.Relay(ctx, w, body)
		h.recordStream(result, err)
		return err
	})

	if err == nil {
		logger.LogEvent(logrus.InfoLevel, "Analysis streamed", logrus.Fields{
			"user_id":    userID,
			"bytes":      result.Bytes,
			"frames":     result.Frames,
			"duration":   result.Duration.Milliseconds(),
			"used_count": record.UsedCount,
		})
		return
	}

	if result != nil && result.HeadersSent {
		// The stream has started; the client sees the truncated stream.
		logger.LogEvent(logrus.WarnLevel, "Analysis stream ended early", logrus.Fields{
			"user_id": userID,
			"bytes":   result.Bytes,
			"code":    errors.CodeOf(err),
			"error":   err.Error(),
		})
		return
	}

	// record is the state after the gate rejected or released the unit.
	if record != nil {
		setRateLimitHeaders(w, record)
	}
	response.Error(w, err)
}

func (h *AnalyzeHandler) upstreamError(err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordUpstreamError(errors.CodeOf(err))
}

func (h *AnalyzeHandler) recordStream(result *services.RelayResult, err error) {
	if h.metrics == nil || result == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = errors.CodeOf(err)
	}
	h.metrics.RecordStream(outcome, result.Bytes, result.Duration)
}

func setRateLimitHeaders(w http.ResponseWriter, record *models.UsageRecord) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(record.TotalLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(record.Remaining()))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(record.ResetDate.Unix(), 10))
}

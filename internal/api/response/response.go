package response

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"vision-api/internal/logger"
	"vision-api/internal/pkg/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.LogEvent(logrus.WarnLevel, "Failed to encode response", logrus.Fields{
			"error": err.Error(),
		})
	}
}

// Error writes {"error": {"code", "message"}} with the status mapped from err.
// Internal causes are logged, not returned.
func Error(w http.ResponseWriter, err error) {
	status := errors.StatusCode(err)
	code := errors.CodeOf(err)

	message := publicMessage(err, status)
	if status >= http.StatusInternalServerError {
		logger.LogEvent(logrus.ErrorLevel, "Request failed", logrus.Fields{
			"code":  code,
			"error": err.Error(),
		})
	}

	JSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func publicMessage(err error, status int) string {
	var appErr *errors.Error
	if errors.As(err, &appErr) && appErr.Message != "" && status < http.StatusInternalServerError {
		return appErr.Message
	}

	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, errors.ErrQuotaExceeded):
		return "Usage limit exceeded. Please upgrade your plan."
	case errors.Is(err, errors.ErrTooManyStreams):
		return "Too many concurrent requests"
	case errors.Is(err, errors.ErrValidation):
		return "Invalid request"
	case errors.Is(err, errors.ErrUpstreamFailure):
		return "The analysis service is unavailable"
	default:
		return "Internal Server Error"
	}
}

package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"vision-api/internal/api/response"
	"vision-api/internal/logger"
	"vision-api/internal/pkg/errors"
	"vision-api/internal/services"
)

const maxWebhookBodyBytes = int64(65536)

type StripeHandler struct {
	billingService services.BillingService
	webhookSecret  string
}

func NewStripeHandler(billingService services.BillingService, webhookSecret string) *StripeHandler {
	return &StripeHandler{
		billingService: billingService,
		webhookSecret:  webhookSecret,
	}
}

func (h *StripeHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.LogEvent(logrus.WarnLevel, "Error reading webhook body", logrus.Fields{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		logger.LogEvent(logrus.WarnLevel, "Error verifying webhook signature", logrus.Fields{
			"error": err.Error(),
		})
		response.Error(w, errors.Wrap(errors.ErrValidation, "invalid webhook signature"))
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			response.Error(w, errors.Wrap(errors.ErrValidation, "error parsing webhook JSON"))
			return
		}

		deleted := event.Type == "customer.subscription.deleted"
		if _, err := h.billingService.ApplySubscription(r.Context(), &subscription, deleted); err != nil {
			if errors.Is(err, errors.ErrValidation) {
				// Retrying cannot fix the event, so acknowledge it.
				logger.LogEvent(logrus.WarnLevel, "Ignoring subscription event", logrus.Fields{
					"event_id": event.ID,
					"type":     event.Type,
					"error":    err.Error(),
				})
				break
			}
			response.Error(w, err)
			return
		}
	default:
		logger.LogEvent(logrus.DebugLevel, "Unhandled webhook event", logrus.Fields{
			"type": event.Type,
		})
	}

	response.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

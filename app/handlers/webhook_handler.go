package handlers

import (
	"log"

	"github.com/amirphl/vendor-relay/app/dto"
	businessflow "github.com/amirphl/vendor-relay/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// WebhookHandlerInterface defines the contract for provider callbacks
type WebhookHandlerInterface interface {
	DeliveryEvent(c fiber.Ctx) error
}

// WebhookHandler receives delivery callbacks from SMS and email providers
type WebhookHandler struct {
	responder
	webhookFlow businessflow.WebhookFlow
	validator   *validator.Validate
}

func NewWebhookHandler(webhookFlow businessflow.WebhookFlow, logger *log.Logger) *WebhookHandler {
	return &WebhookHandler{
		responder:   responder{logger: logger},
		webhookFlow: webhookFlow,
		validator:   newValidator(),
	}
}

// DeliveryEvent applies one normalized delivery event. Replays and events for
// messages that already left the sent state answer 200 with applied=false.
// @Router /api/v1/webhooks/delivery [post]
func (h *WebhookHandler) DeliveryEvent(c fiber.Ctx) error {
	var req dto.DeliveryEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.webhookFlow.HandleDeliveryWebhook(ctx, &req, clientMetadata(c))
	if err != nil {
		return h.FlowError(c, err, "WEBHOOK_FAILED", "Failed to process delivery event")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Event processed", result)
}

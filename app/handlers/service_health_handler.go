package handlers

import (
	"log"

	businessflow "github.com/amirphl/vendor-relay/business_flow"
	"github.com/gofiber/fiber/v3"
)

// ServiceHealthHandlerInterface defines the contract for circuit administration
type ServiceHealthHandlerInterface interface {
	ListServices(c fiber.Ctx) error
	ResetService(c fiber.Ctx) error
}

type ServiceHealthHandler struct {
	responder
	healthFlow businessflow.ServiceHealthFlow
}

func NewServiceHealthHandler(healthFlow businessflow.ServiceHealthFlow, logger *log.Logger) *ServiceHealthHandler {
	return &ServiceHealthHandler{
		responder:  responder{logger: logger},
		healthFlow: healthFlow,
	}
}

// ListServices returns every circuit breaker with its effective state
// @Router /api/v1/admin/services [get]
func (h *ServiceHealthHandler) ListServices(c fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.healthFlow.ListServices(ctx)
	if err != nil {
		return h.FlowError(c, err, "LIST_SERVICES_FAILED", "Failed to list services")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Services retrieved successfully", result)
}

// ResetService drops a circuit so the next call starts from closed
// @Router /api/v1/admin/services/{service_id}/reset [post]
func (h *ServiceHealthHandler) ResetService(c fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.healthFlow.ResetService(ctx, c.Params("service_id"), clientMetadata(c))
	if err != nil {
		return h.FlowError(c, err, "RESET_SERVICE_FAILED", "Failed to reset service")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Service reset", result)
}

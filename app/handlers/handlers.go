// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	businessflow "github.com/amirphl/vendor-relay/business_flow"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
)

const requestTimeout = 30 * time.Second

// newValidator registers the relay's custom tags on a fresh validator
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("recipient_token", func(fl validator.FieldLevel) bool {
		return utils.IsRecipientToken(fl.Field().String())
	})
	return v
}

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "min":
		return err.Field() + " must be at least " + err.Param()
	case "max":
		return err.Field() + " must be at most " + err.Param()
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "recipient_token":
		return err.Field() + " must be a recipient token (tok_...)"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}

func validationMessages(err error) []string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, getValidationErrorMessage(fe))
	}
	return msgs
}

// responder writes the APIResponse envelope shared by every handler
type responder struct {
	logger *log.Logger
}

func (r responder) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
		RequestID: requestid.FromContext(c),
	})
}

func (r responder) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: requestid.FromContext(c),
	})
}

// FlowError maps business errors onto HTTP statuses. Anything unrecognized is
// logged and reported as a 500 with fallbackCode.
func (r responder) FlowError(c fiber.Ctx, err error, fallbackCode, fallbackMessage string) error {
	var ve *businessflow.ValidationError
	if errors.As(err, &ve) {
		return r.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", fiber.Map{
			"field":   ve.Field,
			"message": ve.Err.Error(),
		})
	}

	var nf *businessflow.NotFoundError
	if errors.As(err, &nf) {
		return r.ErrorResponse(c, fiber.StatusNotFound, nf.Error(), "NOT_FOUND", nil)
	}

	if businessflow.IsIdempotencyKeyInFlight(err) {
		return r.ErrorResponse(c, fiber.StatusConflict, "A request with this idempotency key is in progress", "IDEMPOTENCY_KEY_IN_FLIGHT", nil)
	}

	if open, ok := services.AsCircuitOpen(err); ok {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(services.RetryAfterSeconds(time.Until(open.ReopensAt))))
		return r.ErrorResponse(c, fiber.StatusServiceUnavailable, "Upstream service is unavailable", "SERVICE_UNAVAILABLE", fiber.Map{"service": open.ServiceID})
	}

	r.logger.Printf("%s [request_id=%s]: %v", fallbackCode, requestid.FromContext(c), err)
	return r.ErrorResponse(c, fiber.StatusInternalServerError, fallbackMessage, fallbackCode, nil)
}

// clientMetadata captures caller details attached to audit entries
func clientMetadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(requestid.FromContext(c))
	return metadata
}

// requestContext derives a deadline-bound context for one flow call
func requestContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context(), requestTimeout)
}

package handlers

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/middleware"
	businessflow "github.com/amirphl/vendor-relay/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// MessageHandlerInterface defines the contract for message handlers
type MessageHandlerInterface interface {
	Send(c fiber.Ctx) error
	SendBatch(c fiber.Ctx) error
	GetMessage(c fiber.Ctx) error
	GetBatch(c fiber.Ctx) error
	ListMessages(c fiber.Ctx) error
	ExportMessages(c fiber.Ctx) error
}

// MessageHandler handles message and batch HTTP requests
type MessageHandler struct {
	responder
	messageFlow businessflow.MessageFlow
	validator   *validator.Validate
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messageFlow businessflow.MessageFlow, logger *log.Logger) *MessageHandler {
	return &MessageHandler{
		responder:   responder{logger: logger},
		messageFlow: messageFlow,
		validator:   newValidator(),
	}
}

// Send accepts either payload shape: a body with recipients is a batch
// @Router /api/v1/messages [post]
func (h *MessageHandler) Send(c fiber.Ctx) error {
	vendorID, ok := middleware.GetVendorIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Vendor not found in context", "MISSING_VENDOR_ID", nil)
	}

	req, err := dto.DecodeSendRequest(c.Body())
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	switch r := req.(type) {
	case *dto.BatchSendRequest:
		r.VendorID = vendorID
		return h.enqueueBatch(c, r)
	case *dto.SingleSendRequest:
		r.VendorID = vendorID
		if r.IdempotencyKey == nil {
			if key := strings.TrimSpace(c.Get("Idempotency-Key")); key != "" {
				r.IdempotencyKey = &key
			}
		}
		return h.enqueueSingle(c, r)
	default:
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Unsupported request", "INVALID_REQUEST", nil)
	}
}

// SendBatch only accepts the batch shape
// @Router /api/v1/messages/batch [post]
func (h *MessageHandler) SendBatch(c fiber.Ctx) error {
	vendorID, ok := middleware.GetVendorIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Vendor not found in context", "MISSING_VENDOR_ID", nil)
	}

	var req dto.BatchSendRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.VendorID = vendorID
	return h.enqueueBatch(c, &req)
}

func (h *MessageHandler) enqueueSingle(c fiber.Ctx, req *dto.SingleSendRequest) error {
	if err := h.validator.Struct(req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.messageFlow.EnqueueMessage(ctx, req, clientMetadata(c))
	if err != nil {
		return h.FlowError(c, err, "ENQUEUE_FAILED", "Failed to enqueue message")
	}

	if result.Duplicate {
		return h.SuccessResponse(c, fiber.StatusOK, "Message already enqueued", result)
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Message enqueued", result)
}

func (h *MessageHandler) enqueueBatch(c fiber.Ctx, req *dto.BatchSendRequest) error {
	if err := h.validator.Struct(req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.messageFlow.EnqueueBatch(ctx, req, clientMetadata(c))
	if err != nil {
		return h.FlowError(c, err, "BATCH_ENQUEUE_FAILED", "Failed to enqueue batch")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Batch enqueued", result)
}

// GetMessage returns one of the vendor's messages
// @Router /api/v1/messages/{id} [get]
func (h *MessageHandler) GetMessage(c fiber.Ctx) error {
	vendorID, ok := middleware.GetVendorIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Vendor not found in context", "MISSING_VENDOR_ID", nil)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	item, err := h.messageFlow.GetMessage(ctx, vendorID, c.Params("id"))
	if err != nil {
		return h.FlowError(c, err, "GET_MESSAGE_FAILED", "Failed to retrieve message")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Message retrieved successfully", item)
}

// GetBatch returns one of the vendor's batches with its counters
// @Router /api/v1/batches/{id} [get]
func (h *MessageHandler) GetBatch(c fiber.Ctx) error {
	vendorID, ok := middleware.GetVendorIDFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Vendor not found in context", "MISSING_VENDOR_ID", nil)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	item, err := h.messageFlow.GetBatch(ctx, vendorID, c.Params("id"))
	if err != nil {
		return h.FlowError(c, err, "GET_BATCH_FAILED", "Failed to retrieve batch")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Batch retrieved successfully", item)
}

// ListMessages pages through the vendor's messages
// @Router /api/v1/messages [get]
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	req, ok, err := h.listRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.messageFlow.ListMessages(ctx, req)
	if err != nil {
		return h.FlowError(c, err, "LIST_MESSAGES_FAILED", "Failed to list messages")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Messages retrieved successfully", result)
}

// ExportMessages renders the filtered messages as an XLSX download
// @Router /api/v1/messages/export [get]
func (h *MessageHandler) ExportMessages(c fiber.Ctx) error {
	req, ok, err := h.listRequest(c)
	if !ok {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.messageFlow.ExportMessages(ctx, req)
	if err != nil {
		return h.FlowError(c, err, "EXPORT_MESSAGES_FAILED", "Failed to export messages")
	}

	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+result.Filename+`"`)
	return c.Status(fiber.StatusOK).Send(result.Content)
}

// listRequest reads list filters from the query string. When ok is false the
// error response has already been written.
func (h *MessageHandler) listRequest(c fiber.Ctx) (req *dto.ListMessagesRequest, ok bool, err error) {
	vendorID, found := middleware.GetVendorIDFromContext(c)
	if !found {
		return nil, false, h.ErrorResponse(c, fiber.StatusUnauthorized, "Vendor not found in context", "MISSING_VENDOR_ID", nil)
	}

	req = &dto.ListMessagesRequest{VendorID: vendorID}
	if v := c.Query("status"); v != "" {
		req.Status = &v
	}
	if v := c.Query("channel"); v != "" {
		v = strings.ToUpper(v)
		req.Channel = &v
	}
	if v := c.Query("batch_id"); v != "" {
		req.BatchID = &v
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &req.Page}, {"limit", &req.Limit}} {
		if v := c.Query(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, false, h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameter", "INVALID_QUERY", p.name+" must be an integer")
			}
			*p.dst = n
		}
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &req.From}, {"to", &req.To}} {
		if v := c.Query(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, false, h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameter", "INVALID_QUERY", p.name+" must be RFC3339")
			}
			*p.dst = &t
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return nil, false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}
	return req, true, nil
}

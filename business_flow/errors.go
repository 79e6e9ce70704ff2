// Package businessflow contains the use cases of the message delivery pipeline
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/vendor-relay/app/services"
)

// Business flow error constants
var (
	// Message-related errors
	ErrMessageNotFound        = errors.New("message not found")
	ErrBatchNotFound          = errors.New("batch not found")
	ErrInvalidRecipientToken  = errors.New("recipient token is malformed")
	ErrInvalidRecipientType   = errors.New("recipient type is invalid")
	ErrInvalidChannel         = errors.New("channel must be EMAIL or SMS")
	ErrInvalidPriority        = errors.New("priority must be HIGH, NORMAL or LOW")
	ErrSubjectRequired        = errors.New("subject is required for EMAIL")
	ErrBodyRequired           = errors.New("body is required")
	ErrScheduledInPast        = errors.New("scheduled time is in the past")
	ErrRecipientsRequired     = errors.New("at least one recipient is required")
	ErrTooManyRecipients      = errors.New("batch exceeds the maximum number of recipients")
	ErrIdempotencyKeyTooLong  = errors.New("idempotency key is too long")
	ErrIdempotencyKeyInFlight = errors.New("a request with this idempotency key is in progress")
	ErrInvalidMetadata        = errors.New("metadata must be a JSON object")

	// Webhook errors
	ErrUnknownProviderMessage = errors.New("no message for provider id")

	// Filter errors
	ErrInvalidPage           = errors.New("page must be at least 1")
	ErrInvalidPageSize       = errors.New("page size must be between 1 and 100")
	ErrStartDateAfterEndDate = errors.New("start date cannot be after end date")

	// Service health errors
	ErrServiceNotFound = errors.New("service not found")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// ValidationError is a malformed or missing input field. It is raised before
// anything is persisted and is never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// NotFoundError reports an unknown message, batch or service id
type NotFoundError struct {
	Entity string
	ID     string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsBatchNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound)
}

func IsIdempotencyKeyInFlight(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyInFlight)
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, services.ErrCircuitOpen)
}

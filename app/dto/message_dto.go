package dto

import (
	"encoding/json"
	"errors"
	"time"
)

// SendKind tags which variant of a send request was submitted
type SendKind string

const (
	SendKindSingle SendKind = "single"
	SendKindBatch  SendKind = "batch"
)

var ErrEmptySendRequest = errors.New("request body is empty")

// SendRequest is either a SingleSendRequest or a BatchSendRequest
type SendRequest interface {
	Kind() SendKind
}

// SingleSendRequest enqueues one message to one tokenized recipient
type SingleSendRequest struct {
	VendorID       string          `json:"-"`
	Channel        string          `json:"channel" validate:"required,oneof=EMAIL SMS"`
	RecipientToken string          `json:"recipient_token" validate:"required,recipient_token"`
	RecipientType  string          `json:"recipient_type" validate:"required,oneof=STUDENT PARENT TEACHER STAFF"`
	Subject        *string         `json:"subject,omitempty" validate:"omitempty,max=255"`
	Body           string          `json:"body" validate:"required,max=100000"`
	Priority       string          `json:"priority,omitempty" validate:"omitempty,oneof=HIGH NORMAL LOW"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" validate:"omitempty,min=1,max=255"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func (SingleSendRequest) Kind() SendKind { return SendKindSingle }

// Recipient is one entry of a batch send
type Recipient struct {
	RecipientToken string `json:"recipient_token" validate:"required,recipient_token"`
	RecipientType  string `json:"recipient_type" validate:"required,oneof=STUDENT PARENT TEACHER STAFF"`
}

// BatchSendRequest fans one message out to 1-10,000 recipients
type BatchSendRequest struct {
	VendorID    string          `json:"-"`
	Channel     string          `json:"channel" validate:"required,oneof=EMAIL SMS"`
	Recipients  []Recipient     `json:"recipients" validate:"required,min=1,max=10000,dive"`
	Subject     *string         `json:"subject,omitempty" validate:"omitempty,max=255"`
	Body        string          `json:"body" validate:"required,max=100000"`
	Priority    string          `json:"priority,omitempty" validate:"omitempty,oneof=HIGH NORMAL LOW"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (BatchSendRequest) Kind() SendKind { return SendKindBatch }

// DecodeSendRequest resolves the payload variant by the presence of a
// recipients field and decodes it into the matching request type.
func DecodeSendRequest(body []byte) (SendRequest, error) {
	if len(body) == 0 {
		return nil, ErrEmptySendRequest
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe["recipients"]; ok {
		var req BatchSendRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}
	var req SingleSendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EnqueueMessageResponse is returned for a single send
type EnqueueMessageResponse struct {
	MessageID     string  `json:"message_id"`
	Status        string  `json:"status"`
	Duplicate     bool    `json:"duplicate"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// EnqueueBatchResponse is returned for a batch send
type EnqueueBatchResponse struct {
	BatchID       string  `json:"batch_id"`
	MessageCount  int     `json:"message_count"`
	Status        string  `json:"status"`
	ScheduledAt   *string `json:"scheduled_at,omitempty"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// MessageItem is the public view of a message
type MessageItem struct {
	MessageID         string          `json:"message_id"`
	BatchID           *string         `json:"batch_id,omitempty"`
	Channel           string          `json:"channel"`
	RecipientToken    string          `json:"recipient_token"`
	RecipientType     string          `json:"recipient_type"`
	Subject           *string         `json:"subject,omitempty"`
	Priority          string          `json:"priority"`
	Status            string          `json:"status"`
	RetryCount        int             `json:"retry_count"`
	ScheduledAt       *string         `json:"scheduled_at,omitempty"`
	SentAt            *string         `json:"sent_at,omitempty"`
	DeliveredAt       *string         `json:"delivered_at,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	ProviderName      *string         `json:"provider_name,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	EstimatedCost     float64         `json:"estimated_cost"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

// BatchItem is the public view of a batch
type BatchItem struct {
	BatchID         string   `json:"batch_id"`
	Channel         string   `json:"channel"`
	Status          string   `json:"status"`
	TotalRecipients int      `json:"total_recipients"`
	SentCount       int      `json:"sent_count"`
	DeliveredCount  int      `json:"delivered_count"`
	FailedCount     int      `json:"failed_count"`
	BouncedCount    int      `json:"bounced_count"`
	DeliveryRate    *float64 `json:"delivery_rate,omitempty"`
	EstimatedCost   float64  `json:"estimated_cost"`
	ScheduledAt     *string  `json:"scheduled_at,omitempty"`
	CompletedAt     *string  `json:"completed_at,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

// ListMessagesRequest filters the vendor's messages
type ListMessagesRequest struct {
	VendorID string     `json:"-"`
	Status   *string    `json:"status,omitempty" validate:"omitempty,oneof=queued processing sent delivered bounced failed"`
	Channel  *string    `json:"channel,omitempty" validate:"omitempty,oneof=EMAIL SMS"`
	BatchID  *string    `json:"batch_id,omitempty" validate:"omitempty,uuid"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Page     int        `json:"page" validate:"omitempty,min=1"`
	Limit    int        `json:"limit" validate:"omitempty,min=1,max=100"`
}

// ListMessagesResponse is a paginated page of messages
type ListMessagesResponse struct {
	Items      []MessageItem  `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}

// ExportMessagesResponse carries a rendered XLSX workbook
type ExportMessagesResponse struct {
	Filename string
	Content  []byte
}

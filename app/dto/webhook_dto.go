package dto

import "time"

// DeliveryEventRequest is a provider delivery callback normalized to one shape
type DeliveryEventRequest struct {
	Provider     string     `json:"provider" validate:"required,max=64"`
	Event        string     `json:"event" validate:"required,max=32"`
	ProviderID   string     `json:"providerId" validate:"required,max=255"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	BounceType   *string    `json:"bounceType,omitempty" validate:"omitempty,max=64"`
	BounceReason *string    `json:"bounceReason,omitempty" validate:"omitempty,max=1000"`
	Error        *string    `json:"error,omitempty" validate:"omitempty,max=1000"`
}

// DeliveryEventResponse reports how the event was applied
type DeliveryEventResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Applied   bool   `json:"applied"`
}

package memory

import (
	"fmt"
	"time"

	"github.com/amirphl/vendor-relay/models"
)

// applyMessageUpdates mirrors the column updates the SQL repository accepts
func applyMessageUpdates(m *models.Message, updates map[string]any) error {
	for column, value := range updates {
		var err error
		switch column {
		case "status":
			var s models.MessageStatus
			s, err = asStatus(value)
			m.Status = s
		case "retry_count":
			n, ok := value.(int)
			if !ok {
				err = fmt.Errorf("retry_count: unexpected %T", value)
			}
			m.RetryCount = n
		case "scheduled_at":
			m.ScheduledAt, err = asTimePtr(value)
		case "claimed_at":
			m.ClaimedAt, err = asTimePtr(value)
		case "sent_at":
			m.SentAt, err = asTimePtr(value)
		case "delivered_at":
			m.DeliveredAt, err = asTimePtr(value)
		case "updated_at":
			var t *time.Time
			t, err = asTimePtr(value)
			if t != nil {
				m.UpdatedAt = *t
			}
		case "failure_reason":
			m.FailureReason, err = asStringPtr(value)
		case "provider_message_id":
			m.ProviderMessageID, err = asStringPtr(value)
		case "provider_name":
			m.ProviderName, err = asStringPtr(value)
		default:
			err = fmt.Errorf("unsupported column %q", column)
		}
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
	}
	return nil
}

func asStatus(v any) (models.MessageStatus, error) {
	switch s := v.(type) {
	case models.MessageStatus:
		return s, nil
	case string:
		return models.MessageStatus(s), nil
	}
	return "", fmt.Errorf("status: unexpected %T", v)
}

func asTimePtr(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		c := *t
		return &c, nil
	}
	return nil, fmt.Errorf("time: unexpected %T", v)
}

func asStringPtr(v any) (*string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &s, nil
	case *string:
		if s == nil {
			return nil, nil
		}
		c := *s
		return &c, nil
	}
	return nil, fmt.Errorf("string: unexpected %T", v)
}

package models

import "time"

// CircuitState is the breaker position of an external service
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// HealthStatus is the observable health of an external service
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusDown     HealthStatus = "down"
)

// ServiceHealth holds the circuit breaker state of one external service.
// Version is bumped on every write and used as the compare-and-swap guard.
type ServiceHealth struct {
	ServiceID            string       `gorm:"primaryKey;size:64" json:"service_id"`
	Status               HealthStatus `gorm:"size:16;not null;default:'healthy'" json:"status"`
	CircuitState         CircuitState `gorm:"size:16;not null;default:'closed'" json:"circuit_state"`
	ConsecutiveFailures  int          `gorm:"not null;default:0" json:"consecutive_failures"`
	ConsecutiveSuccesses int          `gorm:"not null;default:0" json:"consecutive_successes"`
	FailureThreshold     int          `gorm:"not null" json:"failure_threshold"`
	SuccessThreshold     int          `gorm:"not null" json:"success_threshold"`
	OpenDurationMs       int64        `gorm:"not null" json:"open_duration_ms"`
	CircuitOpenedAt      *time.Time   `json:"circuit_opened_at,omitempty"`
	LastFailureReason    *string      `gorm:"type:text" json:"last_failure_reason,omitempty"`
	LastFailureAt        *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time   `json:"last_success_at,omitempty"`
	Version              int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt            time.Time    `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt            time.Time    `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (ServiceHealth) TableName() string { return "service_health" }

// OpenDuration returns the configured open interval
func (s *ServiceHealth) OpenDuration() time.Duration {
	return time.Duration(s.OpenDurationMs) * time.Millisecond
}

// ReopensAt returns when an open circuit starts admitting trial calls
func (s *ServiceHealth) ReopensAt() *time.Time {
	if s.CircuitOpenedAt == nil {
		return nil
	}
	t := s.CircuitOpenedAt.Add(s.OpenDuration())
	return &t
}

// EffectiveState computes the state as observed at now. An open circuit whose
// open interval has elapsed reads as half_open without any stored transition.
func (s *ServiceHealth) EffectiveState(now time.Time) CircuitState {
	if s.CircuitState != CircuitOpen {
		return s.CircuitState
	}
	if reopens := s.ReopensAt(); reopens != nil && !now.Before(*reopens) {
		return CircuitHalfOpen
	}
	return CircuitOpen
}

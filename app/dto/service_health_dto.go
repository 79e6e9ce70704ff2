package dto

// ServiceHealthItem is the admin view of one circuit breaker
type ServiceHealthItem struct {
	ServiceID            string  `json:"service_id"`
	Status               string  `json:"status"`
	CircuitState         string  `json:"circuit_state"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	FailureThreshold     int     `json:"failure_threshold"`
	SuccessThreshold     int     `json:"success_threshold"`
	OpenDurationMs       int64   `json:"open_duration_ms"`
	CircuitOpenedAt      *string `json:"circuit_opened_at,omitempty"`
	ReopensAt            *string `json:"reopens_at,omitempty"`
	LastFailureReason    *string `json:"last_failure_reason,omitempty"`
	LastFailureAt        *string `json:"last_failure_at,omitempty"`
	LastSuccessAt        *string `json:"last_success_at,omitempty"`
}

// ListServiceHealthResponse lists every known circuit
type ListServiceHealthResponse struct {
	Services []ServiceHealthItem `json:"services"`
}

// ResetServiceResponse reports the outcome of a circuit reset
type ResetServiceResponse struct {
	ServiceID string `json:"service_id"`
	Reset     bool   `json:"reset"`
}

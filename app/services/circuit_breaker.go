package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/repository"
	"github.com/amirphl/vendor-relay/utils"
)

// Well-known external services
const (
	ServiceClever    = "clever"
	ServiceClassLink = "classlink"
	ServiceTwilio    = "twilio"
	ServiceSendGrid  = "sendgrid"
)

// steady success on a healthy closed circuit is written at most once per interval
const successWriteInterval = time.Second

var ErrBreakerContention = errors.New("circuit breaker state changed concurrently")

// ApplyFailure returns h after one failed call observed at now.
// The second result is false when nothing needs to be written.
func ApplyFailure(h models.ServiceHealth, reason string, now time.Time) (models.ServiceHealth, bool) {
	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.LastFailureReason = &reason
	h.LastFailureAt = &now

	switch h.EffectiveState(now) {
	case models.CircuitHalfOpen:
		// trial failed
		h.CircuitState = models.CircuitOpen
		h.CircuitOpenedAt = &now
		h.Status = models.HealthStatusDown
	case models.CircuitOpen:
		// a call admitted before the circuit opened; keep the original open time
	default:
		if h.ConsecutiveFailures >= h.FailureThreshold {
			h.CircuitState = models.CircuitOpen
			h.CircuitOpenedAt = &now
			h.Status = models.HealthStatusDown
		} else if 2*h.ConsecutiveFailures >= h.FailureThreshold {
			h.Status = models.HealthStatusDegraded
		}
	}
	return h, true
}

// ApplySuccess returns h after one successful call observed at now
func ApplySuccess(h models.ServiceHealth, now time.Time) (models.ServiceHealth, bool) {
	switch h.EffectiveState(now) {
	case models.CircuitOpen:
		return h, false
	case models.CircuitHalfOpen:
		h.ConsecutiveSuccesses++
		h.LastSuccessAt = &now
		if h.ConsecutiveSuccesses >= h.SuccessThreshold {
			return closedHealth(h), true
		}
		h.CircuitState = models.CircuitHalfOpen
		h.Status = models.HealthStatusDegraded
		return h, true
	default:
		if h.ConsecutiveFailures == 0 && h.Status == models.HealthStatusHealthy && h.LastSuccessAt != nil &&
			now.Sub(*h.LastSuccessAt) < successWriteInterval {
			return h, false
		}
		h.ConsecutiveFailures = 0
		h.ConsecutiveSuccesses = 0
		h.Status = models.HealthStatusHealthy
		h.LastSuccessAt = &now
		return h, true
	}
}

func closedHealth(h models.ServiceHealth) models.ServiceHealth {
	h.CircuitState = models.CircuitClosed
	h.Status = models.HealthStatusHealthy
	h.ConsecutiveFailures = 0
	h.ConsecutiveSuccesses = 0
	h.CircuitOpenedAt = nil
	return h
}

// CircuitBreakerRegistry owns the breaker state of every external service.
// State lives in the store so all worker instances share it.
type CircuitBreakerRegistry struct {
	repo   repository.ServiceHealthRepository
	cfg    config.BreakerConfig
	audit  AuditSink
	logger *log.Logger
	now    func() time.Time
}

// NewCircuitBreakerRegistry creates a registry; audit may be nil
func NewCircuitBreakerRegistry(repo repository.ServiceHealthRepository, cfg config.BreakerConfig, audit AuditSink, logger *log.Logger) *CircuitBreakerRegistry {
	if cfg.CASAttempts < 1 {
		cfg.CASAttempts = 5
	}
	return &CircuitBreakerRegistry{repo: repo, cfg: cfg, audit: audit, logger: logger, now: utils.UTCNow}
}

// SettingsFor returns the thresholds a service is created with
func (r *CircuitBreakerRegistry) SettingsFor(serviceID string) config.BreakerSettings {
	if s, ok := r.cfg.Overrides[serviceID]; ok {
		return s
	}
	switch serviceID {
	case ServiceClever, ServiceClassLink:
		return r.cfg.Identity
	case ServiceTwilio, ServiceSendGrid:
		return r.cfg.Messaging
	default:
		return r.cfg.Default
	}
}

// Get returns the stored health of a service, creating it with defaults on first use
func (r *CircuitBreakerRegistry) Get(ctx context.Context, serviceID string) (*models.ServiceHealth, error) {
	h, err := r.repo.ByServiceID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h, nil
	}

	s := r.SettingsFor(serviceID)
	return r.repo.CreateIfAbsent(ctx, &models.ServiceHealth{
		ServiceID:        serviceID,
		Status:           models.HealthStatusHealthy,
		CircuitState:     models.CircuitClosed,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		OpenDurationMs:   s.OpenDuration.Milliseconds(),
	})
}

// Allow returns a *CircuitOpenError when the service must not be called now
func (r *CircuitBreakerRegistry) Allow(ctx context.Context, serviceID string) (*models.ServiceHealth, error) {
	h, err := r.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	state := h.EffectiveState(now)
	circuitState.WithLabelValues(serviceID).Set(stateValue(state))
	if state == models.CircuitOpen {
		circuitRejections.WithLabelValues(serviceID).Inc()
		return h, &CircuitOpenError{
			ServiceID: serviceID,
			OpenedAt:  utils.Deref(h.CircuitOpenedAt),
			ReopensAt: utils.Deref(h.ReopensAt()),
		}
	}
	return h, nil
}

// RecordSuccess applies a successful call
func (r *CircuitBreakerRegistry) RecordSuccess(ctx context.Context, serviceID string) (*models.ServiceHealth, error) {
	return r.update(ctx, serviceID, func(h models.ServiceHealth, now time.Time) (models.ServiceHealth, bool) {
		return ApplySuccess(h, now)
	})
}

// RecordFailure applies a failed call
func (r *CircuitBreakerRegistry) RecordFailure(ctx context.Context, serviceID, reason string) (*models.ServiceHealth, error) {
	return r.update(ctx, serviceID, func(h models.ServiceHealth, now time.Time) (models.ServiceHealth, bool) {
		return ApplyFailure(h, reason, now)
	})
}

func (r *CircuitBreakerRegistry) update(ctx context.Context, serviceID string, transition func(models.ServiceHealth, time.Time) (models.ServiceHealth, bool)) (*models.ServiceHealth, error) {
	for attempt := 0; attempt < r.cfg.CASAttempts; attempt++ {
		current, err := r.Get(ctx, serviceID)
		if err != nil {
			return nil, err
		}

		now := r.now()
		next, changed := transition(*current, now)
		if !changed {
			return current, nil
		}

		ok, err := r.repo.CompareAndSwap(ctx, &next, current.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			r.observe(ctx, current, &next, now)
			return &next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrBreakerContention, serviceID, r.cfg.CASAttempts)
}

func (r *CircuitBreakerRegistry) observe(ctx context.Context, prev, next *models.ServiceHealth, now time.Time) {
	from, to := prev.EffectiveState(now), next.EffectiveState(now)
	circuitState.WithLabelValues(next.ServiceID).Set(stateValue(to))
	if from == to {
		return
	}
	circuitTransitions.WithLabelValues(next.ServiceID, string(from), string(to)).Inc()
	r.logger.Printf("circuit %s: %s -> %s (failures=%d)", next.ServiceID, from, to, next.ConsecutiveFailures)

	var action string
	switch to {
	case models.CircuitOpen:
		action = models.AuditActionCircuitOpened
	case models.CircuitClosed:
		action = models.AuditActionCircuitClosed
	default:
		return
	}
	if r.audit == nil {
		return
	}
	desc := fmt.Sprintf("Circuit for %s moved from %s to %s", next.ServiceID, from, to)
	entry := &models.AuditLog{
		Action:      action,
		EntityType:  models.AuditEntityService,
		EntityID:    next.ServiceID,
		Description: &desc,
		Success:     utils.ToPtr(true),
	}
	if next.LastFailureReason != nil && to == models.CircuitOpen {
		entry.ErrorMessage = next.LastFailureReason
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.Printf("failed to audit circuit transition for %s: %v", next.ServiceID, err)
	}
}

// List returns the stored health of every known service
func (r *CircuitBreakerRegistry) List(ctx context.Context) ([]*models.ServiceHealth, error) {
	return r.repo.List(ctx)
}

// Reset forgets a service's state; it is recreated with defaults on next use
func (r *CircuitBreakerRegistry) Reset(ctx context.Context, serviceID string) (bool, error) {
	deleted, err := r.repo.Delete(ctx, serviceID)
	if err != nil {
		return false, err
	}
	if deleted {
		circuitState.WithLabelValues(serviceID).Set(stateValue(models.CircuitClosed))
		r.logger.Printf("circuit %s reset", serviceID)
	}
	return deleted, nil
}

// Now returns the registry clock
func (r *CircuitBreakerRegistry) Now() time.Time {
	return r.now()
}

func stateValue(s models.CircuitState) float64 {
	switch s {
	case models.CircuitOpen:
		return 2
	case models.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

type callOptions[T any] struct {
	fallback  func(ctx context.Context, cause error) (T, error)
	isFailure func(error) bool
}

// CallOption configures WithCircuitBreaker
type CallOption[T any] func(*callOptions[T])

// WithFallback runs fb instead of failing when the circuit is open or the call fails
func WithFallback[T any](fb func(ctx context.Context, cause error) (T, error)) CallOption[T] {
	return func(o *callOptions[T]) { o.fallback = fb }
}

// WithFailureFilter limits which errors count against the service's health.
// Errors rejected by the filter are returned but recorded as a healthy response.
func WithFailureFilter[T any](isFailure func(error) bool) CallOption[T] {
	return func(o *callOptions[T]) { o.isFailure = isFailure }
}

// WithCircuitBreaker calls fn unless the service's circuit is open and records the outcome.
// An open circuit returns a *CircuitOpenError (or the fallback's result) without calling fn.
func WithCircuitBreaker[T any](ctx context.Context, registry *CircuitBreakerRegistry, serviceID string, fn func(context.Context) (T, error), opts ...CallOption[T]) (T, error) {
	o := callOptions[T]{isFailure: func(error) bool { return true }}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	if _, err := registry.Allow(ctx, serviceID); err != nil {
		if _, open := AsCircuitOpen(err); open {
			if o.fallback != nil {
				return o.fallback(ctx, err)
			}
			return zero, err
		}
		// breaker store unavailable: let the call through
		registry.logger.Printf("circuit state unavailable for %s, calling through: %v", serviceID, err)
	}

	result, err := fn(ctx)
	if err != nil && o.isFailure(err) {
		if _, recErr := registry.RecordFailure(ctx, serviceID, err.Error()); recErr != nil {
			registry.logger.Printf("failed to record failure for %s: %v", serviceID, recErr)
		}
		if o.fallback != nil {
			return o.fallback(ctx, err)
		}
		return result, err
	}

	if _, recErr := registry.RecordSuccess(ctx, serviceID); recErr != nil {
		registry.logger.Printf("failed to record success for %s: %v", serviceID, recErr)
	}
	return result, err
}

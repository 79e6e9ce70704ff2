package businessflow

import (
	"context"
	"log"
	"strings"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/models"
	"github.com/amirphl/vendor-relay/utils"
)

// ServiceHealthFlow exposes circuit breaker state to operators
type ServiceHealthFlow interface {
	ListServices(ctx context.Context) (*dto.ListServiceHealthResponse, error)
	ResetService(ctx context.Context, serviceID string, metadata *ClientMetadata) (*dto.ResetServiceResponse, error)
}

type ServiceHealthFlowImpl struct {
	breakers *services.CircuitBreakerRegistry
	audit    auditor
}

func NewServiceHealthFlow(breakers *services.CircuitBreakerRegistry, auditSink services.AuditSink, logger *log.Logger) ServiceHealthFlow {
	return &ServiceHealthFlowImpl{
		breakers: breakers,
		audit:    auditor{sink: auditSink, logger: logger},
	}
}

func (f *ServiceHealthFlowImpl) ListServices(ctx context.Context) (*dto.ListServiceHealthResponse, error) {
	rows, err := f.breakers.List(ctx)
	if err != nil {
		return nil, NewBusinessError("LIST_SERVICES_FAILED", "Failed to list service health", err)
	}
	now := f.breakers.Now()
	resp := &dto.ListServiceHealthResponse{Services: make([]dto.ServiceHealthItem, 0, len(rows))}
	for _, h := range rows {
		resp.Services = append(resp.Services, ToServiceHealthItem(h, now))
	}
	return resp, nil
}

func (f *ServiceHealthFlowImpl) ResetService(ctx context.Context, serviceID string, metadata *ClientMetadata) (*dto.ResetServiceResponse, error) {
	serviceID = strings.ToLower(strings.TrimSpace(serviceID))
	if serviceID == "" {
		return nil, NewValidationError("service_id", ErrServiceNotFound)
	}

	deleted, err := f.breakers.Reset(ctx, serviceID)
	if err != nil {
		return nil, NewBusinessError("RESET_SERVICE_FAILED", "Failed to reset service", err)
	}
	if !deleted {
		return nil, &NotFoundError{Entity: "service", ID: serviceID, Err: ErrServiceNotFound}
	}

	f.audit.record(ctx, &models.AuditLog{
		Action:      models.AuditActionCircuitReset,
		EntityType:  models.AuditEntityService,
		EntityID:    serviceID,
		Description: utils.ToPtr("circuit state reset by operator"),
		RequestID:   metadata.requestIDPtr(),
	})
	return &dto.ResetServiceResponse{ServiceID: serviceID, Reset: true}, nil
}

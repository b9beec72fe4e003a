package lab

import (
	"context"

	"github.com/google/uuid"
)

// OrderFilter narrows ListOrders results. Zero values mean no constraint.
type OrderFilter struct {
	Status       OrderStatus
	PatientRef   *uuid.UUID
	ClinicianRef *uuid.UUID
}

// ReportFilter narrows ListReports results.
type ReportFilter struct {
	Status       ReportStatus
	PatientRef   *uuid.UUID
	PerformerRef *uuid.UUID
	OrderRef     *uuid.UUID
}

// OrderRepository persists the order aggregate including its tests.
// Update replaces the aggregate with compare-and-swap on version_id and
// returns db.ErrStaleVersion when the persisted version has moved on.
type OrderRepository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	Update(ctx context.Context, o *LabOrder) error
	List(ctx context.Context, filter OrderFilter, limit, offset int) ([]*LabOrder, int, error)
}

// ReportRepository persists the report aggregate including its results,
// with the same CAS contract as OrderRepository.
type ReportRepository interface {
	Create(ctx context.Context, r *LabReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabReport, error)
	Update(ctx context.Context, r *LabReport) error
	List(ctx context.Context, filter ReportFilter, limit, offset int) ([]*LabReport, int, error)
}

// HistoryRepository records order and report status transitions.
type HistoryRepository interface {
	Record(ctx context.Context, h *StatusHistory) error
	ListByResource(ctx context.Context, resourceType string, resourceID uuid.UUID) ([]*StatusHistory, error)
}

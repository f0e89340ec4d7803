package pipeline

import (
	"context"

	"segmentation-workers/internal/models"
)

// OrderSource returns every order of a tenant. No orders is an empty slice,
// not an error.
type OrderSource interface {
	FetchOrders(ctx context.Context, tenantID string) ([]models.Order, error)
}

// TenantSource lists tenants. An empty tenantID selects all tenants.
type TenantSource interface {
	FetchTenants(ctx context.Context, tenantID string) ([]models.Tenant, error)
}

// SegmentSink persists assignments in the order given and reports per-row
// outcomes. When writes fail it returns the ids that were not written
// together with the first cause.
type SegmentSink interface {
	UpdateSegments(ctx context.Context, assignments []models.SegmentAssignment) (models.UpdateResult, error)
}

// Notifier delivers a segment message to one customer.
type Notifier interface {
	Notify(ctx context.Context, customerID string, segment models.Segment, tenantName string) (models.DeliveryStatus, error)
}

// SummaryPublisher receives the summary of every finished tenant run.
type SummaryPublisher interface {
	Publish(ctx context.Context, summary models.RunSummary) error
}

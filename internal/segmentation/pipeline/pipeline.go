// Package pipeline runs segmentation for one tenant or a batch of tenants:
// fetch orders, extract RFM, label, persist, then notify and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/metrics"
	"segmentation-workers/internal/models"
	"segmentation-workers/internal/segmentation/labeler"
	"segmentation-workers/internal/segmentation/rfm"
)

const tracerName = "segmentation-workers/pipeline"

// Options wires a Pipeline. Orders, Tenants and Sink are required.
type Options struct {
	Orders     OrderSource
	Tenants    TenantSource
	Sink       SegmentSink
	Notifier   Notifier           // optional
	Publishers []SummaryPublisher // optional
	Labeling   labeler.Options
	Notify     bool
	Logger     logger.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Pipeline is safe for sequential reuse. Tenants are processed one at a time.
type Pipeline struct {
	orders     OrderSource
	tenants    TenantSource
	sink       SegmentSink
	notifier   Notifier
	publishers []SummaryPublisher
	labeling   labeler.Options
	notify     bool
	log        logger.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Result describes one tenant run.
type Result struct {
	RunID                string                 `json:"runId"`
	TenantID             string                 `json:"tenantId"`
	TenantName           string                 `json:"tenantName"`
	Outcome              models.RunOutcome      `json:"outcome"`
	Customers            int                    `json:"customers"`
	Segmented            int                    `json:"segmented"`
	FailedCustomerIDs    []string               `json:"failedCustomerIds,omitempty"`
	Distribution         map[models.Segment]int `json:"distribution,omitempty"`
	Notified             int                    `json:"notified"`
	NotificationsSkipped int                    `json:"notificationsSkipped"`
	NotificationFailures int                    `json:"notificationFailures"`
	SnapshotDate         time.Time              `json:"snapshotDate,omitempty"`
	StartedAt            time.Time              `json:"startedAt"`
	FinishedAt           time.Time              `json:"finishedAt"`
}

// Summary converts the result for publishers.
func (r *Result) Summary() models.RunSummary {
	return models.RunSummary{
		RunID:             r.RunID,
		TenantID:          r.TenantID,
		TenantName:        r.TenantName,
		Outcome:           r.Outcome,
		Customers:         r.Customers,
		Segmented:         r.Segmented,
		Distribution:      r.Distribution,
		FailedCustomerIDs: r.FailedCustomerIDs,
		SnapshotDate:      r.SnapshotDate,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
	}
}

func New(opts Options) (*Pipeline, error) {
	if opts.Orders == nil || opts.Tenants == nil || opts.Sink == nil {
		return nil, fmt.Errorf("pipeline: order source, tenant source and sink are required")
	}
	k := opts.Labeling.K
	if k == 0 {
		k = labeler.DefaultClusters
	}
	if k < 1 || k > len(models.Vocabulary) {
		return nil, apperrors.NewInvalidClusterCountError(k, len(models.Vocabulary))
	}
	opts.Labeling.K = k

	p := &Pipeline{
		orders:     opts.Orders,
		tenants:    opts.Tenants,
		sink:       opts.Sink,
		notifier:   opts.Notifier,
		publishers: opts.Publishers,
		labeling:   opts.Labeling,
		notify:     opts.Notify,
		log:        opts.Logger,
		tracer:     opts.Tracer,
		now:        opts.Now,
	}
	if p.log == nil {
		p.log = logger.NewNoOpLogger()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// WithNotify returns a copy of p with notifications switched on or off.
func (p *Pipeline) WithNotify(notify bool) *Pipeline {
	cp := *p
	cp.notify = notify
	return &cp
}

// WithClusters returns a copy of p that labels with k clusters.
func (p *Pipeline) WithClusters(k int) (*Pipeline, error) {
	if k < 1 || k > len(models.Vocabulary) {
		return nil, apperrors.NewInvalidClusterCountError(k, len(models.Vocabulary))
	}
	cp := *p
	cp.labeling.K = k
	return &cp, nil
}

// Run segments a single tenant by id.
func (p *Pipeline) Run(ctx context.Context, tenantID string) (*Result, error) {
	if tenantID == "" {
		return nil, apperrors.NewValidationError("tenantId is required")
	}
	tenants, err := p.tenants.FetchTenants(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewDataAccessError("fetch_tenants", err)
	}
	for _, t := range tenants {
		if t.ID == tenantID {
			return p.RunTenant(ctx, t)
		}
	}
	return nil, apperrors.NewResourceNotFoundError("tenant", fmt.Sprintf("tenantId: %s", tenantID))
}

// RunTenant executes every step for one tenant. No orders and too few
// customers end the run without writing anything and without an error.
func (p *Pipeline) RunTenant(ctx context.Context, tenant models.Tenant) (*Result, error) {
	res := &Result{
		RunID:      uuid.NewString(),
		TenantID:   tenant.ID,
		TenantName: tenant.DisplayName,
		StartedAt:  p.now(),
	}
	log := p.log.WithFields(map[string]interface{}{
		"tenantId": tenant.ID,
		"runId":    res.RunID,
	})

	ctx, span := p.tracer.Start(ctx, "segmentation.run_tenant", trace.WithAttributes(
		attribute.String("tenant.id", tenant.ID),
		attribute.String("run.id", res.RunID),
	))
	defer span.End()

	err := p.runTenant(ctx, tenant, res, log)

	res.FinishedAt = p.now()
	if res.Outcome == "" {
		res.Outcome = models.OutcomeFailed
	}
	metrics.SegmentationRuns.WithLabelValues(string(res.Outcome)).Inc()
	metrics.SegmentationRunDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	span.SetAttributes(
		attribute.String("run.outcome", string(res.Outcome)),
		attribute.Int("run.segmented", res.Segmented),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if res.Outcome == models.OutcomeCompleted || res.Outcome == models.OutcomePartial {
		p.publish(ctx, res, log)
	}

	log.Info("Segmentation run finished", map[string]interface{}{
		"outcome":              res.Outcome,
		"customers":            res.Customers,
		"segmented":            res.Segmented,
		"failed":               len(res.FailedCustomerIDs),
		"notified":             res.Notified,
		"notificationFailures": res.NotificationFailures,
		"durationMs":           res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	})
	return res, err
}

func (p *Pipeline) runTenant(ctx context.Context, tenant models.Tenant, res *Result, log logger.Logger) error {
	orders, err := p.fetchOrders(ctx, tenant.ID)
	if err != nil {
		log.Error("Failed to fetch orders", map[string]interface{}{"error": err.Error()})
		return err
	}

	table, err := rfm.Extract(orders)
	if errors.Is(err, rfm.ErrEmptyInput) {
		res.Outcome = models.OutcomeNoOrders
		log.Info("No orders to segment", nil)
		return nil
	}
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	res.Customers = table.Len()
	res.SnapshotDate = table.SnapshotDate
	log.Debug("Extracted RFM features", map[string]interface{}{
		"orders":       len(orders),
		"customers":    res.Customers,
		"snapshotDate": table.SnapshotDate,
	})

	if err := ctx.Err(); err != nil {
		return err
	}

	model, err := p.label(ctx, table.Sorted())
	switch {
	case errors.Is(err, labeler.ErrInsufficientData):
		res.Outcome = models.OutcomeInsufficientData
		log.Warn("Not enough customers to segment", map[string]interface{}{
			"customers": res.Customers,
			"clusters":  p.labeling.K,
		})
		return nil
	case errors.Is(err, labeler.ErrInvalidClusterCount):
		return apperrors.NewInvalidClusterCountError(p.labeling.K, len(models.Vocabulary))
	case err != nil:
		return apperrors.NewInternalError(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	persisted, perr := p.persist(ctx, tenant.ID, model.Assignments, res, log)

	if p.notify && p.notifier != nil && len(persisted) > 0 {
		p.notifyAll(ctx, tenant, persisted, res, log)
	}
	return perr
}

func (p *Pipeline) fetchOrders(ctx context.Context, tenantID string) ([]models.Order, error) {
	ctx, span := p.tracer.Start(ctx, "segmentation.fetch_orders")
	defer span.End()

	orders, err := p.orders.FetchOrders(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.NewDataAccessError("fetch_orders", err)
	}
	span.SetAttributes(attribute.Int("orders", len(orders)))
	return orders, nil
}

func (p *Pipeline) label(ctx context.Context, records []rfm.Record) (*labeler.Model, error) {
	_, span := p.tracer.Start(ctx, "segmentation.label", trace.WithAttributes(
		attribute.Int("customers", len(records)),
		attribute.Int("clusters", p.labeling.K),
	))
	defer span.End()
	return labeler.Fit(records, p.labeling)
}

// persist writes assignments in customer id order and returns the ones that
// were written.
func (p *Pipeline) persist(ctx context.Context, tenantID string, assignments []models.SegmentAssignment, res *Result, log logger.Logger) ([]models.SegmentAssignment, error) {
	ctx, span := p.tracer.Start(ctx, "segmentation.persist", trace.WithAttributes(
		attribute.Int("assignments", len(assignments)),
	))
	defer span.End()

	ordered := make([]models.SegmentAssignment, len(assignments))
	copy(ordered, assignments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CustomerID < ordered[j].CustomerID })

	upd, err := p.sink.UpdateSegments(ctx, ordered)

	if err != nil && upd.Updated <= 0 && len(upd.Failed) == 0 {
		// nothing was attempted
		res.Outcome = models.OutcomeFailed
		for _, a := range ordered {
			res.FailedCustomerIDs = append(res.FailedCustomerIDs, a.CustomerID)
		}
		span.RecordError(err)
		return nil, apperrors.NewDataAccessError("update_segments", err)
	}

	persisted, failed := splitWritten(ordered, upd, err)
	res.Distribution = make(map[models.Segment]int)
	for _, a := range persisted {
		res.Distribution[a.Segment]++
		metrics.CustomersSegmented.WithLabelValues(string(a.Segment)).Inc()
	}
	for _, a := range failed {
		res.FailedCustomerIDs = append(res.FailedCustomerIDs, a.CustomerID)
	}
	res.Segmented = len(persisted)

	if len(res.FailedCustomerIDs) == 0 && err != nil {
		// every row reported written, yet the sink failed
		res.Outcome = models.OutcomePartial
		span.RecordError(err)
		log.Error("Segment sink failed after writing all rows", map[string]interface{}{
			"updated": res.Segmented,
			"error":   err.Error(),
		})
		return persisted, apperrors.NewDataAccessError("update_segments", err)
	}
	if len(res.FailedCustomerIDs) == 0 {
		res.Outcome = models.OutcomeCompleted
		return persisted, nil
	}

	metrics.PersistFailures.Add(float64(len(res.FailedCustomerIDs)))
	res.Outcome = models.OutcomePartial
	if err == nil {
		err = fmt.Errorf("sink reported %d failed writes", len(res.FailedCustomerIDs))
	}
	span.RecordError(err)
	log.Error("Segment persistence incomplete", map[string]interface{}{
		"updated": res.Segmented,
		"failed":  len(res.FailedCustomerIDs),
		"error":   err.Error(),
	})
	return persisted, &PartialPersistenceError{
		TenantID:          tenantID,
		Updated:           res.Segmented,
		FailedCustomerIDs: res.FailedCustomerIDs,
		Cause:             err,
	}
}

// splitWritten separates written from unwritten assignments. A clean result
// is trusted id by id. After an error, or when the counts do not add up,
// only the first upd.Updated rows count as written since the sink stops at
// the first failure.
func splitWritten(ordered []models.SegmentAssignment, upd models.UpdateResult, err error) (written, failed []models.SegmentAssignment) {
	if err == nil && upd.Updated+len(upd.Failed) == len(ordered) {
		skip := make(map[string]bool, len(upd.Failed))
		for _, id := range upd.Failed {
			skip[id] = true
		}
		for _, a := range ordered {
			if skip[a.CustomerID] {
				failed = append(failed, a)
			} else {
				written = append(written, a)
			}
		}
		return written, failed
	}

	n := upd.Updated
	if n < 0 {
		n = 0
	}
	if n > len(ordered) {
		n = len(ordered)
	}
	return ordered[:n], ordered[n:]
}

// notifyAll is best-effort: failures are counted and logged only.
func (p *Pipeline) notifyAll(ctx context.Context, tenant models.Tenant, persisted []models.SegmentAssignment, res *Result, log logger.Logger) {
	ctx, span := p.tracer.Start(ctx, "segmentation.notify")
	defer span.End()

	for _, a := range persisted {
		if ctx.Err() != nil {
			log.Warn("Notification loop cancelled", map[string]interface{}{"notified": res.Notified})
			return
		}
		status, err := p.notifier.Notify(ctx, a.CustomerID, a.Segment, tenant.DisplayName)
		if err != nil {
			status = models.DeliveryFailed
		}
		switch status {
		case models.DeliverySent:
			res.Notified++
		case models.DeliverySkipped:
			res.NotificationsSkipped++
		default:
			res.NotificationFailures++
			fields := map[string]interface{}{"customerId": a.CustomerID, "segment": a.Segment}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("Notification failed", fields)
		}
	}
	span.SetAttributes(
		attribute.Int("notified", res.Notified),
		attribute.Int("failures", res.NotificationFailures),
	)
}

func (p *Pipeline) publish(ctx context.Context, res *Result, log logger.Logger) {
	if len(p.publishers) == 0 {
		return
	}
	summary := res.Summary()
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, summary); err != nil {
			log.Warn("Failed to publish run summary", map[string]interface{}{"error": err.Error()})
		}
	}
}

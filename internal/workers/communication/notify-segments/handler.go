package notifysegments

import (
	"context"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/metrics"
	"segmentation-workers/internal/common/validation"
	"segmentation-workers/internal/models"
	"segmentation-workers/internal/notify"
)

const TaskType = "notify-segments"

// CustomerSource loads a tenant and its segmented customers.
type CustomerSource interface {
	FetchTenants(ctx context.Context, tenantID string) ([]models.Tenant, error)
	FetchSegmentedCustomers(ctx context.Context, tenantID string) ([]models.Customer, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, customer models.Customer, tenantName string) ([]models.Notification, error)
}

type Handler struct {
	config    *Config
	customers CustomerSource
	deliverer Deliverer
	logger    logger.Logger
	errors    *errors.ErrorHandler
}

func NewHandler(cfg *Config, customers CustomerSource, deliverer Deliverer, log logger.Logger) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if customers == nil || deliverer == nil {
		return nil, fmt.Errorf("%s: customer source and deliverer are required", TaskType)
	}
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"worker": TaskType})

	return &Handler{
		config:    cfg,
		customers: customers,
		deliverer: deliverer,
		logger:    log,
		errors:    errors.NewErrorHandler(log),
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("Processing segment notification job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.Normalize(err).Code)).Inc()
	h.errors.HandleJobError(ctx, client, job, err)
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInputParsingError(err)
	}

	result, err := validation.NotifySegmentsInput.Validate(variables)
	if err != nil {
		return nil, errors.NewInputParsingError(err)
	}
	if !result.Valid {
		return nil, errors.NewValidationError(fmt.Sprintf("Validation errors: %v", result.GetErrorMessages()))
	}

	input := &Input{TenantID: variables["tenantId"].(string)}
	if raw, ok := variables["segments"].([]interface{}); ok {
		for _, s := range raw {
			seg, err := models.ParseSegment(s.(string))
			if err != nil {
				return nil, errors.NewValidationError(err.Error())
			}
			input.Segments = append(input.Segments, seg)
		}
	}
	return input, nil
}

// Execute notifies every segmented customer of the tenant. Individual
// delivery failures are counted, not returned, unless nothing was sent at
// all while something failed.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	tenants, err := h.customers.FetchTenants(ctx, input.TenantID)
	if err != nil {
		return nil, errors.NewDataAccessError("fetch_tenants", err)
	}
	var tenant *models.Tenant
	for i := range tenants {
		if tenants[i].ID == input.TenantID {
			tenant = &tenants[i]
		}
	}
	if tenant == nil {
		return nil, errors.NewResourceNotFoundError("tenant", "tenantId: "+input.TenantID)
	}

	customers, err := h.customers.FetchSegmentedCustomers(ctx, tenant.ID)
	if err != nil {
		return nil, errors.NewDataAccessError("fetch_segmented_customers", err)
	}

	wanted := make(map[models.Segment]bool, len(input.Segments))
	for _, s := range input.Segments {
		wanted[s] = true
	}

	out := &Output{}
	var lastErr error
	for _, c := range customers {
		if len(wanted) > 0 && !wanted[c.Segment] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternalError(err)
		}

		out.CustomersProcessed++
		sent, err := h.deliverer.Deliver(ctx, c, tenant.DisplayName)
		switch notify.Status(sent) {
		case models.DeliverySent:
			out.Sent++
		case models.DeliveryFailed:
			out.Failed++
			lastErr = err
		default:
			if err != nil {
				// unknown segment or similar: nothing was attempted
				out.Failed++
				lastErr = err
			} else {
				out.Skipped++
			}
		}
	}

	h.logger.Info("Segment notifications dispatched", map[string]interface{}{
		"tenantId":  tenant.ID,
		"customers": out.CustomersProcessed,
		"sent":      out.Sent,
		"skipped":   out.Skipped,
		"failed":    out.Failed,
	})

	if out.Sent == 0 && out.Failed > 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%d deliveries failed", out.Failed)
		}
		return nil, errors.NewNotificationSendFailedError("all", lastErr)
	}
	return out, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(output.ToVariables())
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	if _, err := request.Send(ctx); err != nil {
		h.logger.Error("Failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
	}
}

package segmentcustomers

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/metrics"
	"segmentation-workers/internal/common/validation"
	"segmentation-workers/internal/models"
	"segmentation-workers/internal/segmentation/pipeline"
)

const TaskType = "segment-customers"

type Handler struct {
	config   *Config
	pipeline *pipeline.Pipeline
	logger   logger.Logger
	errors   *errors.ErrorHandler
}

func NewHandler(cfg *Config, p *pipeline.Pipeline, log logger.Logger) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%s: pipeline is required", TaskType)
	}
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"worker": TaskType})

	return &Handler{
		config:   cfg,
		pipeline: p,
		logger:   log,
		errors:   errors.NewErrorHandler(log),
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("Processing segmentation job", map[string]interface{}{
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
	return parseVariables(variables)
}

func parseVariables(variables map[string]interface{}) (*Input, error) {
	result, err := validation.SegmentCustomersInput.Validate(variables)
	if err != nil {
		return nil, errors.NewInputParsingError(err)
	}
	if !result.Valid {
		return nil, errors.NewValidationError(fmt.Sprintf("Validation errors: %v", result.GetErrorMessages()))
	}

	input := &Input{}
	if tenantID, ok := variables["tenantId"].(string); ok {
		input.TenantID = tenantID
	}
	if notify, ok := variables["notify"].(bool); ok {
		input.Notify = &notify
	}
	if clusters, ok := variables["clusters"].(float64); ok {
		input.Clusters = int(clusters)
	}
	return input, nil
}

// Execute segments one tenant, or every tenant when no id is given.
// Partially persisted runs complete with the failed ids listed.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	p := h.pipeline
	if input.Notify != nil {
		p = p.WithNotify(*input.Notify)
	}
	if input.Clusters > 0 {
		var err error
		if p, err = p.WithClusters(input.Clusters); err != nil {
			return nil, err
		}
	}

	if input.TenantID != "" {
		return h.executeTenant(ctx, p, input.TenantID)
	}

	batch, err := p.RunAll(ctx, "")
	if err != nil {
		return nil, err
	}
	return &Output{
		SegmentedCount:    batch.Segmented(),
		TenantsProcessed:  len(batch.Results),
		Outcome:           batchOutcome(batch),
		FailedCustomerIDs: batch.FailedCustomerIDs(),
		FailedTenants:     batch.FailedTenants(),
	}, nil
}

func (h *Handler) executeTenant(ctx context.Context, p *pipeline.Pipeline, tenantID string) (*Output, error) {
	res, err := p.Run(ctx, tenantID)
	var partial *pipeline.PartialPersistenceError
	if err != nil && !stderrors.As(err, &partial) {
		return nil, err
	}

	out := &Output{
		SegmentedCount:    res.Segmented,
		TenantsProcessed:  1,
		Outcome:           res.Outcome,
		FailedCustomerIDs: res.FailedCustomerIDs,
	}
	if partial != nil {
		out.FailedTenants = []string{tenantID}
		h.logger.Warn("Segments partially persisted", map[string]interface{}{
			"tenantId": tenantID,
			"updated":  partial.Updated,
			"failed":   len(partial.FailedCustomerIDs),
		})
	}
	return out, nil
}

func batchOutcome(b *pipeline.BatchResult) models.RunOutcome {
	switch {
	case len(b.Failures) == 0:
		return models.OutcomeCompleted
	case len(b.Failures) == len(b.Results):
		return models.OutcomeFailed
	default:
		return models.OutcomePartial
	}
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
		return
	}

	h.logger.Info("Segmentation job completed", map[string]interface{}{
		"jobKey":           job.GetKey(),
		"outcome":          string(output.Outcome),
		"segmentedCount":   output.SegmentedCount,
		"tenantsProcessed": output.TenantsProcessed,
		"failedTenants":    len(output.FailedTenants),
	})
}

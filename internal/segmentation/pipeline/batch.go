package pipeline

import (
	"context"
	"sort"

	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/models"
)

// BatchResult collects the runs of RunAll. A tenant appears in Failures when
// its run returned an error, and in Results whenever a run was attempted.
type BatchResult struct {
	Results  []*Result
	Failures map[string]error
}

// Segmented is the number of customers persisted across all tenants.
func (b *BatchResult) Segmented() int {
	n := 0
	for _, r := range b.Results {
		n += r.Segmented
	}
	return n
}

// FailedTenants returns the ids of failed tenants, sorted.
func (b *BatchResult) FailedTenants() []string {
	ids := make([]string, 0, len(b.Failures))
	for id := range b.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailedCustomerIDs flattens per-tenant write failures.
func (b *BatchResult) FailedCustomerIDs() []string {
	var ids []string
	for _, r := range b.Results {
		ids = append(ids, r.FailedCustomerIDs...)
	}
	return ids
}

// BatchOption customises RunAll.
type BatchOption func(*batchConfig)

type batchConfig struct {
	onTenantStart func(total int)
	onTenantDone  func(tenant models.Tenant, res *Result, err error)
}

// WithTenantCount is called once with the number of selected tenants.
func WithTenantCount(fn func(total int)) BatchOption {
	return func(c *batchConfig) { c.onTenantStart = fn }
}

// WithTenantDone is called after every tenant run.
func WithTenantDone(fn func(tenant models.Tenant, res *Result, err error)) BatchOption {
	return func(c *batchConfig) { c.onTenantDone = fn }
}

// RunAll segments every selected tenant in turn. A failing tenant never
// stops the batch; only listing tenants or cancellation does.
func (p *Pipeline) RunAll(ctx context.Context, tenantID string, opts ...BatchOption) (*BatchResult, error) {
	var cfg batchConfig
	for _, o := range opts {
		o(&cfg)
	}

	tenants, err := p.tenants.FetchTenants(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewDataAccessError("fetch_tenants", err)
	}
	if tenantID != "" && len(tenants) == 0 {
		return nil, apperrors.NewResourceNotFoundError("tenant", "tenantId: "+tenantID)
	}
	if cfg.onTenantStart != nil {
		cfg.onTenantStart(len(tenants))
	}

	p.log.Info("Starting segmentation batch", map[string]interface{}{
		"tenants": len(tenants),
		"filter":  tenantID,
	})

	batch := &BatchResult{Failures: make(map[string]error)}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		res, err := p.RunTenant(ctx, t)
		batch.Results = append(batch.Results, res)
		if err != nil {
			batch.Failures[t.ID] = err
		}
		if cfg.onTenantDone != nil {
			cfg.onTenantDone(t, res, err)
		}
	}

	p.log.Info("Segmentation batch finished", map[string]interface{}{
		"tenants":       len(tenants),
		"segmented":     batch.Segmented(),
		"failedTenants": len(batch.Failures),
	})
	return batch, nil
}

package segmentcustomers

import "segmentation-workers/internal/models"

type Input struct {
	TenantID string `json:"tenantId,omitempty"`
	Notify   *bool  `json:"notify,omitempty"`
	Clusters int    `json:"clusters,omitempty"`
}

type Output struct {
	SegmentedCount    int               `json:"segmentedCount"`
	TenantsProcessed  int               `json:"tenantsProcessed"`
	Outcome           models.RunOutcome `json:"outcome"`
	FailedCustomerIDs []string          `json:"failedCustomerIds"`
	FailedTenants     []string          `json:"failedTenants"`
}

// ToVariables returns the process variables set on completion.
func (o *Output) ToVariables() map[string]interface{} {
	failedCustomers := o.FailedCustomerIDs
	if failedCustomers == nil {
		failedCustomers = []string{}
	}
	failedTenants := o.FailedTenants
	if failedTenants == nil {
		failedTenants = []string{}
	}
	return map[string]interface{}{
		"segmentedCount":    o.SegmentedCount,
		"tenantsProcessed":  o.TenantsProcessed,
		"outcome":           string(o.Outcome),
		"failedCustomerIds": failedCustomers,
		"failedTenants":     failedTenants,
	}
}

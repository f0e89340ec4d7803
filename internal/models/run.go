package models

import "time"

// RunOutcome is the terminal state of a tenant segmentation run.
type RunOutcome string

const (
	OutcomeNoOrders         RunOutcome = "no_orders"
	OutcomeInsufficientData RunOutcome = "insufficient_data"
	OutcomeCompleted        RunOutcome = "completed"
	OutcomePartial          RunOutcome = "partial"
	OutcomeFailed           RunOutcome = "failed"
)

// RunSummary is what a run publishes for insights consumers.
type RunSummary struct {
	RunID             string          `json:"runId"`
	TenantID          string          `json:"tenantId"`
	TenantName        string          `json:"tenantName"`
	Outcome           RunOutcome      `json:"outcome"`
	Customers         int             `json:"customers"`
	Segmented         int             `json:"segmented"`
	Distribution      map[Segment]int `json:"distribution"`
	FailedCustomerIDs []string        `json:"failedCustomerIds,omitempty"`
	SnapshotDate      time.Time       `json:"snapshotDate,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	FinishedAt        time.Time       `json:"finishedAt"`
}

package pipeline

import (
	"fmt"

	apperrors "segmentation-workers/internal/common/errors"
)

// PartialPersistenceError reports assignments that could not be written.
// Rows written before the failure stay written.
type PartialPersistenceError struct {
	TenantID          string
	Updated           int
	FailedCustomerIDs []string
	Cause             error
}

func (e *PartialPersistenceError) Error() string {
	return fmt.Sprintf("tenant %s: %d segments written, %d failed: %v",
		e.TenantID, e.Updated, len(e.FailedCustomerIDs), e.Cause)
}

func (e *PartialPersistenceError) Unwrap() error {
	return e.Cause
}

// StandardError converts the failure for job error handling.
func (e *PartialPersistenceError) StandardError() *apperrors.StandardError {
	return apperrors.NewPartialPersistenceError(e.Updated, e.FailedCustomerIDs).
		WithMetadata("tenantId", e.TenantID)
}

package notifysegments

import "segmentation-workers/internal/models"

type Input struct {
	TenantID string           `json:"tenantId"`
	Segments []models.Segment `json:"segments,omitempty"` // empty means all
}

type Output struct {
	CustomersProcessed int `json:"customersProcessed"`
	Sent               int `json:"notificationsSent"`
	Skipped            int `json:"notificationsSkipped"`
	Failed             int `json:"notificationsFailed"`
}

func (o *Output) ToVariables() map[string]interface{} {
	return map[string]interface{}{
		"customersProcessed":   o.CustomersProcessed,
		"notificationsSent":    o.Sent,
		"notificationsSkipped": o.Skipped,
		"notificationsFailed":  o.Failed,
	}
}

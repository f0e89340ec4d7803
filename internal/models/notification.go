package models

// DeliveryStatus is the outcome of notifying one customer.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliverySkipped DeliveryStatus = "skipped"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Notification records one outbound message to a customer.
type Notification struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	CustomerID string         `json:"customerId"`
	Segment    Segment        `json:"segment"`
	Channel    string         `json:"channel"` // "email", "sms"
	Status     DeliveryStatus `json:"status"`
	MessageID  string         `json:"messageId,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// NotificationTemplate is the message sent to one segment. A template with
// neither Subject nor SMS is a deliberate no-op.
type NotificationTemplate struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	SMS     string `json:"sms,omitempty"`
}

func (t NotificationTemplate) IsNoop() bool {
	return t.Subject == "" && t.SMS == ""
}

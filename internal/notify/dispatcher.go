package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/metrics"
	"segmentation-workers/internal/models"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ContactLookup loads the contact details of one customer.
type ContactLookup interface {
	FetchCustomer(ctx context.Context, customerID string) (models.Customer, error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

// Options wires a Dispatcher. Email and SMS are optional; a nil sender
// disables the channel.
type Options struct {
	Contacts  ContactLookup
	Email     EmailSender
	SMS       SMSSender
	Templates Templates
	Logger    logger.Logger
}

// Dispatcher sends the segment template to a customer over every enabled
// channel the customer can be reached on.
type Dispatcher struct {
	contacts  ContactLookup
	email     EmailSender
	sms       SMSSender
	templates Templates
	log       logger.Logger
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Templates == nil {
		opts.Templates = DefaultTemplates()
	}
	if err := opts.Templates.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}
	return &Dispatcher{
		contacts:  opts.Contacts,
		email:     opts.Email,
		sms:       opts.SMS,
		templates: opts.Templates,
		log:       opts.Logger,
	}, nil
}

// Notify looks the customer up and delivers their segment message. A failed
// lookup is counted as one failed record since Deliver is never reached.
func (d *Dispatcher) Notify(ctx context.Context, customerID string, segment models.Segment, tenantName string) (models.DeliveryStatus, error) {
	if d.contacts == nil {
		return models.DeliveryFailed, apperrors.NewInternalError(fmt.Errorf("dispatcher has no contact lookup"))
	}
	customer, err := d.contacts.FetchCustomer(ctx, customerID)
	if err != nil {
		metrics.Notifications.WithLabelValues(string(segment), string(models.DeliveryFailed)).Inc()
		return models.DeliveryFailed, apperrors.NewDataAccessError("fetch_customer", err)
	}
	customer.Segment = segment

	sent, err := d.Deliver(ctx, customer, tenantName)
	return Status(sent), err
}

// Deliver sends to an already loaded customer and returns one record per
// channel attempted or skipped. The error is set only when nothing was sent
// and at least one channel failed.
func (d *Dispatcher) Deliver(ctx context.Context, customer models.Customer, tenantName string) ([]models.Notification, error) {
	tmpl, ok := d.templates[customer.Segment]
	if !ok {
		return nil, apperrors.NewTemplateNotFoundError(string(customer.Segment))
	}

	base := models.Notification{
		TenantID:   customer.TenantID,
		CustomerID: customer.ID,
		Segment:    customer.Segment,
	}
	if tmpl.IsNoop() {
		n := base
		n.ID = uuid.NewString()
		n.Status = models.DeliverySkipped
		n.Reason = "no message for segment"
		d.count(n)
		return []models.Notification{n}, nil
	}

	data := map[string]string{
		"shopName":  tenantName,
		"firstName": customer.FirstName,
		"segment":   string(customer.Segment),
	}
	if data["firstName"] == "" {
		data["firstName"] = "there"
	}

	var out []models.Notification
	var firstErr error

	if tmpl.Subject != "" {
		n := d.send(ctx, base, ChannelEmail, customer.Email, d.email != nil, func() (string, error) {
			return d.email.SendEmail(ctx, customer.Email, Render(tmpl.Subject, data), Render(tmpl.Body, data))
		})
		if n.Status == models.DeliveryFailed && firstErr == nil {
			firstErr = apperrors.NewNotificationSendFailedError(ChannelEmail, fmt.Errorf("%s", n.Reason))
		}
		out = append(out, n)
	}
	if tmpl.SMS != "" {
		n := d.send(ctx, base, ChannelSMS, customer.Phone, d.sms != nil, func() (string, error) {
			return d.sms.SendSMS(ctx, customer.Phone, Render(tmpl.SMS, data))
		})
		if n.Status == models.DeliveryFailed && firstErr == nil {
			firstErr = apperrors.NewNotificationSendFailedError(ChannelSMS, fmt.Errorf("%s", n.Reason))
		}
		out = append(out, n)
	}

	if Status(out) != models.DeliveryFailed {
		firstErr = nil
	}
	return out, firstErr
}

func (d *Dispatcher) send(ctx context.Context, base models.Notification, channel, address string, enabled bool, fn func() (string, error)) models.Notification {
	n := base
	n.ID = uuid.NewString()
	n.Channel = channel

	switch {
	case !enabled:
		n.Status = models.DeliverySkipped
		n.Reason = channel + " disabled"
	case address == "":
		n.Status = models.DeliverySkipped
		n.Reason = "no " + channel + " contact"
	case ctx.Err() != nil:
		n.Status = models.DeliveryFailed
		n.Reason = ctx.Err().Error()
	default:
		id, err := fn()
		if err != nil {
			n.Status = models.DeliveryFailed
			n.Reason = err.Error()
			d.log.Warn("Notification failed", map[string]interface{}{
				"customerId": n.CustomerID,
				"channel":    channel,
				"error":      err,
			})
		} else {
			n.Status = models.DeliverySent
			n.MessageID = id
		}
	}
	d.count(n)
	return n
}

func (d *Dispatcher) count(n models.Notification) {
	metrics.Notifications.WithLabelValues(string(n.Segment), string(n.Status)).Inc()
}

// Status folds per-channel records: sent if any channel sent, failed if
// any failed, skipped otherwise.
func Status(ns []models.Notification) models.DeliveryStatus {
	status := models.DeliverySkipped
	for _, n := range ns {
		switch n.Status {
		case models.DeliverySent:
			return models.DeliverySent
		case models.DeliveryFailed:
			status = models.DeliveryFailed
		}
	}
	return status
}

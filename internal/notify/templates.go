package notify

import (
	"fmt"
	"regexp"
	"strings"

	"segmentation-workers/internal/common/config"
	"segmentation-workers/internal/models"
)

// Templates maps every segment to the message its customers receive.
type Templates map[models.Segment]models.NotificationTemplate

const (
	rewardSubject = "A Special Gift from {{shopName}}!"
	rewardBody    = "Hi {{firstName}},\n\nThank you for being one of our best customers. Use code VIP20 for 20% off your next order at {{shopName}}."
	rewardSMS     = "{{shopName}}: thanks for being a top customer! Use VIP20 for 20% off your next order."

	retentionSubject = "We Miss You at {{shopName}}!"
	retentionBody    = "Hi {{firstName}},\n\nIt has been a while. Come back to {{shopName}} and use code WELCOMEBACK15 for 15% off."
	retentionSMS     = "{{shopName}} misses you! Use WELCOMEBACK15 for 15% off your next order."
)

// DefaultTemplates rewards the two best segments, tries to win back the two
// worst and leaves Potential Loyalists alone.
func DefaultTemplates() Templates {
	reward := models.NotificationTemplate{Subject: rewardSubject, Body: rewardBody, SMS: rewardSMS}
	retention := models.NotificationTemplate{Subject: retentionSubject, Body: retentionBody, SMS: retentionSMS}
	return Templates{
		models.SegmentChampions:          reward,
		models.SegmentLoyalCustomers:     reward,
		models.SegmentPotentialLoyalists: {},
		models.SegmentAtRisk:             retention,
		models.SegmentLost:               retention,
	}
}

// TemplatesFromConfig overlays configured templates on the defaults. Keys
// are matched case-insensitively against the segment vocabulary.
func TemplatesFromConfig(cfg map[string]config.TemplateConfig) (Templates, error) {
	t := DefaultTemplates()
	for key, tc := range cfg {
		seg, err := models.ParseSegment(key)
		if err != nil {
			return nil, fmt.Errorf("notification template: %w", err)
		}
		t[seg] = models.NotificationTemplate{Subject: tc.Subject, Body: tc.Body, SMS: tc.SMS}
	}
	return t, t.Validate()
}

// Validate requires a template, possibly a no-op, for every segment and a
// body for every email subject.
func (t Templates) Validate() error {
	for _, seg := range models.Vocabulary {
		tmpl, ok := t[seg]
		if !ok {
			return fmt.Errorf("no notification template for segment %q", seg)
		}
		if tmpl.Subject != "" && strings.TrimSpace(tmpl.Body) == "" {
			return fmt.Errorf("template for segment %q has a subject but no body", seg)
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`{{\s*(\w+)\s*}}`)

// Render substitutes {{key}} placeholders. Unknown keys render as empty.
func Render(tmpl string, data map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return data[key]
	})
}

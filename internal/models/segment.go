package models

import (
	"fmt"
	"strings"
)

// Segment is a human-readable customer segment label.
type Segment string

const (
	SegmentChampions          Segment = "Champions"
	SegmentLoyalCustomers     Segment = "Loyal Customers"
	SegmentPotentialLoyalists Segment = "Potential Loyalists"
	SegmentAtRisk             Segment = "At-Risk"
	SegmentLost               Segment = "Lost"
)

// Vocabulary lists segments from most to least desirable.
var Vocabulary = []Segment{
	SegmentChampions,
	SegmentLoyalCustomers,
	SegmentPotentialLoyalists,
	SegmentAtRisk,
	SegmentLost,
}

// Rank returns the position of s in Vocabulary, or -1.
func (s Segment) Rank() int {
	for i, v := range Vocabulary {
		if v == s {
			return i
		}
	}
	return -1
}

func (s Segment) Valid() bool {
	return s.Rank() >= 0
}

func (s Segment) String() string {
	return string(s)
}

// ParseSegment matches a label case-insensitively, so config keys lowered by
// the loader still resolve.
func ParseSegment(raw string) (Segment, error) {
	trimmed := strings.TrimSpace(raw)
	for _, v := range Vocabulary {
		if strings.EqualFold(string(v), trimmed) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown segment %q", raw)
}

// SegmentAssignment pairs a customer with its computed segment.
type SegmentAssignment struct {
	CustomerID string  `json:"customerId"`
	Segment    Segment `json:"segment"`
}

// UpdateResult is the per-row outcome of persisting assignments.
type UpdateResult struct {
	Updated int      `json:"updated"`
	Failed  []string `json:"failed,omitempty"`
}

// Package rfm turns a tenant's order history into per-customer Recency,
// Frequency and Monetary features.
package rfm

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"segmentation-workers/internal/models"
)

// ErrEmptyInput means there was nothing to extract. Callers treat it as a no-op.
var ErrEmptyInput = errors.New("rfm: no attributable orders")

const day = 24 * time.Hour

// Record holds the features of one customer.
type Record struct {
	CustomerID string          `json:"customerId"`
	Recency    int             `json:"recency"` // whole days, >= 0
	Frequency  int             `json:"frequency"`
	Monetary   decimal.Decimal `json:"monetary"`

	LastOrderAt time.Time `json:"lastOrderAt"`
}

// Table is the extraction result for one tenant.
type Table struct {
	// SnapshotDate is one day after the latest order.
	SnapshotDate time.Time
	Records      map[string]Record
}

// Len returns the number of customers.
func (t *Table) Len() int {
	return len(t.Records)
}

// Sorted returns records ordered by customer id.
func (t *Table) Sorted() []Record {
	out := make([]Record, 0, len(t.Records))
	for _, r := range t.Records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}

// Extract aggregates orders per customer. Orders without a customer id are
// ignored. Recency is measured against the tenant's latest order, so the
// customer holding that order has recency 0.
func Extract(orders []models.Order) (*Table, error) {
	var latest time.Time
	attributable := 0
	for _, o := range orders {
		if o.CustomerID == "" {
			continue
		}
		attributable++
		if o.CreatedAt.After(latest) {
			latest = o.CreatedAt
		}
	}
	if attributable == 0 {
		return nil, ErrEmptyInput
	}

	records := make(map[string]Record)
	for _, o := range orders {
		if o.CustomerID == "" {
			continue
		}
		r, ok := records[o.CustomerID]
		if !ok {
			r = Record{CustomerID: o.CustomerID, Monetary: decimal.Zero}
		}
		r.Frequency++
		r.Monetary = r.Monetary.Add(o.TotalPrice)
		if o.CreatedAt.After(r.LastOrderAt) {
			r.LastOrderAt = o.CreatedAt
		}
		records[o.CustomerID] = r
	}

	for id, r := range records {
		r.Recency = DaysBetween(r.LastOrderAt, latest)
		records[id] = r
	}

	return &Table{
		SnapshotDate: latest.Add(day),
		Records:      records,
	}, nil
}

// DaysBetween returns the days from a to b with partial days rounded up.
// It is 0 only when a is not before b.
func DaysBetween(a, b time.Time) int {
	d := b.Sub(a)
	if d <= 0 {
		return 0
	}
	return int((d + day - 1) / day)
}

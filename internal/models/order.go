package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a completed purchase attributed to one tenant.
type Order struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	CustomerID string          `json:"customerId"` // empty for guest checkouts
	CreatedAt  time.Time       `json:"createdAt"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// Tenant is a merchant shop whose customers are segmented independently.
type Tenant struct {
	ID          string `json:"id"`
	DisplayName string `json:"shopName"`
}

// Customer is a segmented customer with the contact data notifications need.
type Customer struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenantId"`
	Email     string  `json:"email,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	FirstName string  `json:"firstName,omitempty"`
	Segment   Segment `json:"segment,omitempty"`
}

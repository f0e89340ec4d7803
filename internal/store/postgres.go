// Package store reads orders and tenants from the shop database and writes
// computed segments back to it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"segmentation-workers/internal/models"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
)

const (
	queryAllTenants = `SELECT id, "shopName" FROM "Tenant" ORDER BY id`
	queryTenant     = `SELECT id, "shopName" FROM "Tenant" WHERE id = $1`
	queryOrders     = `SELECT id, "customerId", "createdAt", "totalPrice" FROM "Order" WHERE "tenantId" = $1 ORDER BY "createdAt", id`
	updateSegment   = `UPDATE "Customer" SET segment = $1 WHERE id = $2`
	queryContact    = `SELECT id, "tenantId", email, phone, "firstName", segment FROM "Customer" WHERE id = $1`
	querySegmented  = `SELECT id, "tenantId", email, phone, "firstName", segment FROM "Customer" WHERE "tenantId" = $1 AND segment IS NOT NULL ORDER BY id`
)

// PostgresStore implements the pipeline's data contracts over database/sql.
type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, queryTimeout time.Duration) *PostgresStore {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &PostgresStore{db: db, queryTimeout: queryTimeout}
}

// FetchTenants returns one tenant when tenantID is set, otherwise all of them.
func (s *PostgresStore) FetchTenants(ctx context.Context, tenantID string) ([]models.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == "" {
		rows, err = s.db.QueryContext(ctx, queryAllTenants)
	} else {
		rows, err = s.db.QueryContext(ctx, queryTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var (
			t    models.Tenant
			name sql.NullString
		)
		if err := rows.Scan(&t.ID, &name); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.DisplayName = name.String
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}

// FetchOrders returns every order of the tenant. Guest orders come back
// with an empty CustomerID.
func (s *PostgresStore) FetchOrders(ctx context.Context, tenantID string) ([]models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryOrders, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		var (
			o        models.Order
			customer sql.NullString
			total    decimal.NullDecimal
		)
		if err := rows.Scan(&o.ID, &customer, &o.CreatedAt, &total); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.TenantID = tenantID
		o.CustomerID = customer.String
		o.TotalPrice = total.Decimal
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// UpdateSegments writes one row per assignment in the given order. The first
// failed write ends the batch: that row and all later rows are reported as
// failed. Context cancellation between writes does the same.
func (s *PostgresStore) UpdateSegments(ctx context.Context, assignments []models.SegmentAssignment) (models.UpdateResult, error) {
	var res models.UpdateResult
	for i, a := range assignments {
		if err := ctx.Err(); err != nil {
			return failRest(res, assignments[i:]), err
		}
		if err := s.updateOne(ctx, a); err != nil {
			return failRest(res, assignments[i:]), fmt.Errorf("update customer %s: %w", a.CustomerID, err)
		}
		res.Updated++
	}
	return res, nil
}

func (s *PostgresStore) updateOne(ctx context.Context, a models.SegmentAssignment) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, updateSegment, string(a.Segment), a.CustomerID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

func failRest(res models.UpdateResult, rest []models.SegmentAssignment) models.UpdateResult {
	for _, a := range rest {
		res.Failed = append(res.Failed, a.CustomerID)
	}
	return res
}

// FetchCustomer loads contact data for one customer.
func (s *PostgresStore) FetchCustomer(ctx context.Context, customerID string) (models.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	c, err := scanCustomer(s.db.QueryRowContext(ctx, queryContact, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Customer{}, ErrCustomerNotFound
	}
	if err != nil {
		return models.Customer{}, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

// FetchSegmentedCustomers returns the tenant's customers that carry a segment.
func (s *PostgresStore) FetchSegmentedCustomers(ctx context.Context, tenantID string) ([]models.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, querySegmented, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}
	return customers, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomer(row scanner) (models.Customer, error) {
	var (
		c                                    models.Customer
		tenant, email, phone, first, segment sql.NullString
	)
	if err := row.Scan(&c.ID, &tenant, &email, &phone, &first, &segment); err != nil {
		return models.Customer{}, err
	}
	c.TenantID = tenant.String
	c.Email = email.String
	c.Phone = phone.String
	c.FirstName = first.String
	c.Segment = models.Segment(segment.String)
	return c, nil
}

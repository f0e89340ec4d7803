package segmentcustomers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmentation-workers/internal/common/config"
	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/models"
	"segmentation-workers/internal/segmentation/labeler"
	"segmentation-workers/internal/segmentation/pipeline"
)

// ==========================
// In-memory store
// ==========================

type memStore struct {
	tenants   []models.Tenant
	orders    map[string][]models.Order
	orderErr  map[string]error
	failAfter map[string]int // tenant id -> rows written before failing
	written   map[string]models.Segment
}

func newMemStore() *memStore {
	return &memStore{
		orders:    make(map[string][]models.Order),
		orderErr:  make(map[string]error),
		failAfter: make(map[string]int),
		written:   make(map[string]models.Segment),
	}
}

func (m *memStore) FetchTenants(_ context.Context, tenantID string) ([]models.Tenant, error) {
	if tenantID == "" {
		return m.tenants, nil
	}
	for _, t := range m.tenants {
		if t.ID == tenantID {
			return []models.Tenant{t}, nil
		}
	}
	return nil, nil
}

func (m *memStore) FetchOrders(_ context.Context, tenantID string) ([]models.Order, error) {
	if err := m.orderErr[tenantID]; err != nil {
		return nil, err
	}
	return m.orders[tenantID], nil
}

func (m *memStore) UpdateSegments(_ context.Context, as []models.SegmentAssignment) (models.UpdateResult, error) {
	var res models.UpdateResult
	limit := -1
	for tenant, n := range m.failAfter {
		if len(as) > 0 && strings.HasPrefix(as[0].CustomerID, tenant+"-") {
			limit = n
		}
	}
	for i, a := range as {
		if limit >= 0 && i >= limit {
			for _, rest := range as[i:] {
				res.Failed = append(res.Failed, rest.CustomerID)
			}
			return res, errors.New("connection reset by peer")
		}
		m.written[a.CustomerID] = a.Segment
		res.Updated++
	}
	return res, nil
}

var day0 = time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC)

// addCustomers gives a tenant n customers with spread-out RFM profiles.
func (m *memStore) addCustomers(tenantID string, n int) {
	m.tenants = append(m.tenants, models.Tenant{ID: tenantID, DisplayName: "Shop " + tenantID})
	for c := 1; c <= n; c++ {
		customer := fmt.Sprintf("%s-c%d", tenantID, c)
		for i := 0; i < c; i++ {
			m.orders[tenantID] = append(m.orders[tenantID], models.Order{
				ID:         fmt.Sprintf("%s-o%d", customer, i),
				TenantID:   tenantID,
				CustomerID: customer,
				CreatedAt:  day0.AddDate(0, 0, -30*(n-c)-i),
				TotalPrice: decimal.NewFromInt(int64(50 * c)),
			})
		}
	}
}

func newTestHandler(t *testing.T, store *memStore) *Handler {
	t.Helper()
	p, err := pipeline.New(pipeline.Options{
		Orders:   store,
		Tenants:  store,
		Sink:     store,
		Labeling: labeler.Options{K: 5},
		Logger:   logger.NewTestLogger(t),
	})
	require.NoError(t, err)

	h, err := NewHandler(DefaultConfig(), p, logger.NewTestLogger(t))
	require.NoError(t, err)
	return h
}

// ==========================
// Mock Job Helper
// ==========================

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)

	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:                key,
		Type:               TaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      "segmentation-process",
		ElementId:          "Activity_SegmentCustomers",
		CustomHeaders:      "{}",
		Worker:             "test-worker",
		Retries:            3,
		Variables:          string(variablesJSON),
	}}
}

// ==========================
// Construction
// ==========================

func TestNewHandler(t *testing.T) {
	_, err := NewHandler(DefaultConfig(), nil, nil)
	assert.Error(t, err)

	_, err = NewHandler(&Config{Timeout: 0, MaxJobsActive: 1}, nil, nil)
	assert.ErrorContains(t, err, "timeout must be positive")
}

func TestConfigFromApp(t *testing.T) {
	app := &config.Config{Workers: map[string]config.WorkerConfig{
		TaskType: {Enabled: true, MaxJobsActive: 2, Timeout: 60000},
	}}
	cfg := ConfigFromApp(app)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 2, cfg.MaxJobsActive)
	assert.Equal(t, time.Minute, cfg.Timeout)

	assert.Equal(t, DefaultConfig(), ConfigFromApp(nil))
}

// ==========================
// Input parsing
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	tests := []struct {
		name     string
		vars     map[string]interface{}
		want     *Input
		wantCode apperrors.ErrorCode
	}{
		{name: "all tenants", vars: map[string]interface{}{}, want: &Input{}},
		{
			name: "single tenant with notify",
			vars: map[string]interface{}{"tenantId": "t1", "notify": false, "clusters": 3},
			want: &Input{TenantID: "t1", Notify: boolPtr(false), Clusters: 3},
		},
		{name: "bad notify", vars: map[string]interface{}{"notify": "yes"}, wantCode: apperrors.ErrCodeValidationFailed},
		{name: "too many clusters", vars: map[string]interface{}{"clusters": 9}, wantCode: apperrors.ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := h.parseInput(createMockJob(1, tt.vars))
			if tt.wantCode != "" {
				stdErr, ok := apperrors.AsStandardError(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantCode, stdErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, input)
		})
	}
}

func boolPtr(b bool) *bool { return &b }

// ==========================
// Execute
// ==========================

func TestExecute_SingleTenant(t *testing.T) {
	store := newMemStore()
	store.addCustomers("t1", 6)
	h := newTestHandler(t, store)

	out, err := h.Execute(context.Background(), &Input{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out.Outcome)
	assert.Equal(t, 6, out.SegmentedCount)
	assert.Equal(t, 1, out.TenantsProcessed)
	assert.Empty(t, out.FailedCustomerIDs)
	assert.Len(t, store.written, 6)
}

func TestExecute_ClusterOverride(t *testing.T) {
	store := newMemStore()
	store.addCustomers("t1", 3)
	h := newTestHandler(t, store)

	// 3 customers are too few for the default 5 clusters
	out, err := h.Execute(context.Background(), &Input{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInsufficientData, out.Outcome)
	assert.Empty(t, store.written)

	out, err = h.Execute(context.Background(), &Input{TenantID: "t1", Clusters: 2})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, out.Outcome)
	for _, seg := range store.written {
		assert.Contains(t, []models.Segment{models.SegmentChampions, models.SegmentLoyalCustomers}, seg)
	}
}

func TestExecute_PartialPersistenceCompletes(t *testing.T) {
	store := newMemStore()
	store.addCustomers("t1", 5)
	store.failAfter["t1"] = 2
	h := newTestHandler(t, store)

	out, err := h.Execute(context.Background(), &Input{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartial, out.Outcome)
	assert.Equal(t, 2, out.SegmentedCount)
	assert.Equal(t, []string{"t1-c3", "t1-c4", "t1-c5"}, out.FailedCustomerIDs)
	assert.Equal(t, []string{"t1"}, out.FailedTenants)
}

func TestExecute_DataAccessFailureIsRetryable(t *testing.T) {
	store := newMemStore()
	store.addCustomers("t1", 5)
	store.orderErr["t1"] = errors.New("connection refused")
	h := newTestHandler(t, store)

	_, err := h.Execute(context.Background(), &Input{TenantID: "t1"})
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.True(t, stdErr.Retryable)
	assert.Greater(t, apperrors.GetRetryCount(stdErr.Code), 0)
}

func TestExecute_UnknownTenant(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	_, err := h.Execute(context.Background(), &Input{TenantID: "missing"})
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, stdErr.Code)
}

func TestExecute_AllTenantsIsolatesFailures(t *testing.T) {
	store := newMemStore()
	store.addCustomers("t1", 5)
	store.addCustomers("t2", 5)
	store.addCustomers("t3", 5)
	store.orderErr["t2"] = errors.New("connection refused")
	h := newTestHandler(t, store)

	out, err := h.Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartial, out.Outcome)
	assert.Equal(t, 3, out.TenantsProcessed)
	assert.Equal(t, 10, out.SegmentedCount)
	assert.Equal(t, []string{"t2"}, out.FailedTenants)
}

func TestOutput_ToVariables(t *testing.T) {
	vars := (&Output{SegmentedCount: 4, TenantsProcessed: 1, Outcome: models.OutcomeCompleted}).ToVariables()
	assert.Equal(t, 4, vars["segmentedCount"])
	assert.Equal(t, "completed", vars["outcome"])
	assert.Equal(t, []string{}, vars["failedCustomerIds"])
	assert.Equal(t, []string{}, vars["failedTenants"])
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
	"segmentation-workers/internal/common/metrics"
	"segmentation-workers/internal/models"
	"segmentation-workers/internal/segmentation/labeler"
)

// ==========================
// Fakes
// ==========================

type fakeOrders struct {
	orders map[string][]models.Order
	errs   map[string]error
}

func (f *fakeOrders) FetchOrders(_ context.Context, tenantID string) ([]models.Order, error) {
	if err := f.errs[tenantID]; err != nil {
		return nil, err
	}
	return f.orders[tenantID], nil
}

type fakeTenants struct {
	tenants []models.Tenant
	err     error
}

func (f *fakeTenants) FetchTenants(_ context.Context, tenantID string) ([]models.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	if tenantID == "" {
		return f.tenants, nil
	}
	for _, t := range f.tenants {
		if t.ID == tenantID {
			return []models.Tenant{t}, nil
		}
	}
	return nil, nil
}

// fakeSink fails the failOn-th write (1-based) of a call and everything after it.
type fakeSink struct {
	failOn  map[string]int // keyed by customer id prefix
	calls   int
	written []models.SegmentAssignment
	total   error
	update  func([]models.SegmentAssignment) (models.UpdateResult, error)
}

func (s *fakeSink) UpdateSegments(ctx context.Context, as []models.SegmentAssignment) (models.UpdateResult, error) {
	s.calls++
	if s.update != nil {
		return s.update(as)
	}
	if s.total != nil {
		return models.UpdateResult{}, s.total
	}
	var res models.UpdateResult
	failOn := 0
	if len(as) > 0 {
		for prefix, n := range s.failOn {
			if strings.HasPrefix(as[0].CustomerID, prefix) {
				failOn = n
			}
		}
	}
	for i, a := range as {
		if failOn > 0 && i+1 >= failOn {
			for _, rest := range as[i:] {
				res.Failed = append(res.Failed, rest.CustomerID)
			}
			return res, errors.New("write failed")
		}
		s.written = append(s.written, a)
		res.Updated++
	}
	return res, nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, customerID string, segment models.Segment, tenantName string) (models.DeliveryStatus, error) {
	args := m.Called(ctx, customerID, segment, tenantName)
	return args.Get(0).(models.DeliveryStatus), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, summary models.RunSummary) error {
	return m.Called(ctx, summary).Error(0)
}

var day0 = time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC)

// customerOrders gives a customer `count` orders ending `recency` days before day0.
func customerOrders(tenant, customer string, recency, count int, total int64) []models.Order {
	var out []models.Order
	per := decimal.NewFromInt(total).Div(decimal.NewFromInt(int64(count)))
	for i := 0; i < count; i++ {
		out = append(out, models.Order{
			ID:         fmt.Sprintf("%s-%d", customer, i),
			TenantID:   tenant,
			CustomerID: customer,
			CreatedAt:  day0.AddDate(0, 0, -recency-i),
			TotalPrice: per,
		})
	}
	return out
}

func abcOrders(tenant string) []models.Order {
	var orders []models.Order
	orders = append(orders, customerOrders(tenant, "A", 5, 10, 1000)...)
	orders = append(orders, customerOrders(tenant, "B", 200, 1, 20)...)
	orders = append(orders, customerOrders(tenant, "C", 10, 8, 900)...)
	return orders
}

func fiveCustomerOrders(tenant, prefix string) []models.Order {
	var orders []models.Order
	orders = append(orders, customerOrders(tenant, prefix+"1", 1, 9, 900)...)
	orders = append(orders, customerOrders(tenant, prefix+"2", 3, 7, 800)...)
	orders = append(orders, customerOrders(tenant, prefix+"3", 90, 1, 30)...)
	orders = append(orders, customerOrders(tenant, prefix+"4", 120, 1, 25)...)
	orders = append(orders, customerOrders(tenant, prefix+"5", 150, 2, 40)...)
	return orders
}

func newPipeline(t *testing.T, orders *fakeOrders, tenants *fakeTenants, sink *fakeSink, k int, mutate ...func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{
		Orders:   orders,
		Tenants:  tenants,
		Sink:     sink,
		Labeling: labeler.Options{K: k, Seed: 0},
		Logger:   logger.NewTestLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

// ==========================
// Construction
// ==========================

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{
		Orders:   &fakeOrders{},
		Tenants:  &fakeTenants{},
		Sink:     &fakeSink{},
		Labeling: labeler.Options{K: 6},
	})
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeInvalidClusterCount, stdErr.Code)
}

func TestWithClusters(t *testing.T) {
	p := newPipeline(t, &fakeOrders{}, &fakeTenants{}, &fakeSink{}, 0)

	cp, err := p.WithClusters(2)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.labeling.K)
	assert.Equal(t, labeler.DefaultClusters, p.labeling.K)

	_, err = p.WithClusters(0)
	assert.Error(t, err)
	_, err = p.WithClusters(6)
	assert.Error(t, err)
}

// ==========================
// RunTenant
// ==========================

func TestRunTenant_TwoClusterScenario(t *testing.T) {
	sink := &fakeSink{}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, sink, 2)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1", DisplayName: "Shop"})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.Customers)
	assert.Equal(t, 3, res.Segmented)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, map[models.Segment]int{
		models.SegmentChampions:      2,
		models.SegmentLoyalCustomers: 1,
	}, res.Distribution)

	require.Len(t, sink.written, 3)
	assert.Equal(t, models.SegmentAssignment{CustomerID: "A", Segment: models.SegmentChampions}, sink.written[0])
	assert.Equal(t, models.SegmentAssignment{CustomerID: "B", Segment: models.SegmentLoyalCustomers}, sink.written[1])
	assert.Equal(t, models.SegmentAssignment{CustomerID: "C", Segment: models.SegmentChampions}, sink.written[2])
}

func TestRunTenant_NoOrdersIsNoop(t *testing.T) {
	sink := &fakeSink{}
	notifier := &mockNotifier{}
	p := newPipeline(t, &fakeOrders{}, &fakeTenants{}, sink, 5, func(o *Options) {
		o.Notifier = notifier
		o.Notify = true
	})

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoOrders, res.Outcome)
	assert.Zero(t, res.Segmented)
	assert.Equal(t, 0, sink.calls)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunTenant_InsufficientDataIsNoop(t *testing.T) {
	var orders []models.Order
	for i := 0; i < 4; i++ {
		orders = append(orders, customerOrders("t1", fmt.Sprintf("c%d", i), i*10, i+1, int64(100*(i+1)))...)
	}
	sink := &fakeSink{}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": orders}}, &fakeTenants{}, sink, 5)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInsufficientData, res.Outcome)
	assert.Equal(t, 4, res.Customers)
	assert.Equal(t, 0, sink.calls)
}

func TestRunTenant_FetchFailure(t *testing.T) {
	sink := &fakeSink{}
	p := newPipeline(t, &fakeOrders{errs: map[string]error{"t1": errors.New("connection refused")}}, &fakeTenants{}, sink, 5)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.Error(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)

	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeQueryExecutionFailed, stdErr.Code)
	assert.True(t, stdErr.Retryable)
	assert.Equal(t, 0, sink.calls)
}

func TestRunTenant_PartialPersistence(t *testing.T) {
	sink := &fakeSink{failOn: map[string]int{"p-": 3}}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": fiveCustomerOrders("t1", "p-")}}, &fakeTenants{}, sink, 2)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.Error(t, err)

	var partial *PartialPersistenceError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 2, partial.Updated)
	assert.Equal(t, []string{"p-3", "p-4", "p-5"}, partial.FailedCustomerIDs)

	assert.Equal(t, models.OutcomePartial, res.Outcome)
	assert.Equal(t, 2, res.Segmented)
	assert.Equal(t, []string{"p-3", "p-4", "p-5"}, res.FailedCustomerIDs)

	stdErr := partial.StandardError()
	assert.Equal(t, apperrors.ErrCodePartialPersistence, stdErr.Code)
	assert.False(t, stdErr.Retryable)
}

func TestRunTenant_SinkUnavailable(t *testing.T) {
	sink := &fakeSink{total: errors.New("pool exhausted")}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, sink, 2)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.Error(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"A", "B", "C"}, res.FailedCustomerIDs)

	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeQueryExecutionFailed, stdErr.Code)
}

func TestRunTenant_SinkErrorWithoutFailedIDs(t *testing.T) {
	sink := &fakeSink{update: func(as []models.SegmentAssignment) (models.UpdateResult, error) {
		return models.UpdateResult{Updated: 2}, errors.New("connection reset")
	}}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, sink, 2)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.Error(t, err)

	var partial *PartialPersistenceError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 2, partial.Updated)
	assert.Equal(t, []string{"C"}, partial.FailedCustomerIDs)
	assert.ErrorContains(t, err, "connection reset")

	assert.Equal(t, models.OutcomePartial, res.Outcome)
	assert.Equal(t, 2, res.Segmented)
	assert.Equal(t, []string{"C"}, res.FailedCustomerIDs)
}

func TestRunTenant_SinkErrorAfterAllRowsWritten(t *testing.T) {
	sink := &fakeSink{update: func(as []models.SegmentAssignment) (models.UpdateResult, error) {
		return models.UpdateResult{Updated: len(as)}, errors.New("connection reset")
	}}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, sink, 2)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.Error(t, err)
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeQueryExecutionFailed, stdErr.Code)
	assert.Equal(t, models.OutcomePartial, res.Outcome)
	assert.Equal(t, 3, res.Segmented)
	assert.Empty(t, res.FailedCustomerIDs)
}

func TestRunTenant_SinkCountsTrustedWhenClean(t *testing.T) {
	sink := &fakeSink{update: func(as []models.SegmentAssignment) (models.UpdateResult, error) {
		return models.UpdateResult{Updated: 2, Failed: []string{"B"}}, nil
	}}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, sink, 2)

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	var partial *PartialPersistenceError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"B"}, res.FailedCustomerIDs)
	assert.Equal(t, 2, res.Segmented)
}

func TestRunTenant_NotificationsAreBestEffort(t *testing.T) {
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, "A", models.SegmentChampions, "Shop").Return(models.DeliverySent, nil)
	notifier.On("Notify", mock.Anything, "B", models.SegmentLoyalCustomers, "Shop").Return(models.DeliveryFailed, errors.New("ses throttled"))
	notifier.On("Notify", mock.Anything, "C", models.SegmentChampions, "Shop").Return(models.DeliverySkipped, nil)

	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, &fakeSink{}, 2, func(o *Options) {
		o.Notifier = notifier
		o.Notify = true
	})

	sentBefore := testutil.ToFloat64(metrics.Notifications.WithLabelValues(string(models.SegmentChampions), string(models.DeliverySent)))

	res, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1", DisplayName: "Shop"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	// the notifier owns the notification counter
	assert.Equal(t, sentBefore, testutil.ToFloat64(metrics.Notifications.WithLabelValues(string(models.SegmentChampions), string(models.DeliverySent))))
	assert.Equal(t, 1, res.NotificationsSkipped)
	assert.Equal(t, 1, res.NotificationFailures)
	notifier.AssertExpectations(t)
}

func TestRunTenant_NotifyDisabled(t *testing.T) {
	notifier := &mockNotifier{}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, &fakeSink{}, 2, func(o *Options) {
		o.Notifier = notifier
		o.Notify = true
	})

	_, err := p.WithNotify(false).RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.NoError(t, err)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunTenant_PublishesSummary(t *testing.T) {
	ok := &mockPublisher{}
	broken := &mockPublisher{}
	ok.On("Publish", mock.Anything, mock.MatchedBy(func(s models.RunSummary) bool {
		return s.TenantID == "t1" && s.Segmented == 3 && s.Outcome == models.OutcomeCompleted &&
			s.Distribution[models.SegmentChampions] == 2
	})).Return(nil).Once()
	broken.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, &fakeSink{}, 2, func(o *Options) {
		o.Publishers = []SummaryPublisher{broken, ok}
	})

	_, err := p.RunTenant(context.Background(), models.Tenant{ID: "t1"})
	require.NoError(t, err)
	ok.AssertExpectations(t)
	broken.AssertExpectations(t)
}

func TestRunTenant_CancelledContext(t *testing.T) {
	sink := &fakeSink{}
	p := newPipeline(t, &fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}}, &fakeTenants{}, sink, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.RunTenant(ctx, models.Tenant{ID: "t1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, sink.calls)
}

// ==========================
// Run / RunAll
// ==========================

func TestRun_UnknownTenant(t *testing.T) {
	p := newPipeline(t, &fakeOrders{}, &fakeTenants{tenants: []models.Tenant{{ID: "t1"}}}, &fakeSink{}, 5)

	_, err := p.Run(context.Background(), "missing")
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, stdErr.Code)

	_, err = p.Run(context.Background(), "")
	stdErr, ok = apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, stdErr.Code)
}

func TestRun_SelectsTenant(t *testing.T) {
	sink := &fakeSink{}
	p := newPipeline(t,
		&fakeOrders{orders: map[string][]models.Order{"t1": abcOrders("t1")}},
		&fakeTenants{tenants: []models.Tenant{{ID: "t1", DisplayName: "One"}, {ID: "t2"}}},
		sink, 2)

	res, err := p.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "One", res.TenantName)
	assert.Equal(t, 3, res.Segmented)
}

func TestRunAll_TenantFailureDoesNotStopBatch(t *testing.T) {
	orders := &fakeOrders{
		orders: map[string][]models.Order{
			"t1": fiveCustomerOrders("t1", "p-"),
			"t3": fiveCustomerOrders("t3", "q-"),
		},
		errs: map[string]error{"t2": errors.New("timeout")},
	}
	tenants := &fakeTenants{tenants: []models.Tenant{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}}}
	sink := &fakeSink{failOn: map[string]int{"p-": 3}}
	p := newPipeline(t, orders, tenants, sink, 2)

	var total int
	var done []string
	batch, err := p.RunAll(context.Background(), "",
		WithTenantCount(func(n int) { total = n }),
		WithTenantDone(func(tn models.Tenant, _ *Result, _ error) { done = append(done, tn.ID) }),
	)
	require.NoError(t, err)

	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, done)
	assert.Equal(t, []string{"t1", "t2"}, batch.FailedTenants())
	assert.Equal(t, []string{"p-3", "p-4", "p-5"}, batch.FailedCustomerIDs())

	require.Len(t, batch.Results, 4)
	assert.Equal(t, models.OutcomePartial, batch.Results[0].Outcome)
	assert.Equal(t, models.OutcomeFailed, batch.Results[1].Outcome)
	assert.Equal(t, models.OutcomeCompleted, batch.Results[2].Outcome)
	assert.Equal(t, models.OutcomeNoOrders, batch.Results[3].Outcome)
	assert.Equal(t, 2+5, batch.Segmented())
}

func TestRunAll_TenantListingFailure(t *testing.T) {
	p := newPipeline(t, &fakeOrders{}, &fakeTenants{err: errors.New("db down")}, &fakeSink{}, 5)

	_, err := p.RunAll(context.Background(), "")
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeQueryExecutionFailed, stdErr.Code)
}

func TestRunAll_FilterUnknownTenant(t *testing.T) {
	p := newPipeline(t, &fakeOrders{}, &fakeTenants{tenants: []models.Tenant{{ID: "t1"}}}, &fakeSink{}, 5)

	_, err := p.RunAll(context.Background(), "nope")
	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, stdErr.Code)
}

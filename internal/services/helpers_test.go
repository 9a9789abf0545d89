package services

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/utils"
)

// stubConfigService serves overrides from a map.
type stubConfigService struct {
	values map[string]interface{}
}

func newStubConfig(values map[string]interface{}) *stubConfigService {
	if values == nil {
		values = map[string]interface{}{}
	}
	return &stubConfigService{values: values}
}

func (m *stubConfigService) Get(ctx context.Context, key string) (interface{}, error) {
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return nil, ErrConfigKeyNotFound
}
func (m *stubConfigService) GetInt(ctx context.Context, key string, defaultValue int) int {
	if v, ok := m.values[key].(int); ok {
		return v
	}
	return defaultValue
}
func (m *stubConfigService) GetString(ctx context.Context, key string, defaultValue string) string {
	if v, ok := m.values[key].(string); ok {
		return v
	}
	return defaultValue
}
func (m *stubConfigService) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	if v, ok := m.values[key].(bool); ok {
		return v
	}
	return defaultValue
}
func (m *stubConfigService) GetFloat64(ctx context.Context, key string, defaultValue float64) float64 {
	if v, ok := m.values[key].(float64); ok {
		return v
	}
	return defaultValue
}
func (m *stubConfigService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	return defaultValue
}
func (m *stubConfigService) GetAllPublic(ctx context.Context) (map[string]interface{}, error) {
	return m.values, nil
}
func (m *stubConfigService) Load(ctx context.Context) error               { return nil }
func (m *stubConfigService) SubscribeToChanges(ctx context.Context) error { return nil }
func (m *stubConfigService) SetConfigValue(ctx context.Context, key string, value interface{}, isPublic bool) error {
	m.values[key] = value
	return nil
}

// recordingJobs remembers what was enqueued.
type recordingJobs struct {
	mu      sync.Mutex
	paid    []utils.SixID
	overdue []utils.SixID
	retries []string
	err     error
}

func (r *recordingJobs) NotifyInvoicePaid(_ context.Context, id utils.SixID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paid = append(r.paid, id)
	return r.err
}

func (r *recordingJobs) NotifyInvoiceOverdue(_ context.Context, id utils.SixID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overdue = append(r.overdue, id)
	return r.err
}

func (r *recordingJobs) RetryWebhookEvent(_ context.Context, eventID string, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, eventID)
	return r.err
}

type mockLinkCreator struct {
	mock.Mock
}

func (m *mockLinkCreator) CreatePaymentLink(ctx context.Context, req gateway.PaymentLinkRequest) (*gateway.PaymentLink, error) {
	args := m.Called(ctx, req)
	link, _ := args.Get(0).(*gateway.PaymentLink)
	return link, args.Error(1)
}

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) PutObject(ctx context.Context, prefix, filename, contentType string, body []byte) (string, error) {
	args := m.Called(ctx, prefix, filename, contentType, body)
	return args.String(0), args.Error(1)
}

func (m *mockStorage) PresignedGetURL(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		AppName:                    "TourMarket",
		PublicBaseURL:              "https://tours.example",
		PlatformCommissionPercent:  20,
		ReferralShare:              0.5,
		InvoicePaymentWaitTimeDays: 14,
		GatewayCurrency:            "eur",
		WebhookRetryMaxAttempts:    3,
	}
}

// racingStore runs before once, ahead of the first payment write, to play
// a second actor changing the invoice mid-settlement.
type racingStore struct {
	*store.MemoryStore
	before func(ctx context.Context)
}

func (r *racingStore) InsertPayment(ctx context.Context, p *models.CommissionPayment) error {
	if r.before != nil {
		before := r.before
		r.before = nil
		before(ctx)
	}
	return r.MemoryStore.InsertPayment(ctx, p)
}

type fixture struct {
	store    *store.MemoryStore
	jobs     *recordingJobs
	cfg      *config.Config
	invoices *invoiceService
	now      time.Time
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	jobs := &recordingJobs{}
	cfg := testConfig()
	svc := NewInvoiceService(st, cfg, newStubConfig(nil), nil, jobs, zap.NewNop()).(*invoiceService)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return &fixture{store: st, jobs: jobs, cfg: cfg, invoices: svc, now: now}
}

func testBooking(id string, total string) *models.Booking {
	return &models.Booking{
		ID:            id,
		ActivityID:    "act-1",
		CustomerID:    "cust-1",
		ProviderID:    "prov-1",
		ProviderEmail: "provider@example.com",
		TotalAmount:   models.MustMoney(total),
		CreatedAt:     time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC),
	}
}

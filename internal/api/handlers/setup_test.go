package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/api/handlers"
	"tourmarket/settlement/internal/api/middleware"
	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/services"
	"tourmarket/settlement/internal/store"
)

const testWebhookSecret = "whsec_handlers"

// testEnv runs the real services on the in-memory store.
type testEnv struct {
	cfg       *config.Config
	store     *store.MemoryStore
	invoices  services.IInvoiceService
	bookings  services.IBookingService
	referrals services.IReferralService
	webhooks  services.IWebhookService
	reports   services.IReportService
	exports   *MockExportQueue
	router    *gin.Engine
}

type envOption func(*envOptions)

type envOptions struct {
	links   gateway.PaymentLinkCreator
	landing string
	noQueue bool
}

func withLinks(links gateway.PaymentLinkCreator) envOption {
	return func(o *envOptions) { o.links = links }
}

func withLanding(url string) envOption {
	return func(o *envOptions) { o.landing = url }
}

func withoutExportQueue() envOption {
	return func(o *envOptions) { o.noQueue = true }
}

// fakeAuth stands in for the JWT middleware: X-Test-User and X-Test-Admin
// become the context values the handlers read.
func fakeAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(middleware.ContextKeyUserID, id)
		}
		c.Set(middleware.ContextKeyIsAdmin, c.GetHeader("X-Test-Admin") == "true")
		c.Next()
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var o envOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &config.Config{
		AppName:                    "TourMarket",
		PublicBaseURL:              "https://tours.example",
		PlatformCommissionPercent:  20,
		ReferralShare:              0.5,
		InvoicePaymentWaitTimeDays: 14,
		GatewayCurrency:            "eur",
		WebhookRetryMaxAttempts:    3,
		ReferralLandingURL:         o.landing,
		ReferralCookieTTL:          30 * 24 * time.Hour,
	}
	logger := zap.NewNop()
	st := store.NewMemoryStore()

	env := &testEnv{cfg: cfg, store: st, exports: new(MockExportQueue)}
	env.invoices = services.NewInvoiceService(st, cfg, nil, o.links, nil, logger)
	env.referrals = services.NewReferralService(st, cfg, nil, logger)
	env.bookings = services.NewBookingService(cfg, nil, env.referrals, env.invoices, logger)
	env.webhooks = services.NewWebhookService(st, env.invoices, gateway.NewVerifier(testWebhookSecret, 5*time.Minute), nil, cfg, logger)
	env.reports = services.NewReportService(st, nil, logger)

	var exports handlers.ReportExportQueue = env.exports
	if o.noQueue {
		exports = nil
	}

	webhookHandler := handlers.NewWebhookHandler(env.webhooks, logger)
	bookingHandler := handlers.NewBookingHandler(env.bookings, logger)
	referralHandler := handlers.NewReferralHandler(env.referrals, cfg, logger)
	invoiceHandler := handlers.NewInvoiceHandler(env.invoices, logger)
	reportHandler := handlers.NewReportHandler(env.reports, exports, logger)

	r := gin.New()
	r.Use(fakeAuth())
	r.POST("/v1/webhooks/payments", webhookHandler.HandlePaymentWebhook)
	r.POST("/v1/bookings/confirmed", bookingHandler.BookingConfirmed)
	r.GET("/v1/r/:establishment_id", referralHandler.Scan)
	r.GET("/v1/establishments/:establishment_id/qr.png", referralHandler.QRCode)
	r.POST("/v1/admin/establishments/:establishment_id/qr", referralHandler.PublishQRCode)
	r.GET("/v1/invoices", invoiceHandler.ListOwnInvoices)
	r.GET("/v1/admin/invoices", invoiceHandler.ListInvoices)
	r.POST("/v1/admin/invoices/sweep-overdue", invoiceHandler.SweepOverdue)
	r.GET("/v1/admin/invoices/:id", invoiceHandler.GetInvoice)
	r.GET("/v1/admin/invoices/:id/payments", invoiceHandler.ListPayments)
	r.POST("/v1/admin/invoices/:id/mark-paid", invoiceHandler.MarkPaid)
	r.POST("/v1/admin/invoices/:id/cancel", invoiceHandler.Cancel)
	r.POST("/v1/admin/invoices/:id/payment-link", invoiceHandler.CreatePaymentLink)
	r.GET("/v1/admin/reports/commission", reportHandler.GetCommissionReport)
	r.GET("/v1/admin/reports/commission.xlsx", reportHandler.DownloadCommissionReport)
	r.POST("/v1/admin/reports/commission/export", reportHandler.ExportCommissionReport)
	env.router = r
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path, user string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	setUser(req, user, admin)
	return e.do(req)
}

func (e *testEnv) postJSON(path string, body interface{}, user string, admin bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	setUser(req, user, admin)
	return e.do(req)
}

func setUser(req *http.Request, user string, admin bool) {
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	if admin {
		req.Header.Set("X-Test-Admin", "true")
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func bookingPayload(id, provider string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"activity_id":    "act-1",
		"customer_id":    "cust-1",
		"provider_id":    provider,
		"provider_email": "provider@example.com",
		"total_amount":   "1000.00",
	}
}

// confirm creates an invoice through the booking service. visitID may be
// empty for a direct booking.
func (e *testEnv) confirm(t *testing.T, bookingID, provider, visitID string) *models.CommissionInvoice {
	t.Helper()
	inv, created, err := e.bookings.OnBookingConfirmed(context.Background(), &models.Booking{
		ID:              bookingID,
		ActivityID:      "act-1",
		CustomerID:      "cust-1",
		ProviderID:      provider,
		ProviderEmail:   "provider@example.com",
		TotalAmount:     models.MustMoney("1000.00"),
		ReferralVisitID: visitID,
	})
	require.NoError(t, err)
	require.True(t, created)
	return inv
}

// referredBooking records a scan at establishment and books through it.
func (e *testEnv) referredBooking(t *testing.T, bookingID, establishment string) *models.CommissionInvoice {
	t.Helper()
	visit, err := e.referrals.RecordScan(context.Background(), establishment, services.ScanMetadata{})
	require.NoError(t, err)
	return e.confirm(t, bookingID, "prov-1", visit.ID.String())
}

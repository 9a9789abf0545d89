package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/utils"
)

func TestInvoiceHandler_ProviderSeesOwnInvoices(t *testing.T) {
	env := newTestEnv(t)
	mine := env.confirm(t, "bk-1", "prov-1", "")
	env.confirm(t, "bk-2", "prov-2", "")

	w := env.get("/v1/invoices", "prov-1", false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, 1.0, body["total"])
	items := body["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, mine.ID.String(), items[0].(map[string]interface{})["id"])

	w = env.get("/v1/invoices", "prov-3", false)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, 0.0, body["total"])
	assert.Empty(t, body["items"])
}

func TestInvoiceHandler_AdminListFilters(t *testing.T) {
	env := newTestEnv(t)
	paid := env.confirm(t, "bk-1", "prov-1", "")
	env.confirm(t, "bk-2", "prov-2", "")
	env.referredBooking(t, "bk-3", "hotel-7")
	_, err := env.invoices.MarkPaidManually(context.Background(), paid.ID, "admin-1", "")
	require.NoError(t, err)

	w := env.get("/v1/admin/invoices?status=pending", "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["total"])

	w = env.get("/v1/admin/invoices?establishment_id=hotel-7", "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["total"])

	w = env.get("/v1/admin/invoices?provider_id=prov-2&page=1&page_size=1", "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 1.0, body["total"])
	assert.Equal(t, 1.0, body["page_size"])

	assert.Equal(t, http.StatusBadRequest, env.get("/v1/admin/invoices?status=refunded", "admin-1", true).Code)
	assert.Equal(t, http.StatusBadRequest, env.get("/v1/admin/invoices?from=03/01/2024", "admin-1", true).Code)
}

func TestInvoiceHandler_GetInvoice(t *testing.T) {
	env := newTestEnv(t)
	inv := env.confirm(t, "bk-1", "prov-1", "")

	w := env.get("/v1/admin/invoices/"+inv.ID.String(), "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, inv.InvoiceNumber, decode(t, w)["invoice_number"])

	w = env.get("/v1/admin/invoices/"+utils.NewSixID().String(), "admin-1", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.get("/v1/admin/invoices/not-an-id", "admin-1", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid invoice id", decode(t, w)["error"])
}

func TestInvoiceHandler_MarkPaid(t *testing.T) {
	env := newTestEnv(t)
	inv := env.referredBooking(t, "bk-1", "hotel-7")
	path := "/v1/admin/invoices/" + inv.ID.String()

	w := env.postJSON(path+"/mark-paid", map[string]string{"note": "bank transfer 2024-03-12"}, "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "paid", decode(t, w)["status"])

	w = env.get(path+"/payments", "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	payments := decode(t, w)["items"].([]interface{})
	require.Len(t, payments, 1)
	payment := payments[0].(map[string]interface{})
	assert.Equal(t, models.PaymentMethodManual, payment["payment_method"])
	assert.Equal(t, 200.0, payment["amount"])

	credits := env.store.PartnerCredits()
	require.Len(t, credits, 1)
	assert.Equal(t, "hotel-7", credits[0].EstablishmentID)

	// paying twice is refused without detail
	w = env.postJSON(path+"/mark-paid", nil, "admin-1", true)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "could not update invoice", decode(t, w)["error"])
}

func TestInvoiceHandler_Cancel(t *testing.T) {
	env := newTestEnv(t)
	inv := env.confirm(t, "bk-1", "prov-1", "")
	path := "/v1/admin/invoices/" + inv.ID.String()

	w := env.postJSON(path+"/cancel", nil, "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "admin-1", body["cancelled_by"])

	w = env.postJSON(path+"/mark-paid", nil, "admin-1", true)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "could not update invoice", decode(t, w)["error"])

	w = env.postJSON("/v1/admin/invoices/"+utils.NewSixID().String()+"/cancel", nil, "admin-1", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "could not update invoice", decode(t, w)["error"])
}

func TestInvoiceHandler_PaymentLink(t *testing.T) {
	links := new(MockLinkCreator)
	env := newTestEnv(t, withLinks(links))
	inv := env.confirm(t, "bk-1", "prov-1", "")

	links.On("CreatePaymentLink", mock.Anything, mock.MatchedBy(func(req gateway.PaymentLinkRequest) bool {
		return req.InvoiceID == inv.ID.String() && req.Amount == models.MustMoney("200.00") && req.Currency == "eur"
	})).Return(&gateway.PaymentLink{ID: "plink_1", URL: "https://pay.example/plink_1"}, nil).Once()

	path := "/v1/admin/invoices/" + inv.ID.String() + "/payment-link"
	w := env.postJSON(path, nil, "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "https://pay.example/plink_1", decode(t, w)["payment_link_url"])

	// the stored link is reused
	w = env.postJSON(path, nil, "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	links.AssertExpectations(t)
}

func TestInvoiceHandler_PaymentLinkFailures(t *testing.T) {
	env := newTestEnv(t)
	inv := env.confirm(t, "bk-1", "prov-1", "")

	w := env.postJSON("/v1/admin/invoices/"+inv.ID.String()+"/payment-link", nil, "admin-1", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "could not update invoice", decode(t, w)["error"])

	links := new(MockLinkCreator)
	env = newTestEnv(t, withLinks(links))
	inv = env.confirm(t, "bk-1", "prov-1", "")
	links.On("CreatePaymentLink", mock.Anything, mock.Anything).Return(nil, errors.New("gateway returned 502"))

	w = env.postJSON("/v1/admin/invoices/"+inv.ID.String()+"/payment-link", nil, "admin-1", true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "could not update invoice", decode(t, w)["error"])
}

func TestInvoiceHandler_SweepOverdue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.confirm(t, "bk-1", "prov-1", "")

	past := &models.CommissionInvoice{
		BookingID:                "bk-old",
		ProviderID:               "prov-1",
		InvoiceNumber:            "CI-OLD",
		TotalBookingAmount:       models.MustMoney("100.00"),
		PlatformCommissionAmount: models.MustMoney("20.00"),
		PlatformNetAmount:        models.MustMoney("20.00"),
		ProviderNetAmount:        models.MustMoney("80.00"),
		Status:                   models.InvoicePending,
		DueDate:                  time.Now().UTC().AddDate(0, 0, -1),
	}
	require.NoError(t, env.store.InsertInvoice(ctx, past))

	w := env.postJSON("/v1/admin/invoices/sweep-overdue", nil, "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["marked_overdue"])

	got, err := env.invoices.GetInvoice(ctx, past.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceOverdue, got.Status)

	w = env.postJSON("/v1/admin/invoices/sweep-overdue", nil, "admin-1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, decode(t, w)["marked_overdue"])
}

package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/storage"
	"tourmarket/settlement/internal/store"
)

var march = models.ReportPeriod{
	From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
}

func seedInvoice(t *testing.T, st store.InvoiceStore, bookingID, establishment string, partner string, status models.InvoiceStatus, created time.Time) {
	t.Helper()
	inv := &models.CommissionInvoice{
		BookingID:                 bookingID,
		ProviderID:                "prov-" + bookingID,
		InvoiceNumber:             "CI-" + bookingID,
		TotalBookingAmount:        models.MustMoney("1000.00"),
		PlatformCommissionAmount:  models.MustMoney("200.00"),
		ProviderNetAmount:         models.MustMoney("800.00"),
		IsReferralBooking:         establishment != "",
		AttributedEstablishmentID: establishment,
		Status:                    status,
	}
	if establishment != "" {
		p := models.MustMoney(partner)
		inv.PartnerCommissionAmount = &p
	}
	inv.CreatedAt = created
	require.NoError(t, st.InsertInvoice(context.Background(), inv))
}

func TestReportService_GenerateReport(t *testing.T) {
	st := store.NewMemoryStore()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 10, 0, 0, 0, time.UTC) }

	seedInvoice(t, st, "b1", "hotel-a", "100.00", models.InvoicePaid, day(2))
	seedInvoice(t, st, "b2", "hotel-a", "50.00", models.InvoicePending, day(5))
	seedInvoice(t, st, "b3", "hotel-b", "300.00", models.InvoiceOverdue, day(3))
	seedInvoice(t, st, "b4", "hotel-c", "150.00", models.InvoicePaid, day(4))
	// excluded: cancelled, no referral, outside the period
	seedInvoice(t, st, "b5", "hotel-a", "999.00", models.InvoiceCancelled, day(6))
	seedInvoice(t, st, "b6", "", "", models.InvoicePaid, day(7))
	seedInvoice(t, st, "b7", "hotel-d", "10.00", models.InvoicePaid, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))

	svc := NewReportService(st, nil, zap.NewNop())
	report, err := svc.GenerateReport(context.Background(), march)
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalEstablishments)
	assert.Equal(t, models.MustMoney("250.00"), report.TotalPaid)
	assert.Equal(t, models.MustMoney("350.00"), report.TotalPending)

	require.Len(t, report.PerEstablishment, 3)
	assert.Equal(t, "hotel-b", report.PerEstablishment[0].EstablishmentID)
	// hotel-a and hotel-c tie on 150.00 and are ordered by id
	assert.Equal(t, "hotel-a", report.PerEstablishment[1].EstablishmentID)
	assert.Equal(t, "hotel-c", report.PerEstablishment[2].EstablishmentID)

	a := report.PerEstablishment[1]
	assert.Equal(t, 2, a.BookingCount)
	assert.Equal(t, models.MustMoney("150.00"), a.TotalCommission)
	require.Len(t, a.BookingDetails, 2)
	assert.Equal(t, "b1", a.BookingDetails[0].BookingID)
}

func TestReportService_EmptyAndInvalidPeriod(t *testing.T) {
	svc := NewReportService(store.NewMemoryStore(), nil, zap.NewNop())
	report, err := svc.GenerateReport(context.Background(), march)
	require.NoError(t, err)
	assert.Zero(t, report.TotalEstablishments)
	assert.NotNil(t, report.PerEstablishment)

	_, err = svc.GenerateReport(context.Background(), models.ReportPeriod{From: march.To, To: march.From})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestReportService_RenderXLSX(t *testing.T) {
	st := store.NewMemoryStore()
	seedInvoice(t, st, "b1", "hotel-a", "100.00", models.InvoicePaid, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	svc := NewReportService(st, nil, zap.NewNop())
	report, err := svc.GenerateReport(context.Background(), march)
	require.NoError(t, err)

	data, err := svc.RenderXLSX(report)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	v, err := f.GetCellValue("Summary", "A8")
	require.NoError(t, err)
	assert.Equal(t, "hotel-a", v)
	v, err = f.GetCellValue("Bookings", "B2")
	require.NoError(t, err)
	assert.Equal(t, "CI-b1", v)
}

func TestReportService_ExportReport(t *testing.T) {
	objects := &mockStorage{}
	svc := NewReportService(store.NewMemoryStore(), objects, zap.NewNop())
	objects.On("PutObject", mock.Anything, "reports/commission", "commission_20240301_20240401.xlsx", xlsxContentType, mock.Anything).
		Return("reports/commission/k.xlsx", nil)
	objects.On("PresignedGetURL", mock.Anything, "reports/commission/k.xlsx").Return("https://s3.example/k", nil)

	key, url, err := svc.ExportReport(context.Background(), march)
	require.NoError(t, err)
	assert.Equal(t, "reports/commission/k.xlsx", key)
	assert.Equal(t, "https://s3.example/k", url)

	_, _, err = NewReportService(store.NewMemoryStore(), nil, zap.NewNop()).ExportReport(context.Background(), march)
	assert.ErrorIs(t, err, storage.ErrStorageDisabled)
}

func TestPreviousMonth(t *testing.T) {
	p := PreviousMonth(time.Date(2024, 1, 15, 3, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), p.From)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), p.To)
}

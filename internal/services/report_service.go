package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/storage"
	"tourmarket/settlement/internal/store"
)

var ErrInvalidPeriod = errors.New("report period must have from before to")

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// IReportService aggregates partner commission per referring establishment.
type IReportService interface {
	GenerateReport(ctx context.Context, period models.ReportPeriod) (*models.CommissionReport, error)
	RenderXLSX(report *models.CommissionReport) ([]byte, error)
	// ExportReport renders the period and stores it in S3, returning the
	// object key and a presigned download URL.
	ExportReport(ctx context.Context, period models.ReportPeriod) (string, string, error)
}

type reportService struct {
	store   store.InvoiceStore
	storage storage.IS3Storage
	logger  *zap.Logger
	now     func() time.Time
}

func NewReportService(st store.InvoiceStore, objects storage.IS3Storage, logger *zap.Logger) IReportService {
	return &reportService{
		store:   st,
		storage: objects,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PreviousMonth is the calendar month before t, in UTC.
func PreviousMonth(t time.Time) models.ReportPeriod {
	t = t.UTC()
	to := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return models.ReportPeriod{From: to.AddDate(0, -1, 0), To: to}
}

// GenerateReport groups the non-cancelled referral invoices created in the
// period by attributed establishment, largest commission first.
func (s *reportService) GenerateReport(ctx context.Context, period models.ReportPeriod) (*models.CommissionReport, error) {
	if !period.From.Before(period.To) {
		return nil, ErrInvalidPeriod
	}
	invoices, err := s.store.AttributedInvoicesCreatedBetween(ctx, period.From, period.To)
	if err != nil {
		return nil, fmt.Errorf("load invoices for report: %w", err)
	}

	report := &models.CommissionReport{
		Period:           period,
		PerEstablishment: []models.EstablishmentReport{},
		GeneratedAt:      s.now(),
	}
	byEstablishment := map[string]*models.EstablishmentReport{}
	for _, inv := range invoices {
		if !inv.IsReferralBooking || inv.AttributedEstablishmentID == "" || inv.Status == models.InvoiceCancelled {
			continue
		}
		partner := inv.PartnerCommission()
		switch inv.Status {
		case models.InvoicePaid:
			report.TotalPaid += partner
		case models.InvoicePending, models.InvoiceOverdue:
			report.TotalPending += partner
		}

		entry, ok := byEstablishment[inv.AttributedEstablishmentID]
		if !ok {
			entry = &models.EstablishmentReport{EstablishmentID: inv.AttributedEstablishmentID}
			byEstablishment[inv.AttributedEstablishmentID] = entry
		}
		entry.BookingCount++
		entry.TotalCommission += partner
		entry.BookingDetails = append(entry.BookingDetails, models.BookingDetail{
			InvoiceID:         inv.ID,
			InvoiceNumber:     inv.InvoiceNumber,
			BookingID:         inv.BookingID,
			ProviderID:        inv.ProviderID,
			TotalAmount:       inv.TotalBookingAmount,
			PartnerCommission: partner,
			Status:            inv.Status,
			CreatedAt:         inv.CreatedAt,
		})
	}

	for _, entry := range byEstablishment {
		sort.Slice(entry.BookingDetails, func(i, j int) bool {
			return entry.BookingDetails[i].CreatedAt.Before(entry.BookingDetails[j].CreatedAt)
		})
		report.PerEstablishment = append(report.PerEstablishment, *entry)
	}
	sort.Slice(report.PerEstablishment, func(i, j int) bool {
		a, b := report.PerEstablishment[i], report.PerEstablishment[j]
		if a.TotalCommission != b.TotalCommission {
			return a.TotalCommission > b.TotalCommission
		}
		return a.EstablishmentID < b.EstablishmentID
	})
	report.TotalEstablishments = len(report.PerEstablishment)
	return report, nil
}

func (s *reportService) RenderXLSX(report *models.CommissionReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summary, details = "Summary", "Bookings"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(details); err != nil {
		return nil, err
	}

	writeRow := func(sheet string, row int, values ...interface{}) error {
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
		return nil
	}
	money := func(m models.Money) float64 { return m.Decimal().InexactFloat64() }

	rows := [][]interface{}{
		{"Period from", report.Period.From.Format(time.DateOnly)},
		{"Period to", report.Period.To.Format(time.DateOnly)},
		{"Establishments", report.TotalEstablishments},
		{"Pending commission", money(report.TotalPending)},
		{"Paid commission", money(report.TotalPaid)},
		{},
		{"Establishment", "Bookings", "Commission"},
	}
	for _, e := range report.PerEstablishment {
		rows = append(rows, []interface{}{e.EstablishmentID, e.BookingCount, money(e.TotalCommission)})
	}
	for i, r := range rows {
		if err := writeRow(summary, i+1, r...); err != nil {
			return nil, err
		}
	}

	row := 1
	if err := writeRow(details, row, "Establishment", "Invoice", "Booking", "Provider", "Booking total", "Commission", "Status", "Created"); err != nil {
		return nil, err
	}
	for _, e := range report.PerEstablishment {
		for _, d := range e.BookingDetails {
			row++
			err := writeRow(details, row, e.EstablishmentID, d.InvoiceNumber, d.BookingID, d.ProviderID,
				money(d.TotalAmount), money(d.PartnerCommission), string(d.Status), d.CreatedAt.Format(time.RFC3339))
			if err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write spreadsheet: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *reportService) ExportReport(ctx context.Context, period models.ReportPeriod) (string, string, error) {
	if s.storage == nil {
		return "", "", storage.ErrStorageDisabled
	}
	report, err := s.GenerateReport(ctx, period)
	if err != nil {
		return "", "", err
	}
	data, err := s.RenderXLSX(report)
	if err != nil {
		return "", "", err
	}
	name := fmt.Sprintf("commission_%s_%s.xlsx", period.From.Format("20060102"), period.To.Format("20060102"))
	key, err := s.storage.PutObject(ctx, "reports/commission", name, xlsxContentType, data)
	if err != nil {
		return "", "", err
	}
	url, err := s.storage.PresignedGetURL(ctx, key)
	if err != nil {
		return key, "", err
	}
	s.logger.Info("commission report exported",
		zap.String("key", key),
		zap.Int("establishments", report.TotalEstablishments))
	return key, url, nil
}

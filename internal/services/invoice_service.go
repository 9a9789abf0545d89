package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tourmarket/settlement/internal/commission"
	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/db"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/utils"
)

// ErrInvalidTransition is returned by administrative actions that the
// invoice's current status does not allow.
var ErrInvalidTransition = errors.New("invoice status does not allow this action")

// IInvoiceService owns the commission invoice lifecycle.
type IInvoiceService interface {
	CreateInvoice(ctx context.Context, booking *models.Booking, breakdown commission.Breakdown) (*models.CommissionInvoice, error)
	MarkPaid(ctx context.Context, invoiceID utils.SixID, rec models.PaymentRecord) (*models.CommissionInvoice, error)
	MarkFailed(ctx context.Context, invoiceID utils.SixID, rec models.PaymentRecord) (*models.CommissionInvoice, error)
	MarkPaidManually(ctx context.Context, invoiceID utils.SixID, operatorID, note string) (*models.CommissionInvoice, error)
	Cancel(ctx context.Context, invoiceID utils.SixID, operatorID string) (*models.CommissionInvoice, error)
	SweepOverdue(ctx context.Context, asOf time.Time) (int64, error)
	GetInvoices(ctx context.Context, filter models.InvoiceFilter, page models.Page) ([]models.CommissionInvoice, int64, error)
	GetInvoice(ctx context.Context, invoiceID utils.SixID) (*models.CommissionInvoice, error)
	GetInvoiceByBooking(ctx context.Context, bookingID string) (*models.CommissionInvoice, error)
	ListPayments(ctx context.Context, invoiceID utils.SixID) ([]models.CommissionPayment, error)
	AttachPaymentLink(ctx context.Context, invoiceID utils.SixID) (*models.CommissionInvoice, error)
	OverdueUnnotified(ctx context.Context, limit int64) ([]models.CommissionInvoice, error)
	MarkOverdueNotified(ctx context.Context, invoiceID utils.SixID) error
}

const invoiceNumberPrefix = "CI-"

type invoiceService struct {
	store         store.Store
	cfg           *config.Config
	configService IConfigService
	links         gateway.PaymentLinkCreator
	jobs          JobQueue
	logger        *zap.Logger
	now           func() time.Time
}

// NewInvoiceService creates the invoice lifecycle manager. links may be nil
// when payment links are not configured.
func NewInvoiceService(st store.Store, cfg *config.Config, configService IConfigService, links gateway.PaymentLinkCreator, jobs JobQueue, logger *zap.Logger) IInvoiceService {
	if jobs == nil {
		jobs = NopJobQueue{}
	}
	return &invoiceService{
		store:         st,
		cfg:           cfg,
		configService: configService,
		links:         links,
		jobs:          jobs,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *invoiceService) paymentWaitDays(ctx context.Context) int {
	days := s.cfg.InvoicePaymentWaitTimeDays
	if s.configService != nil {
		days = s.configService.GetInt(ctx, "INVOICE_PAYMENT_WAIT_TIME_DAYS", days)
	}
	if days <= 0 {
		days = 14
	}
	return days
}

// CreateInvoice persists a pending invoice for booking. A second call for
// the same booking fails with store.ErrDuplicateInvoice and writes nothing.
func (s *invoiceService) CreateInvoice(ctx context.Context, booking *models.Booking, breakdown commission.Breakdown) (*models.CommissionInvoice, error) {
	if breakdown.BookingTotal != booking.TotalAmount {
		return nil, fmt.Errorf("%w: breakdown is for %s, booking total is %s", commission.ErrInvalidAmount, breakdown.BookingTotal, booking.TotalAmount)
	}
	now := s.now()
	inv := &models.CommissionInvoice{
		BookingID:                booking.ID,
		ProviderID:               booking.ProviderID,
		TotalBookingAmount:       breakdown.BookingTotal,
		PlatformCommissionRate:   breakdown.PlatformPercent.InexactFloat64(),
		PlatformCommissionAmount: breakdown.PlatformFee,
		PlatformNetAmount:        breakdown.PlatformNet,
		ProviderNetAmount:        breakdown.ProviderAmount,
		Status:                   models.InvoicePending,
		DueDate:                  now.AddDate(0, 0, s.paymentWaitDays(ctx)),
		NotificationEmail:        booking.ProviderEmail,
	}
	if breakdown.HasReferral {
		partner := breakdown.ReferralCommission
		inv.IsReferralBooking = true
		inv.AttributedEstablishmentID = breakdown.EstablishmentID
		inv.PartnerCommissionRate = breakdown.PartnerPercent.InexactFloat64()
		inv.PartnerCommissionAmount = &partner
		if visitID, err := utils.ParseSixID(booking.ReferralVisitID); err == nil {
			inv.ReferralVisitID = &visitID
		}
	}
	if !inv.Balanced() {
		return nil, fmt.Errorf("%w: split of %s does not add up", commission.ErrInvalidAmount, inv.TotalBookingAmount)
	}

	err := db.WithRetries(ctx, func() error {
		inv.ID = utils.NewSixID()
		inv.InvoiceNumber = invoiceNumberPrefix + inv.ID.String()
		return s.store.InsertInvoice(ctx, inv)
	}, db.DefaultMaxRetries, func(err error) bool {
		return errors.Is(err, store.ErrDuplicateInvoiceNumber)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("commission invoice created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("booking_id", inv.BookingID),
		zap.Bool("referral", inv.IsReferralBooking),
		zap.String("commission", inv.PlatformCommissionAmount.String()))
	return inv, nil
}

// undoLog removes the rows a settlement unit wrote when its status change
// does not happen. A lost race commits the unit with the rows removed, so
// a concurrent change made through the same store stays intact.
type undoLog struct {
	steps []func(ctx context.Context) error
}

func (u *undoLog) add(step func(ctx context.Context) error) {
	u.steps = append(u.steps, step)
}

func (u *undoLog) run(ctx context.Context, logger *zap.Logger, invoiceID utils.SixID) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](ctx); err != nil {
			logger.Error("failed to remove partial settlement row",
				zap.String("invoice_id", invoiceID.String()), zap.Error(err))
		}
	}
	u.steps = nil
}

// MarkPaid settles the invoice with a completed payment. Invoices that are
// already paid or cancelled are returned unchanged; the call is driven by
// possibly replayed webhooks and never fails on state alone.
func (s *invoiceService) MarkPaid(ctx context.Context, invoiceID utils.SixID, rec models.PaymentRecord) (*models.CommissionInvoice, error) {
	var (
		result   *models.CommissionInvoice
		settled  bool
		conflict bool
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context) error {
		inv, err := s.store.FindInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.CanTransitionTo(models.InvoicePaid) {
			result, conflict = inv, true
			return nil
		}

		at := rec.At
		if at.IsZero() {
			at = s.now()
		}
		amount := rec.Amount
		if amount == 0 {
			amount = inv.PlatformCommissionAmount
		} else if amount != inv.PlatformCommissionAmount {
			s.logger.Warn("payment amount differs from commission due",
				zap.String("invoice_id", inv.ID.String()),
				zap.String("paid", amount.String()),
				zap.String("due", inv.PlatformCommissionAmount.String()))
		}

		undo := &undoLog{}
		payment := &models.CommissionPayment{
			InvoiceID:               inv.ID,
			Amount:                  amount,
			PaymentMethod:           rec.Method,
			ExternalPaymentIntentID: rec.PaymentIntentID,
			Status:                  models.PaymentCompleted,
			PaidAt:                  at,
			RecordedBy:              rec.RecordedBy,
		}
		switch err := s.store.InsertPayment(ctx, payment); {
		case err == nil:
			undo.add(func(ctx context.Context) error { return s.store.DeletePayment(ctx, payment.ID) })
		case !errors.Is(err, store.ErrDuplicatePayment):
			return err
		}

		if inv.IsReferralBooking && inv.AttributedEstablishmentID != "" {
			credit := &models.PartnerCredit{
				InvoiceID:       inv.ID,
				BookingID:       inv.BookingID,
				EstablishmentID: inv.AttributedEstablishmentID,
				Amount:          inv.PartnerCommission(),
				CreditedAt:      at,
			}
			switch err := s.store.InsertPartnerCredit(ctx, credit); {
			case err == nil:
				undo.add(func(ctx context.Context) error { return s.store.DeletePartnerCredit(ctx, credit.ID) })
			case !errors.Is(err, store.ErrDuplicatePartnerCredit):
				undo.run(ctx, s.logger, inv.ID)
				return err
			}
		}

		reference := rec.PaymentIntentID
		updated, err := s.store.TransitionInvoice(ctx, inv.ID, models.SourcesFor(models.InvoicePaid), models.InvoicePaid,
			models.InvoiceUpdate{PaidAt: &at, ExternalPaymentReference: &reference, At: at})
		if errors.Is(err, store.ErrStatusConflict) {
			undo.run(ctx, s.logger, inv.ID)
			result, conflict = updated, true
			return nil
		}
		if err != nil {
			s.undoUnlessApplied(ctx, undo, inv.ID, func(cur *models.CommissionInvoice) bool {
				return cur.Status == models.InvoicePaid && cur.ExternalPaymentReference != nil && *cur.ExternalPaymentReference == reference
			})
			return err
		}
		result, settled = updated, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark invoice %s paid: %w", invoiceID, err)
	}
	if conflict {
		s.logConflict("mark paid", result, rec)
		return result, nil
	}

	if settled {
		s.logger.Info("invoice paid",
			zap.String("invoice_id", result.ID.String()),
			zap.String("reference", rec.PaymentIntentID),
			zap.String("method", rec.Method))
		if err := s.jobs.NotifyInvoicePaid(ctx, result.ID); err != nil {
			s.logger.Error("failed to enqueue paid notification", zap.String("invoice_id", result.ID.String()), zap.Error(err))
		}
	}
	return result, nil
}

// MarkFailed records a failed attempt and moves a pending invoice to
// overdue. Any other status is left alone.
func (s *invoiceService) MarkFailed(ctx context.Context, invoiceID utils.SixID, rec models.PaymentRecord) (*models.CommissionInvoice, error) {
	var (
		result   *models.CommissionInvoice
		conflict bool
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context) error {
		inv, err := s.store.FindInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.CanTransitionTo(models.InvoiceOverdue) {
			result, conflict = inv, true
			return nil
		}

		at := rec.At
		if at.IsZero() {
			at = s.now()
		}
		undo := &undoLog{}
		payment := &models.CommissionPayment{
			InvoiceID:               inv.ID,
			Amount:                  rec.Amount,
			PaymentMethod:           rec.Method,
			ExternalPaymentIntentID: rec.PaymentIntentID,
			Status:                  models.PaymentFailed,
			PaidAt:                  at,
			FailureReason:           rec.FailureReason,
		}
		switch err := s.store.InsertPayment(ctx, payment); {
		case err == nil:
			undo.add(func(ctx context.Context) error { return s.store.DeletePayment(ctx, payment.ID) })
		case !errors.Is(err, store.ErrDuplicatePayment):
			return err
		}

		updated, err := s.store.TransitionInvoice(ctx, inv.ID, models.SourcesFor(models.InvoiceOverdue), models.InvoiceOverdue,
			models.InvoiceUpdate{At: at})
		if errors.Is(err, store.ErrStatusConflict) {
			undo.run(ctx, s.logger, inv.ID)
			result, conflict = updated, true
			return nil
		}
		if err != nil {
			s.undoUnlessApplied(ctx, undo, inv.ID, func(cur *models.CommissionInvoice) bool {
				return cur.Status == models.InvoiceOverdue
			})
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark invoice %s failed: %w", invoiceID, err)
	}
	if conflict {
		s.logConflict("mark failed", result, rec)
	}
	return result, nil
}

// undoUnlessApplied removes the unit's rows after a failed transition,
// unless the invoice shows the transition landed anyway. When the invoice
// cannot be read the rows stay and a redelivered event completes the
// settlement.
func (s *invoiceService) undoUnlessApplied(ctx context.Context, undo *undoLog, id utils.SixID, applied func(*models.CommissionInvoice) bool) {
	cur, err := s.store.FindInvoice(ctx, id)
	if err != nil {
		s.logger.Warn("cannot confirm invoice state, keeping settlement rows", zap.String("invoice_id", id.String()), zap.Error(err))
		return
	}
	if !applied(cur) {
		undo.run(ctx, s.logger, id)
	}
}

func (s *invoiceService) logConflict(action string, inv *models.CommissionInvoice, rec models.PaymentRecord) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("reference", rec.PaymentIntentID),
	}
	if inv != nil {
		fields = append(fields, zap.String("invoice_id", inv.ID.String()), zap.String("status", string(inv.Status)))
	}
	s.logger.Warn("invoice status conflict, ignoring", fields...)
}

// MarkPaidManually is the operator override for payments received outside
// the gateway.
func (s *invoiceService) MarkPaidManually(ctx context.Context, invoiceID utils.SixID, operatorID, note string) (*models.CommissionInvoice, error) {
	if operatorID == "" {
		return nil, errors.New("operator id is required")
	}
	current, err := s.store.FindInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, fmt.Errorf("%w: invoice is %s", ErrInvalidTransition, current.Status)
	}
	now := s.now()
	reference := fmt.Sprintf("manual:%s:%d", operatorID, now.UnixNano())
	inv, err := s.MarkPaid(ctx, invoiceID, models.PaymentRecord{
		Method:          models.PaymentMethodManual,
		PaymentIntentID: reference,
		At:              now,
		RecordedBy:      operatorID,
	})
	if err != nil {
		return nil, err
	}
	// a webhook or cancel that got in first makes MarkPaid a no-op
	if inv.Status != models.InvoicePaid || inv.ExternalPaymentReference == nil || *inv.ExternalPaymentReference != reference {
		return inv, fmt.Errorf("%w: invoice is %s", ErrInvalidTransition, inv.Status)
	}
	s.logger.Info("invoice marked paid manually",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("operator", operatorID),
		zap.String("note", note))
	return inv, nil
}

func (s *invoiceService) Cancel(ctx context.Context, invoiceID utils.SixID, operatorID string) (*models.CommissionInvoice, error) {
	inv, err := s.store.TransitionInvoice(ctx, invoiceID, models.SourcesFor(models.InvoiceCancelled), models.InvoiceCancelled,
		models.InvoiceUpdate{CancelledBy: operatorID, At: s.now()})
	if errors.Is(err, store.ErrStatusConflict) {
		return inv, fmt.Errorf("%w: invoice is %s", ErrInvalidTransition, inv.Status)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice cancelled", zap.String("invoice_id", invoiceID.String()), zap.String("operator", operatorID))
	return inv, nil
}

// SweepOverdue moves pending invoices due before asOf to overdue. Running
// it again with the same asOf changes nothing.
func (s *invoiceService) SweepOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	n, err := s.store.MarkOverdueBefore(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("overdue sweep: %w", err)
	}
	if n > 0 {
		s.logger.Info("invoices marked overdue", zap.Int64("count", n), zap.Time("as_of", asOf))
	}
	return n, nil
}

func (s *invoiceService) GetInvoices(ctx context.Context, filter models.InvoiceFilter, page models.Page) ([]models.CommissionInvoice, int64, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown invoice status %q", filter.Status)
	}
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size < 1 {
		page.Size = 20
	}
	return s.store.ListInvoices(ctx, filter, page)
}

func (s *invoiceService) GetInvoice(ctx context.Context, invoiceID utils.SixID) (*models.CommissionInvoice, error) {
	return s.store.FindInvoice(ctx, invoiceID)
}

func (s *invoiceService) GetInvoiceByBooking(ctx context.Context, bookingID string) (*models.CommissionInvoice, error) {
	return s.store.FindInvoiceByBooking(ctx, bookingID)
}

func (s *invoiceService) ListPayments(ctx context.Context, invoiceID utils.SixID) ([]models.CommissionPayment, error) {
	if _, err := s.store.FindInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, invoiceID)
}

// AttachPaymentLink asks the gateway for a hosted payment page for the
// commission due and stores it on the invoice. An invoice that already has
// a link keeps it.
func (s *invoiceService) AttachPaymentLink(ctx context.Context, invoiceID utils.SixID) (*models.CommissionInvoice, error) {
	if s.links == nil {
		return nil, gateway.ErrPaymentLinksDisabled
	}
	inv, err := s.store.FindInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.PaymentLinkID != "" {
		return inv, nil
	}
	if inv.Status.Terminal() {
		return inv, fmt.Errorf("%w: invoice is %s", ErrInvalidTransition, inv.Status)
	}

	link, err := s.links.CreatePaymentLink(ctx, gateway.PaymentLinkRequest{
		InvoiceID:     inv.ID.String(),
		InvoiceNumber: inv.InvoiceNumber,
		Amount:        inv.PlatformCommissionAmount,
		Currency:      s.cfg.GatewayCurrency,
		Description:   fmt.Sprintf("%s commission for booking %s", s.cfg.AppName, inv.BookingID),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment link for %s: %w", inv.InvoiceNumber, err)
	}
	if err := s.store.SetPaymentLink(ctx, inv.ID, link.ID, link.URL); err != nil {
		return nil, err
	}
	inv.PaymentLinkID = link.ID
	inv.PaymentLinkURL = link.URL
	return inv, nil
}

func (s *invoiceService) OverdueUnnotified(ctx context.Context, limit int64) ([]models.CommissionInvoice, error) {
	return s.store.OverdueUnnotified(ctx, limit)
}

func (s *invoiceService) MarkOverdueNotified(ctx context.Context, invoiceID utils.SixID) error {
	return s.store.MarkOverdueNotified(ctx, invoiceID)
}

// Package store persists invoices, payments, partner credits, referral
// visits and the webhook dedup ledger.
package store

import (
	"context"
	"errors"
	"time"

	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/utils"
)

var (
	ErrDuplicateInvoice       = errors.New("invoice already exists for booking")
	ErrDuplicateInvoiceNumber = errors.New("invoice number already taken")
	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrStatusConflict         = errors.New("invoice status does not allow this transition")
	ErrDuplicatePayment       = errors.New("payment already recorded")
	ErrDuplicatePartnerCredit = errors.New("partner credit already recorded")
	ErrVisitNotFound          = errors.New("referral visit not found")
	ErrEventNotFound          = errors.New("webhook event not found")
	ErrStoreUnavailable       = errors.New("store unavailable")
)

type InvoiceStore interface {
	// InsertInvoice fails with ErrDuplicateInvoice when the booking already
	// has one and with ErrDuplicateInvoiceNumber on a number collision.
	InsertInvoice(ctx context.Context, inv *models.CommissionInvoice) error
	FindInvoice(ctx context.Context, id utils.SixID) (*models.CommissionInvoice, error)
	FindInvoiceByBooking(ctx context.Context, bookingID string) (*models.CommissionInvoice, error)
	// TransitionInvoice moves the invoice to `to` only if its current status
	// is one of `from`. When it is not, the current invoice is returned with
	// ErrStatusConflict.
	TransitionInvoice(ctx context.Context, id utils.SixID, from []models.InvoiceStatus, to models.InvoiceStatus, upd models.InvoiceUpdate) (*models.CommissionInvoice, error)
	// MarkOverdueBefore moves every pending invoice due before asOf to
	// overdue and returns how many changed.
	MarkOverdueBefore(ctx context.Context, asOf time.Time) (int64, error)
	ListInvoices(ctx context.Context, filter models.InvoiceFilter, page models.Page) ([]models.CommissionInvoice, int64, error)
	// AttributedInvoicesCreatedBetween returns referral invoices created in
	// [from, to) that are not cancelled.
	AttributedInvoicesCreatedBetween(ctx context.Context, from, to time.Time) ([]models.CommissionInvoice, error)
	SetPaymentLink(ctx context.Context, id utils.SixID, linkID, url string) error
	OverdueUnnotified(ctx context.Context, limit int64) ([]models.CommissionInvoice, error)
	MarkOverdueNotified(ctx context.Context, id utils.SixID) error

	InsertPayment(ctx context.Context, p *models.CommissionPayment) error
	ListPayments(ctx context.Context, invoiceID utils.SixID) ([]models.CommissionPayment, error)
	InsertPartnerCredit(ctx context.Context, c *models.PartnerCredit) error
	// DeletePayment and DeletePartnerCredit remove rows a caller wrote
	// itself when the invoice change they belonged to did not happen.
	// Deleting a missing row is not an error.
	DeletePayment(ctx context.Context, id utils.SixID) error
	DeletePartnerCredit(ctx context.Context, id utils.SixID) error
}

type ReferralStore interface {
	InsertVisit(ctx context.Context, v *models.ReferralVisit) error
	FindVisit(ctx context.Context, id utils.SixID) (*models.ReferralVisit, error)
}

type WebhookLedger interface {
	// ClaimEvent records the event if unseen and bumps its attempt counter.
	// It returns the row as it was before the call, nil on first sight.
	ClaimEvent(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, error)
	FindEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
	RecordEventError(ctx context.Context, eventID, reason string) error
	DeadLetterEvent(ctx context.Context, eventID, reason string, at time.Time) error
}

// Transactor runs fn as one atomic unit. Nested calls join the outer unit.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Store interface {
	InvoiceStore
	ReferralStore
	WebhookLedger
	Transactor
}

package models

import (
	"time"

	"tourmarket/settlement/internal/utils"
)

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// invoiceTransitions lists, per target status, the statuses it may be
// reached from. Nothing leaves paid or cancelled.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoicePaid:      {InvoicePending, InvoiceOverdue},
	InvoiceOverdue:   {InvoicePending},
	InvoiceCancelled: {InvoicePending, InvoiceOverdue},
}

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceCancelled
}

// SourcesFor returns the statuses from which to may be entered.
func SourcesFor(to InvoiceStatus) []InvoiceStatus {
	return invoiceTransitions[to]
}

func (s InvoiceStatus) CanTransitionTo(to InvoiceStatus) bool {
	for _, from := range invoiceTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// CommissionInvoice records how one booking's money is split and whether
// the provider has settled the platform's commission.
type CommissionInvoice struct {
	Base                      `bson:",inline"`
	BookingID                 string        `bson:"booking_id" json:"booking_id"`
	ProviderID                string        `bson:"provider_id" json:"provider_id"`
	InvoiceNumber             string        `bson:"invoice_number" json:"invoice_number"`
	TotalBookingAmount        Money         `bson:"total_booking_amount" json:"total_booking_amount"`
	PlatformCommissionRate    float64       `bson:"platform_commission_rate" json:"platform_commission_rate"`
	PlatformCommissionAmount  Money         `bson:"platform_commission_amount" json:"platform_commission_amount"`
	PartnerCommissionRate     float64       `bson:"partner_commission_rate" json:"partner_commission_rate"`
	PartnerCommissionAmount   *Money        `bson:"partner_commission_amount" json:"partner_commission_amount"`
	PlatformNetAmount         Money         `bson:"platform_net_amount" json:"platform_net_amount"`
	ProviderNetAmount         Money         `bson:"provider_net_amount" json:"provider_net_amount"`
	IsReferralBooking         bool          `bson:"is_referral_booking" json:"is_referral_booking"`
	AttributedEstablishmentID string        `bson:"attributed_establishment_id,omitempty" json:"attributed_establishment_id,omitempty"`
	ReferralVisitID           *utils.SixID  `bson:"referral_visit_id,omitempty" json:"referral_visit_id,omitempty"`
	Status                    InvoiceStatus `bson:"status" json:"status"`
	DueDate                   time.Time     `bson:"due_date" json:"due_date"`
	PaidAt                    *time.Time    `bson:"paid_at" json:"paid_at"`
	ExternalPaymentReference  *string       `bson:"external_payment_reference" json:"external_payment_reference"`
	PaymentLinkID             string        `bson:"payment_link_id,omitempty" json:"payment_link_id,omitempty"`
	PaymentLinkURL            string        `bson:"payment_link_url,omitempty" json:"payment_link_url,omitempty"`
	NotificationEmail         string        `bson:"notification_email,omitempty" json:"-"`
	OverdueNotified           bool          `bson:"overdue_notified" json:"overdue_notified"`
	CancelledBy               string        `bson:"cancelled_by,omitempty" json:"cancelled_by,omitempty"`
	Timestamps                `bson:",inline"`
}

// PartnerCommission is the referral amount, zero when none was attributed.
func (inv *CommissionInvoice) PartnerCommission() Money {
	if inv.PartnerCommissionAmount == nil {
		return 0
	}
	return *inv.PartnerCommissionAmount
}

// Balanced reports whether the stored split still adds up.
func (inv *CommissionInvoice) Balanced() bool {
	if inv.PlatformCommissionAmount+inv.ProviderNetAmount != inv.TotalBookingAmount {
		return false
	}
	return inv.PartnerCommission() <= inv.PlatformCommissionAmount
}

// InvoiceUpdate carries the fields a status transition writes alongside the
// new status.
type InvoiceUpdate struct {
	PaidAt                   *time.Time
	ExternalPaymentReference *string
	CancelledBy              string
	At                       time.Time
}

// InvoiceFilter narrows invoice listings. Zero values match everything.
type InvoiceFilter struct {
	Status          InvoiceStatus
	ProviderID      string
	EstablishmentID string
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

func (p Page) Skip() int64 {
	if p.Number < 1 {
		return 0
	}
	return int64((p.Number - 1) * p.Size)
}

package models

import (
	"time"

	"tourmarket/settlement/internal/utils"
)

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

const (
	PaymentMethodCard   = "card"
	PaymentMethodManual = "manual"
)

// CommissionPayment is an append-only record of one payment attempt
// against an invoice.
type CommissionPayment struct {
	Base                    `bson:",inline"`
	InvoiceID               utils.SixID   `bson:"invoice_id" json:"invoice_id"`
	Amount                  Money         `bson:"amount" json:"amount"`
	PaymentMethod           string        `bson:"payment_method" json:"payment_method"`
	ExternalPaymentIntentID string        `bson:"external_payment_intent_id" json:"external_payment_intent_id"`
	Status                  PaymentStatus `bson:"status" json:"status"`
	PaidAt                  time.Time     `bson:"paid_at" json:"paid_at"`
	FailureReason           string        `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	RecordedBy              string        `bson:"recorded_by,omitempty" json:"recorded_by,omitempty"`
}

// PaymentRecord is what a caller knows about a payment outcome before it
// is written.
type PaymentRecord struct {
	Amount          Money
	Method          string
	PaymentIntentID string
	At              time.Time
	FailureReason   string
	RecordedBy      string
}

// PartnerCredit credits a referring establishment's commission ledger when
// an attributed invoice is paid. One per invoice.
type PartnerCredit struct {
	Base            `bson:",inline"`
	InvoiceID       utils.SixID `bson:"invoice_id" json:"invoice_id"`
	BookingID       string      `bson:"booking_id" json:"booking_id"`
	EstablishmentID string      `bson:"establishment_id" json:"establishment_id"`
	Amount          Money       `bson:"amount" json:"amount"`
	CreditedAt      time.Time   `bson:"credited_at" json:"credited_at"`
}

package models

import (
	"time"

	"tourmarket/settlement/internal/utils"
)

// ReportPeriod is the half-open creation window [From, To).
type ReportPeriod struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type CommissionReport struct {
	Period              ReportPeriod          `json:"period"`
	TotalEstablishments int                   `json:"total_establishments"`
	TotalPending        Money                 `json:"total_pending"`
	TotalPaid           Money                 `json:"total_paid"`
	PerEstablishment    []EstablishmentReport `json:"per_establishment"`
	GeneratedAt         time.Time             `json:"generated_at"`
}

type EstablishmentReport struct {
	EstablishmentID string          `json:"establishment_id"`
	BookingCount    int             `json:"booking_count"`
	TotalCommission Money           `json:"total_commission"`
	BookingDetails  []BookingDetail `json:"booking_details"`
}

type BookingDetail struct {
	InvoiceID         utils.SixID   `json:"invoice_id"`
	InvoiceNumber     string        `json:"invoice_number"`
	BookingID         string        `json:"booking_id"`
	ProviderID        string        `json:"provider_id"`
	TotalAmount       Money         `json:"total_amount"`
	PartnerCommission Money         `json:"partner_commission"`
	Status            InvoiceStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
}

package models

import (
	"time"
)

// ProviderTier is the package a provider signed up for. Commission rates
// may differ per tier.
type ProviderTier string

const (
	ProviderTierBasic   ProviderTier = "basic"
	ProviderTierPremium ProviderTier = "premium"
)

// Booking is owned by the booking layer; this service only reads it when
// the booking is confirmed.
type Booking struct {
	ID              string       `json:"id" validate:"required,max=64"`
	ActivityID      string       `json:"activity_id" validate:"required,max=64"`
	CustomerID      string       `json:"customer_id" validate:"required,max=64"`
	ProviderID      string       `json:"provider_id" validate:"required,max=64"`
	ProviderTier    ProviderTier `json:"provider_tier,omitempty" validate:"omitempty,oneof=basic premium"`
	ProviderEmail   string       `json:"provider_email,omitempty" validate:"omitempty,email"`
	TotalAmount     Money        `json:"total_amount" validate:"gt=0"`
	CreatedAt       time.Time    `json:"created_at"`
	ReferralVisitID string       `json:"referral_visit_id,omitempty" validate:"omitempty,max=32"`
}

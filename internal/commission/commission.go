// Package commission splits a booking total between the platform, the
// activity provider and an optional referring establishment.
//
// Amounts are integer minor units; rates go through decimal arithmetic and
// each derived amount is rounded half away from zero exactly once, so the
// provider share is always the remainder of the total after the platform
// fee and the three parts can never drift apart.
package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tourmarket/settlement/internal/models"
)

var (
	ErrInvalidAmount   = errors.New("booking total must be positive")
	ErrInvalidReferral = errors.New("referral requires an establishment id")
	ErrInvalidRates    = errors.New("invalid commission rates")
)

var hundred = decimal.NewFromInt(100)

// Rates are the configurable inputs of a split.
type Rates struct {
	// PlatformPercent of the booking total kept as platform fee, e.g. 20.
	PlatformPercent decimal.Decimal
	// ReferralShare of the platform fee passed to the referrer, e.g. 0.5.
	ReferralShare decimal.Decimal
}

// DefaultRates are the marketplace standard terms.
func DefaultRates() Rates {
	return Rates{
		PlatformPercent: decimal.NewFromInt(20),
		ReferralShare:   decimal.RequireFromString("0.5"),
	}
}

// NewRates builds Rates from config floats.
func NewRates(platformPercent, referralShare float64) (Rates, error) {
	r := Rates{
		PlatformPercent: decimal.NewFromFloat(platformPercent),
		ReferralShare:   decimal.NewFromFloat(referralShare),
	}
	return r, r.Validate()
}

func (r Rates) Validate() error {
	if !r.PlatformPercent.IsPositive() || r.PlatformPercent.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: platform percent %s outside (0, 100)", ErrInvalidRates, r.PlatformPercent)
	}
	if r.ReferralShare.IsNegative() || r.ReferralShare.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: referral share %s outside [0, 1]", ErrInvalidRates, r.ReferralShare)
	}
	return nil
}

// PartnerPercent is the referral commission expressed as a percent of the
// booking total (20% x 0.5 = 10%).
func (r Rates) PartnerPercent() decimal.Decimal {
	return r.PlatformPercent.Mul(r.ReferralShare)
}

// Referral asks for part of the platform fee to go to an establishment.
type Referral struct {
	EstablishmentID string
}

// Breakdown is the result of a split.
type Breakdown struct {
	BookingTotal       models.Money
	PlatformFee        models.Money
	PlatformNet        models.Money
	ReferralCommission models.Money
	ProviderAmount     models.Money
	HasReferral        bool
	EstablishmentID    string
	PlatformPercent    decimal.Decimal
	PartnerPercent     decimal.Decimal
}

// Compute splits total. It has no side effects and returns the same
// breakdown for the same inputs.
func Compute(rates Rates, total models.Money, ref *Referral) (Breakdown, error) {
	if !total.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: got %s", ErrInvalidAmount, total)
	}
	if err := rates.Validate(); err != nil {
		return Breakdown{}, err
	}
	if ref != nil && ref.EstablishmentID == "" {
		return Breakdown{}, ErrInvalidReferral
	}

	fee := roundMinor(total.Decimal().Mul(rates.PlatformPercent).Div(hundred))
	b := Breakdown{
		BookingTotal:    total,
		PlatformFee:     fee,
		PlatformNet:     fee,
		ProviderAmount:  total - fee,
		PlatformPercent: rates.PlatformPercent,
		PartnerPercent:  rates.PartnerPercent(),
	}
	if ref != nil {
		b.HasReferral = true
		b.EstablishmentID = ref.EstablishmentID
		b.ReferralCommission = roundMinor(fee.Decimal().Mul(rates.ReferralShare))
		b.PlatformNet = fee - b.ReferralCommission
	}
	return b, nil
}

// roundMinor rounds a decimal amount to whole cents.
func roundMinor(d decimal.Decimal) models.Money {
	return models.Money(d.Round(2).Shift(2).IntPart())
}

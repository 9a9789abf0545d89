package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/commission"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
)

type bookingFixture struct {
	*fixture
	config    *stubConfigService
	referrals IReferralService
	bookings  IBookingService
}

func newBookingFixture() *bookingFixture {
	f := newFixture()
	cfg := newStubConfig(nil)
	f.invoices.configService = cfg
	referrals := NewReferralService(f.store, f.cfg, nil, zap.NewNop())
	return &bookingFixture{
		fixture:   f,
		config:    cfg,
		referrals: referrals,
		bookings:  NewBookingService(f.cfg, cfg, referrals, f.invoices, zap.NewNop()),
	}
}

func TestBookingService_OnBookingConfirmed(t *testing.T) {
	f := newBookingFixture()
	inv, created, err := f.bookings.OnBookingConfirmed(context.Background(), testBooking("bk-1", "1000.00"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.MustMoney("200.00"), inv.PlatformCommissionAmount)
	assert.False(t, inv.IsReferralBooking)
	assert.Equal(t, "provider@example.com", inv.NotificationEmail)
}

func TestBookingService_AttributesReferral(t *testing.T) {
	f := newBookingFixture()
	ctx := context.Background()
	visit, err := f.referrals.RecordScan(ctx, "hotel-7", ScanMetadata{})
	require.NoError(t, err)

	booking := testBooking("bk-1", "1000.00")
	booking.ReferralVisitID = visit.ID.String()
	inv, _, err := f.bookings.OnBookingConfirmed(ctx, booking)
	require.NoError(t, err)

	assert.True(t, inv.IsReferralBooking)
	assert.Equal(t, "hotel-7", inv.AttributedEstablishmentID)
	require.NotNil(t, inv.ReferralVisitID)
	assert.Equal(t, visit.ID, *inv.ReferralVisitID)
	assert.Equal(t, models.MustMoney("100.00"), inv.PartnerCommission())
}

func TestBookingService_UnknownVisitIsNotAttributed(t *testing.T) {
	f := newBookingFixture()
	booking := testBooking("bk-1", "1000.00")
	booking.ReferralVisitID = "0000000000"
	inv, created, err := f.bookings.OnBookingConfirmed(context.Background(), booking)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, inv.IsReferralBooking)
}

func TestBookingService_SecondConfirmationReturnsExisting(t *testing.T) {
	f := newBookingFixture()
	ctx := context.Background()
	first, _, err := f.bookings.OnBookingConfirmed(ctx, testBooking("bk-1", "1000.00"))
	require.NoError(t, err)

	second, created, err := f.bookings.OnBookingConfirmed(ctx, testBooking("bk-1", "1000.00"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestBookingService_RejectsInvalidBooking(t *testing.T) {
	f := newBookingFixture()
	ctx := context.Background()

	noTotal := testBooking("bk-1", "1.00")
	noTotal.TotalAmount = 0
	_, _, err := f.bookings.OnBookingConfirmed(ctx, noTotal)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	badTier := testBooking("bk-2", "1.00")
	badTier.ProviderTier = "gold"
	_, _, err = f.bookings.OnBookingConfirmed(ctx, badTier)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	noProvider := testBooking("bk-3", "1.00")
	noProvider.ProviderID = ""
	_, _, err = f.bookings.OnBookingConfirmed(ctx, noProvider)
	assert.ErrorIs(t, err, ErrInvalidBooking)
}

func TestBookingService_TierRates(t *testing.T) {
	f := newBookingFixture()
	ctx := context.Background()
	f.config.values["COMMISSION_PLATFORM_PERCENT_PREMIUM"] = 15.0
	f.config.values["COMMISSION_REFERRAL_SHARE"] = 0.4

	basic, err := f.bookings.RatesFor(ctx, models.ProviderTierBasic)
	require.NoError(t, err)
	assert.Equal(t, "20", basic.PlatformPercent.String())
	assert.Equal(t, "0.4", basic.ReferralShare.String())

	premium, err := f.bookings.RatesFor(ctx, models.ProviderTierPremium)
	require.NoError(t, err)
	assert.Equal(t, "15", premium.PlatformPercent.String())

	booking := testBooking("bk-1", "1000.00")
	booking.ProviderTier = models.ProviderTierPremium
	inv, _, err := f.bookings.OnBookingConfirmed(ctx, booking)
	require.NoError(t, err)
	assert.Equal(t, models.MustMoney("150.00"), inv.PlatformCommissionAmount)
	assert.Equal(t, models.MustMoney("850.00"), inv.ProviderNetAmount)

	f.config.values["COMMISSION_PLATFORM_PERCENT_BASIC"] = 120.0
	_, err = f.bookings.RatesFor(ctx, models.ProviderTierBasic)
	assert.ErrorIs(t, err, commission.ErrInvalidRates)
}

func TestBookingService_AutoPaymentLink(t *testing.T) {
	f := newBookingFixture()
	links := &mockLinkCreator{}
	f.invoices.links = links
	f.config.values["AUTO_PAYMENT_LINKS"] = true
	links.On("CreatePaymentLink", mock.Anything, mock.Anything).
		Return(&gateway.PaymentLink{ID: "plink_9", URL: "https://pay.example/plink_9"}, nil)

	inv, _, err := f.bookings.OnBookingConfirmed(context.Background(), testBooking("bk-1", "1000.00"))
	require.NoError(t, err)
	assert.Equal(t, "plink_9", inv.PaymentLinkID)
}

func TestBookingService_AutoPaymentLinkFailureKeepsInvoice(t *testing.T) {
	f := newBookingFixture()
	f.config.values["AUTO_PAYMENT_LINKS"] = true

	inv, created, err := f.bookings.OnBookingConfirmed(context.Background(), testBooking("bk-1", "1000.00"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, inv.PaymentLinkID)
}

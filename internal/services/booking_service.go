package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/commission"
	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/store"
)

var validate = validator.New()

// ErrInvalidBooking wraps validation failures of an incoming booking.
var ErrInvalidBooking = errors.New("invalid booking")

// IBookingService is the entry point the booking layer calls once a booking
// is confirmed.
type IBookingService interface {
	// OnBookingConfirmed resolves attribution, computes the split and
	// creates the invoice. created is false when the booking already had
	// one, which is then returned unchanged.
	OnBookingConfirmed(ctx context.Context, booking *models.Booking) (inv *models.CommissionInvoice, created bool, err error)
	RatesFor(ctx context.Context, tier models.ProviderTier) (commission.Rates, error)
}

type bookingService struct {
	cfg           *config.Config
	configService IConfigService
	referrals     IReferralService
	invoices      IInvoiceService
	logger        *zap.Logger
}

func NewBookingService(cfg *config.Config, configService IConfigService, referrals IReferralService, invoices IInvoiceService, logger *zap.Logger) IBookingService {
	return &bookingService{
		cfg:           cfg,
		configService: configService,
		referrals:     referrals,
		invoices:      invoices,
		logger:        logger,
	}
}

// RatesFor reads COMMISSION_PLATFORM_PERCENT[_<TIER>] and
// COMMISSION_REFERRAL_SHARE[_<TIER>] overrides, most specific first.
func (s *bookingService) RatesFor(ctx context.Context, tier models.ProviderTier) (commission.Rates, error) {
	platform := s.cfg.PlatformCommissionPercent
	share := s.cfg.ReferralShare
	if s.configService != nil {
		platform = s.configService.GetFloat64(ctx, "COMMISSION_PLATFORM_PERCENT", platform)
		share = s.configService.GetFloat64(ctx, "COMMISSION_REFERRAL_SHARE", share)
		if tier != "" {
			suffix := "_" + strings.ToUpper(string(tier))
			platform = s.configService.GetFloat64(ctx, "COMMISSION_PLATFORM_PERCENT"+suffix, platform)
			share = s.configService.GetFloat64(ctx, "COMMISSION_REFERRAL_SHARE"+suffix, share)
		}
	}
	return commission.NewRates(platform, share)
}

func (s *bookingService) OnBookingConfirmed(ctx context.Context, booking *models.Booking) (*models.CommissionInvoice, bool, error) {
	if err := validate.Struct(booking); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidBooking, err)
	}

	if existing, err := s.invoices.GetInvoiceByBooking(ctx, booking.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrInvoiceNotFound) {
		return nil, false, err
	}

	referral, err := s.referrals.ResolveAttribution(ctx, booking.ReferralVisitID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve attribution: %w", err)
	}
	var ref *commission.Referral
	if referral != nil {
		ref = &commission.Referral{EstablishmentID: referral.EstablishmentID}
	}

	rates, err := s.RatesFor(ctx, booking.ProviderTier)
	if err != nil {
		return nil, false, err
	}
	breakdown, err := commission.Compute(rates, booking.TotalAmount, ref)
	if err != nil {
		return nil, false, err
	}

	inv, err := s.invoices.CreateInvoice(ctx, booking, breakdown)
	if errors.Is(err, store.ErrDuplicateInvoice) {
		// lost a race with a concurrent confirmation of the same booking
		existing, findErr := s.invoices.GetInvoiceByBooking(ctx, booking.ID)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if s.autoPaymentLinks(ctx) {
		if linked, err := s.invoices.AttachPaymentLink(ctx, inv.ID); err != nil {
			s.logger.Warn("could not attach payment link", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
		} else {
			inv = linked
		}
	}
	return inv, true, nil
}

func (s *bookingService) autoPaymentLinks(ctx context.Context) bool {
	if s.configService == nil {
		return s.cfg.AutoPaymentLinks
	}
	return s.configService.GetBool(ctx, "AUTO_PAYMENT_LINKS", s.cfg.AutoPaymentLinks)
}

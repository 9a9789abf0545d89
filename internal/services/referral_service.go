package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/storage"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/utils"
)

const qrCodeSize = 256

var ErrInvalidEstablishment = errors.New("invalid establishment id")

// ScanMetadata is what the scan endpoint knows about the visitor.
type ScanMetadata struct {
	SessionID string
	UserAgent string
	Extra     map[string]string
}

// IReferralService tracks QR referrals and resolves them at booking time.
type IReferralService interface {
	RecordScan(ctx context.Context, establishmentID string, meta ScanMetadata) (*models.ReferralVisit, error)
	// ResolveAttribution returns nil, nil whenever visitID does not lead to
	// a recorded visit. Only store failures are errors.
	ResolveAttribution(ctx context.Context, visitID string) (*models.Referral, error)
	QRCode(establishmentID string) ([]byte, error)
	PublishQRCode(ctx context.Context, establishmentID string) (string, error)
	ScanURL(establishmentID string) string
}

type referralService struct {
	store   store.ReferralStore
	cfg     *config.Config
	storage storage.IS3Storage
	logger  *zap.Logger
	now     func() time.Time
}

// NewReferralService creates the tracker. objects may be nil when S3 is not
// configured.
func NewReferralService(st store.ReferralStore, cfg *config.Config, objects storage.IS3Storage, logger *zap.Logger) IReferralService {
	return &referralService{
		store:   st,
		cfg:     cfg,
		storage: objects,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ValidEstablishmentID reports whether id can be encoded in a scan URL.
// RecordScan itself accepts any id; the HTTP layer filters with this.
func ValidEstablishmentID(id string) bool {
	return id != "" && len(id) <= 64 && !strings.ContainsAny(id, "/?#\x00")
}

func (s *referralService) RecordScan(ctx context.Context, establishmentID string, meta ScanMetadata) (*models.ReferralVisit, error) {
	session := meta.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	visit := &models.ReferralVisit{
		EstablishmentID: establishmentID,
		SessionID:       session,
		Source:          models.ReferralSourceQRCode,
		UserAgent:       meta.UserAgent,
		Metadata:        meta.Extra,
		CreatedAt:       s.now(),
	}
	if err := s.store.InsertVisit(ctx, visit); err != nil {
		return nil, fmt.Errorf("record scan for %s: %w", establishmentID, err)
	}
	s.logger.Info("referral visit recorded",
		zap.String("visit_id", visit.ID.String()),
		zap.String("establishment_id", establishmentID))
	return visit, nil
}

func (s *referralService) ResolveAttribution(ctx context.Context, visitID string) (*models.Referral, error) {
	if visitID == "" {
		return nil, nil
	}
	id, err := utils.ParseSixID(visitID)
	if err != nil {
		s.logger.Debug("ignoring malformed visit id", zap.String("visit_id", visitID))
		return nil, nil
	}
	visit, err := s.store.FindVisit(ctx, id)
	if errors.Is(err, store.ErrVisitNotFound) {
		s.logger.Info("visit not found, booking is not attributed", zap.String("visit_id", visitID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.Referral{EstablishmentID: visit.EstablishmentID, VisitID: visit.ID}, nil
}

// ScanURL is the address an establishment's QR code points at.
func (s *referralService) ScanURL(establishmentID string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/v1/r/" + url.PathEscape(establishmentID)
}

// QRCode renders the scan URL as a PNG.
func (s *referralService) QRCode(establishmentID string) ([]byte, error) {
	if !ValidEstablishmentID(establishmentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEstablishment, establishmentID)
	}
	code, err := qr.Encode(s.ScanURL(establishmentID), qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	code, err = barcode.Scale(code, qrCodeSize, qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scale QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return buf.Bytes(), nil
}

// PublishQRCode uploads the QR image and returns a presigned download URL.
func (s *referralService) PublishQRCode(ctx context.Context, establishmentID string) (string, error) {
	if s.storage == nil {
		return "", storage.ErrStorageDisabled
	}
	img, err := s.QRCode(establishmentID)
	if err != nil {
		return "", err
	}
	key, err := s.storage.PutObject(ctx, "qr/"+establishmentID, "qr.png", "image/png", img)
	if err != nil {
		return "", err
	}
	return s.storage.PresignedGetURL(ctx, key)
}

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/services"
)

const (
	// VisitCookie carries the referral visit id to the booking flow.
	VisitCookie   = "tm_ref_visit"
	sessionCookie = "tm_session"
	// VisitQueryParam is appended to the landing URL with the visit id.
	VisitQueryParam = "ref_visit"
)

// ReferralHandler serves the public QR endpoints.
type ReferralHandler struct {
	referralService services.IReferralService
	cfg             *config.Config
	logger          *zap.Logger
}

func NewReferralHandler(referralService services.IReferralService, cfg *config.Config, logger *zap.Logger) *ReferralHandler {
	return &ReferralHandler{referralService: referralService, cfg: cfg, logger: logger}
}

// Scan handles GET /v1/r/:establishment_id, the URL encoded in an
// establishment's QR code.
func (h *ReferralHandler) Scan(c *gin.Context) {
	establishmentID := c.Param("establishment_id")
	if !services.ValidEstablishmentID(establishmentID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid establishment"})
		return
	}
	meta := services.ScanMetadata{UserAgent: c.Request.UserAgent()}
	if session, err := c.Cookie(sessionCookie); err == nil {
		meta.SessionID = session
	}
	if q := c.Request.URL.Query(); len(q) > 0 {
		meta.Extra = make(map[string]string, len(q))
		for k := range q {
			meta.Extra[k] = q.Get(k)
		}
	}

	visit, err := h.referralService.RecordScan(c.Request.Context(), establishmentID, meta)
	if err != nil {
		h.logger.Error("failed to record referral visit", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record visit"})
		return
	}

	maxAge := int(h.cfg.ReferralCookieTTL.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(VisitCookie, visit.ID.String(), maxAge, "/", "", false, true)
	c.SetCookie(sessionCookie, visit.SessionID, maxAge, "/", "", false, true)

	if h.cfg.ReferralLandingURL == "" {
		c.JSON(http.StatusOK, gin.H{"visit_id": visit.ID.String(), "establishment_id": visit.EstablishmentID})
		return
	}
	landing, err := url.Parse(h.cfg.ReferralLandingURL)
	if err != nil {
		h.logger.Error("invalid REFERRAL_LANDING_URL", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"visit_id": visit.ID.String(), "establishment_id": visit.EstablishmentID})
		return
	}
	q := landing.Query()
	q.Set(VisitQueryParam, visit.ID.String())
	landing.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, landing.String())
}

// QRCode handles GET /v1/establishments/:establishment_id/qr.png.
func (h *ReferralHandler) QRCode(c *gin.Context) {
	png, err := h.referralService.QRCode(c.Param("establishment_id"))
	if errors.Is(err, services.ErrInvalidEstablishment) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid establishment"})
		return
	}
	if err != nil {
		h.logger.Error("failed to render QR code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render QR code"})
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

// PublishQRCode handles POST /v1/admin/establishments/:establishment_id/qr,
// uploading the image to S3 for print vendors.
func (h *ReferralHandler) PublishQRCode(c *gin.Context) {
	link, err := h.referralService.PublishQRCode(c.Request.Context(), c.Param("establishment_id"))
	switch {
	case errors.Is(err, services.ErrInvalidEstablishment):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid establishment"})
	case err != nil:
		h.logger.Error("failed to publish QR code", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not publish QR code"})
	default:
		c.JSON(http.StatusOK, gin.H{"url": link, "scan_url": h.referralService.ScanURL(c.Param("establishment_id"))})
	}
}

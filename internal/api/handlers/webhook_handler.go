package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/services"
)

// maxWebhookBody bounds the gateway payload read into memory.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	webhookService services.IWebhookService
	logger         *zap.Logger
}

func NewWebhookHandler(webhookService services.IWebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService, logger: logger}
}

// HandlePaymentWebhook handles POST /v1/webhooks/payments.
// 200 acknowledges the event, including duplicates and deferrals; 400
// rejects it permanently; 500 asks the gateway to redeliver.
func (h *WebhookHandler) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	res, err := h.webhookService.HandleWebhook(c.Request.Context(), payload, c.GetHeader(gateway.SignatureHeader))
	switch {
	case errors.Is(err, gateway.ErrSignatureVerificationFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
	case errors.Is(err, gateway.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
	case err != nil:
		h.logger.Error("webhook processing failed", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure, retry later"})
	default:
		c.JSON(http.StatusOK, res)
	}
}

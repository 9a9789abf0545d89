package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/api/handlers"
	"tourmarket/settlement/internal/api/middleware"
	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/email"
	"tourmarket/settlement/internal/services"
)

// Services bundles what the HTTP surface needs.
type Services struct {
	Config   services.IConfigService
	Bookings services.IBookingService
	Invoices services.IInvoiceService
	Referral services.IReferralService
	Webhooks services.IWebhookService
	Reports  services.IReportService
	// Exports may be nil when no worker queue is configured.
	Exports handlers.ReportExportQueue
}

// SetupRouter configures and returns the main Gin engine. ctx bounds the
// rate limiter's background cleanup.
func SetupRouter(ctx context.Context, cfg *config.Config, svc Services, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger), middleware.CORSMiddleware())

	rateLimiter := middleware.NewRateLimiterMiddleware(ctx, cfg, svc.Config, logger)

	webhookHandler := handlers.NewWebhookHandler(svc.Webhooks, logger)
	bookingHandler := handlers.NewBookingHandler(svc.Bookings, logger)
	referralHandler := handlers.NewReferralHandler(svc.Referral, cfg, logger)
	invoiceHandler := handlers.NewInvoiceHandler(svc.Invoices, logger)
	reportHandler := handlers.NewReportHandler(svc.Reports, svc.Exports, logger)
	configHandler := handlers.NewRestConfigHandler(svc.Config, logger)

	v1 := r.Group("/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})
		v1.GET("/config", configHandler.GetPublicConfig)

		// Gateway callbacks authenticate by signature.
		v1.POST("/webhooks/payments", webhookHandler.HandlePaymentWebhook)

		// Public QR endpoints
		public := v1.Group("/", rateLimiter.Limit())
		{
			public.GET("/r/:establishment_id", referralHandler.Scan)
			public.GET("/establishments/:establishment_id/qr.png", referralHandler.QRCode)
		}

		authRequired := v1.Group("/", middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.POST("/bookings/confirmed", bookingHandler.BookingConfirmed)
			authRequired.GET("/invoices", invoiceHandler.ListOwnInvoices)
		}

		admin := v1.Group("/admin", middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			admin.GET("/invoices", invoiceHandler.ListInvoices)
			admin.POST("/invoices/sweep-overdue", invoiceHandler.SweepOverdue)
			admin.GET("/invoices/:id", invoiceHandler.GetInvoice)
			admin.GET("/invoices/:id/payments", invoiceHandler.ListPayments)
			admin.POST("/invoices/:id/mark-paid", invoiceHandler.MarkPaid)
			admin.POST("/invoices/:id/cancel", invoiceHandler.Cancel)
			admin.POST("/invoices/:id/payment-link", invoiceHandler.CreatePaymentLink)

			admin.GET("/reports/commission", reportHandler.GetCommissionReport)
			admin.GET("/reports/commission.xlsx", reportHandler.DownloadCommissionReport)
			admin.POST("/reports/commission/export", reportHandler.ExportCommissionReport)

			admin.POST("/establishments/:establishment_id/qr", referralHandler.PublishQRCode)
			admin.PUT("/config/:key", configHandler.SetConfigValue)
		}
	}

	return r
}

// SetupServiceRouter configures the internal ops API, bound to a private
// port. rdb may be nil, which disables getTestEmail.
func SetupServiceRouter(invoices services.IInvoiceService, rdb *redis.Client, shutdownChan chan<- struct{}, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))

	r.POST("/api", func(c *gin.Context) {
		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
			return
		}

		switch req.Method {
		case "shutdown":
			logger.Info("received shutdown command via service API")
			c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
			select {
			case shutdownChan <- struct{}{}:
			default:
				logger.Warn("shutdown channel already signaled")
			}

		case "sweepOverdue":
			n, err := invoices.SweepOverdue(c.Request.Context(), time.Now().UTC())
			if err != nil {
				logger.Error("service API overdue sweep failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "sweep failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "result": gin.H{"marked_overdue": n}})

		case "getTestEmail":
			if rdb == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Redis not configured"})
				return
			}
			var args []string // [template_id, email]
			if err := json.Unmarshal(req.Arguments, &args); err != nil || len(args) != 2 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid arguments: expected JSON array [templateID, email]"})
				return
			}
			getTestEmail(c, rdb, email.MockEmailKey(args[1], args[0]), logger)

		default:
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Unknown service method: %s", req.Method)})
		}
	})
	return r
}

// getTestEmail polls Redis briefly for a mock email and deletes it once read.
func getTestEmail(c *gin.Context, rdb *redis.Client, key string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	var raw string
	found := false
	for i := 0; i < 10; i++ {
		v, err := rdb.Get(ctx, key).Result()
		if err == nil {
			raw, found = v, true
			rdb.Del(ctx, key)
			break
		}
		if err != redis.Nil {
			logger.Error("service API: redis get failed", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Redis error"})
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Test email not found in Redis for key %s", key)})
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to parse stored email data"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

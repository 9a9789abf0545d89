package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/api/middleware"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/services"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/utils"
)

// errCouldNotUpdate is all an operator sees when an invoice action fails.
const errCouldNotUpdate = "could not update invoice"

// InvoiceHandler serves the provider invoice list and the admin invoice
// screens.
type InvoiceHandler struct {
	invoiceService services.IInvoiceService
	logger         *zap.Logger
}

func NewInvoiceHandler(invoiceService services.IInvoiceService, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{invoiceService: invoiceService, logger: logger}
}

// ListOwnInvoices handles GET /v1/invoices for the authenticated provider.
func (h *InvoiceHandler) ListOwnInvoices(c *gin.Context) {
	filter := models.InvoiceFilter{ProviderID: c.GetString(middleware.ContextKeyUserID)}
	if !h.bindStatus(c, &filter) {
		return
	}
	h.list(c, filter)
}

// ListInvoices handles GET /v1/admin/invoices.
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	filter := models.InvoiceFilter{
		ProviderID:      c.Query("provider_id"),
		EstablishmentID: c.Query("establishment_id"),
	}
	if !h.bindStatus(c, &filter) {
		return
	}
	from, err := parseDateQuery(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := parseDateQuery(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter.CreatedFrom, filter.CreatedTo = from, to
	h.list(c, filter)
}

func (h *InvoiceHandler) bindStatus(c *gin.Context, filter *models.InvoiceFilter) bool {
	status := models.InvoiceStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown invoice status"})
		return false
	}
	filter.Status = status
	return true
}

func (h *InvoiceHandler) list(c *gin.Context, filter models.InvoiceFilter) {
	page := parsePage(c)
	items, total, err := h.invoiceService.GetInvoices(c.Request.Context(), filter, page)
	if err != nil {
		h.logger.Error("failed to list invoices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list invoices"})
		return
	}
	if items == nil {
		items = []models.CommissionInvoice{}
	}
	c.JSON(http.StatusOK, pageResponse(items, total, page))
}

// GetInvoice handles GET /v1/admin/invoices/:id.
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	inv, err := h.invoiceService.GetInvoice(c.Request.Context(), id)
	if errors.Is(err, store.ErrInvoiceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load invoice", zap.String("invoice_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load invoice"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ListPayments handles GET /v1/admin/invoices/:id/payments.
func (h *InvoiceHandler) ListPayments(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	payments, err := h.invoiceService.ListPayments(c.Request.Context(), id)
	if errors.Is(err, store.ErrInvoiceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to list payments", zap.String("invoice_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list payments"})
		return
	}
	if payments == nil {
		payments = []models.CommissionPayment{}
	}
	c.JSON(http.StatusOK, gin.H{"items": payments})
}

type markPaidRequest struct {
	Note string `json:"note" binding:"max=500"`
}

// MarkPaid handles POST /v1/admin/invoices/:id/mark-paid.
func (h *InvoiceHandler) MarkPaid(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var req markPaidRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	inv, err := h.invoiceService.MarkPaidManually(c.Request.Context(), id, c.GetString(middleware.ContextKeyUserID), req.Note)
	h.respondUpdate(c, "mark-paid", id, inv, err)
}

// Cancel handles POST /v1/admin/invoices/:id/cancel.
func (h *InvoiceHandler) Cancel(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	inv, err := h.invoiceService.Cancel(c.Request.Context(), id, c.GetString(middleware.ContextKeyUserID))
	h.respondUpdate(c, "cancel", id, inv, err)
}

// CreatePaymentLink handles POST /v1/admin/invoices/:id/payment-link.
func (h *InvoiceHandler) CreatePaymentLink(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	inv, err := h.invoiceService.AttachPaymentLink(c.Request.Context(), id)
	h.respondUpdate(c, "payment-link", id, inv, err)
}

// respondUpdate logs the cause of a failed admin action and answers with
// the generic message.
func (h *InvoiceHandler) respondUpdate(c *gin.Context, action string, id utils.SixID, inv *models.CommissionInvoice, err error) {
	if err == nil {
		c.JSON(http.StatusOK, inv)
		return
	}
	h.logger.Warn("admin invoice action failed",
		zap.String("action", action),
		zap.String("invoice_id", id.String()),
		zap.String("operator", c.GetString(middleware.ContextKeyUserID)),
		zap.Error(err))
	_ = c.Error(err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvoiceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, gateway.ErrPaymentLinksDisabled):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": errCouldNotUpdate})
}

// SweepOverdue handles POST /v1/admin/invoices/sweep-overdue.
func (h *InvoiceHandler) SweepOverdue(c *gin.Context) {
	n, err := h.invoiceService.SweepOverdue(c.Request.Context(), time.Now().UTC())
	if err != nil {
		h.logger.Error("manual overdue sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "overdue sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_overdue": n})
}

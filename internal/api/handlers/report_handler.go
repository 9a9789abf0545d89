package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/services"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReportExportQueue schedules an asynchronous report export.
type ReportExportQueue interface {
	EnqueueReportExport(ctx context.Context, from, to time.Time) error
}

type ReportHandler struct {
	reportService services.IReportService
	exports       ReportExportQueue
	logger        *zap.Logger
}

// NewReportHandler creates the handler. exports may be nil when no worker
// queue is configured; the export endpoint then answers 503.
func NewReportHandler(reportService services.IReportService, exports ReportExportQueue, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{reportService: reportService, exports: exports, logger: logger}
}

// period reads ?from and ?to (YYYY-MM-DD, to exclusive). Without both it
// is the previous calendar month.
func period(c *gin.Context) (models.ReportPeriod, error) {
	from, err := parseDateQuery(c, "from")
	if err != nil {
		return models.ReportPeriod{}, err
	}
	to, err := parseDateQuery(c, "to")
	if err != nil {
		return models.ReportPeriod{}, err
	}
	if from == nil && to == nil {
		return services.PreviousMonth(time.Now()), nil
	}
	if from == nil || to == nil {
		return models.ReportPeriod{}, errors.New("from and to must be given together")
	}
	return models.ReportPeriod{From: *from, To: *to}, nil
}

func (h *ReportHandler) generate(c *gin.Context) (*models.CommissionReport, bool) {
	p, err := period(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	report, err := h.reportService.GenerateReport(c.Request.Context(), p)
	if errors.Is(err, services.ErrInvalidPeriod) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if err != nil {
		h.logger.Error("report generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate report"})
		return nil, false
	}
	return report, true
}

// GetCommissionReport handles GET /v1/admin/reports/commission.
func (h *ReportHandler) GetCommissionReport(c *gin.Context) {
	if report, ok := h.generate(c); ok {
		c.JSON(http.StatusOK, report)
	}
}

// DownloadCommissionReport handles GET /v1/admin/reports/commission.xlsx.
func (h *ReportHandler) DownloadCommissionReport(c *gin.Context) {
	report, ok := h.generate(c)
	if !ok {
		return
	}
	data, err := h.reportService.RenderXLSX(report)
	if err != nil {
		h.logger.Error("report rendering failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render report"})
		return
	}
	name := fmt.Sprintf("commission_%s_%s.xlsx", report.Period.From.Format("20060102"), report.Period.To.Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxContentType, data)
}

// ExportCommissionReport handles POST /v1/admin/reports/commission/export.
// The export runs on the background worker.
func (h *ReportHandler) ExportCommissionReport(c *gin.Context) {
	if h.exports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report export is not available"})
		return
	}
	p, err := period(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !p.From.Before(p.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": services.ErrInvalidPeriod.Error()})
		return
	}
	if err := h.exports.EnqueueReportExport(c.Request.Context(), p.From, p.To); err != nil {
		h.logger.Error("failed to queue report export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue export"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"from": p.From, "to": p.To})
}

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/email"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/services"
	"tourmarket/settlement/internal/storage"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/utils"
)

// TaskType defines the type of a background task.
const (
	TypeEmailDelivery        = "email:deliver"
	TypeWebhookRetry         = "webhook:retry"
	TypeOverdueSweep         = "invoice:sweep_overdue"
	TypeInvoiceNotifyPaid    = "invoice:notify_paid"
	TypeInvoiceNotifyOverdue = "invoice:notify_overdue"
	TypeReportExport         = "report:export"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// overdueNoticeBatch bounds how many overdue notices one sweep enqueues.
const overdueNoticeBatch = 200

type EmailTaskPayload struct {
	To         string                 `json:"to"`
	TemplateID string                 `json:"template_id"`
	Locale     string                 `json:"locale,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

type WebhookRetryPayload struct {
	EventID string `json:"event_id"`
	Attempt int    `json:"attempt"`
}

type InvoiceTaskPayload struct {
	InvoiceID string `json:"invoice_id"`
}

// ReportExportPayload selects the export window. Zero times mean the
// previous calendar month.
type ReportExportPayload struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg                  *config.Config
	emailSender          email.Sender
	invoiceService       services.IInvoiceService
	webhookService       services.IWebhookService
	reportService        services.IReportService
	emailTemplateService services.IEmailTemplateService
	queue                Queue
	logger               *zap.Logger
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	invoiceService services.IInvoiceService,
	webhookService services.IWebhookService,
	reportService services.IReportService,
	emailTemplateService services.IEmailTemplateService,
	queue Queue,
	logger *zap.Logger,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:                  cfg,
		emailSender:          emailSender,
		invoiceService:       invoiceService,
		webhookService:       webhookService,
		reportService:        reportService,
		emailTemplateService: emailTemplateService,
		queue:                queue,
		logger:               logger,
	}
}

// SetupServer configures the asynq server and its handler mux. The caller
// starts it with srv.Start(mux) and stops it with srv.Shutdown.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, logger *zap.Logger) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(
		RedisOpt(rdb),
		asynq.Config{
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
				QueueLow:      1,
			},
			Logger: logger.Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("task failed",
					zap.String("type", task.Type()),
					zap.ByteString("payload", task.Payload()),
					zap.Int("retried", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err))
			}),
		},
	)

	mux := asynq.NewServeMux()
	processor.Register(mux)
	return srv, mux
}

// Register binds every task type to its handler.
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeEmailDelivery, p.HandleEmailDeliveryTask)
	mux.HandleFunc(TypeWebhookRetry, p.HandleWebhookRetryTask)
	mux.HandleFunc(TypeOverdueSweep, p.HandleOverdueSweepTask)
	mux.HandleFunc(TypeInvoiceNotifyPaid, p.HandleInvoicePaidNotificationTask)
	mux.HandleFunc(TypeInvoiceNotifyOverdue, p.HandleInvoiceOverdueNotificationTask)
	mux.HandleFunc(TypeReportExport, p.HandleReportExportTask)
}

// NewScheduler registers the periodic overdue sweep and monthly report
// export. Schedules use cron syntax and are evaluated in UTC.
func NewScheduler(rdb *redis.Client, cfg *config.Config, logger *zap.Logger) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(RedisOpt(rdb), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logger.Sugar(),
	})

	entries := []struct {
		cron string
		task *asynq.Task
		opts []asynq.Option
	}{
		{cfg.OverdueSweepCron, asynq.NewTask(TypeOverdueSweep, nil), []asynq.Option{asynq.Queue(QueueDefault), asynq.Unique(10 * time.Minute)}},
		{cfg.ReportExportCron, asynq.NewTask(TypeReportExport, nil), []asynq.Option{asynq.Queue(QueueLow), asynq.Unique(time.Hour)}},
	}
	for _, e := range entries {
		if e.cron == "" {
			continue
		}
		id, err := scheduler.Register(e.cron, e.task, e.opts...)
		if err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", e.task.Type(), e.cron, err)
		}
		logger.Info("periodic task registered", zap.String("type", e.task.Type()), zap.String("cron", e.cron), zap.String("entry_id", id))
	}
	return scheduler, nil
}

// --- Task Handlers ---

func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.To == "" {
		return fmt.Errorf("email task without recipient: %w", asynq.SkipRetry)
	}

	locale := payload.Locale
	if locale == "" {
		locale = services.DefaultLocale
	}

	tmpl, err := p.emailTemplateService.GetTemplate(ctx, payload.TemplateID, locale)
	if err != nil {
		p.logger.Error("email template lookup failed",
			zap.String("template_id", payload.TemplateID),
			zap.String("locale", locale),
			zap.Error(err))
		return fmt.Errorf("email template not found: %w", asynq.SkipRetry)
	}

	subject, body, err := services.RenderTemplate(tmpl, payload.Data)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	fromAddress := p.cfg.SmtpFromAddress
	if fromAddress == "" {
		fromAddress = "noreply@example.com"
		p.logger.Warn("SmtpFromAddress not configured, using fallback", zap.String("from", fromAddress))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", payload.To))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", fromAddress))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString(email.TemplateHeader + ": " + payload.TemplateID + "\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")

	if err := p.emailSender.Send(ctx, []string{payload.To}, subject, []byte(sb.String())); err != nil {
		return err
	}
	p.logger.Info("email sent", zap.String("to", payload.To), zap.String("template_id", payload.TemplateID))
	return nil
}

// HandleWebhookRetryTask reprocesses a deferred gateway event.
func (p *TaskProcessor) HandleWebhookRetryTask(ctx context.Context, t *asynq.Task) error {
	var payload WebhookRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal webhook retry payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.EventID == "" {
		return fmt.Errorf("webhook retry without event id: %w", asynq.SkipRetry)
	}

	res, err := p.webhookService.ReprocessEvent(ctx, payload.EventID, payload.Attempt)
	if errors.Is(err, store.ErrEventNotFound) || errors.Is(err, gateway.ErrMalformedEvent) {
		p.logger.Error("webhook event cannot be retried", zap.String("event_id", payload.EventID), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	p.logger.Info("webhook event retried",
		zap.String("event_id", payload.EventID),
		zap.Int("attempt", payload.Attempt),
		zap.String("outcome", string(res.Outcome)))
	return nil
}

// HandleOverdueSweepTask marks lapsed invoices overdue and queues a notice
// for every overdue invoice whose provider has not been told yet.
func (p *TaskProcessor) HandleOverdueSweepTask(ctx context.Context, t *asynq.Task) error {
	n, err := p.invoiceService.SweepOverdue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	pending, err := p.invoiceService.OverdueUnnotified(ctx, overdueNoticeBatch)
	if err != nil {
		return err
	}
	queued := 0
	for _, inv := range pending {
		if err := p.queue.NotifyInvoiceOverdue(ctx, inv.ID); err != nil {
			p.logger.Error("failed to queue overdue notice", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
			continue
		}
		queued++
	}
	p.logger.Info("overdue sweep finished", zap.Int64("marked_overdue", n), zap.Int("notices_queued", queued))
	return nil
}

func (p *TaskProcessor) HandleInvoicePaidNotificationTask(ctx context.Context, t *asynq.Task) error {
	inv, err := p.loadInvoice(ctx, t)
	if err != nil {
		return err
	}
	if inv.Status != models.InvoicePaid {
		p.logger.Warn("paid notice for unpaid invoice skipped", zap.String("invoice_id", inv.ID.String()), zap.String("status", string(inv.Status)))
		return nil
	}
	if inv.NotificationEmail == "" {
		p.logger.Debug("no notification address", zap.String("invoice_id", inv.ID.String()))
		return nil
	}
	return p.queue.EnqueueEmail(ctx, EmailTaskPayload{
		To:         inv.NotificationEmail,
		TemplateID: services.TemplateInvoicePaid,
		Data:       p.invoiceEmailData(inv),
	})
}

// HandleInvoiceOverdueNotificationTask sends at most one overdue notice per
// invoice.
func (p *TaskProcessor) HandleInvoiceOverdueNotificationTask(ctx context.Context, t *asynq.Task) error {
	inv, err := p.loadInvoice(ctx, t)
	if err != nil {
		return err
	}
	if inv.Status != models.InvoiceOverdue || inv.OverdueNotified {
		return nil
	}
	if inv.NotificationEmail != "" {
		err := p.queue.EnqueueEmail(ctx, EmailTaskPayload{
			To:         inv.NotificationEmail,
			TemplateID: services.TemplateInvoiceOverdue,
			Data:       p.invoiceEmailData(inv),
		})
		if err != nil {
			return err
		}
	}
	return p.invoiceService.MarkOverdueNotified(ctx, inv.ID)
}

func (p *TaskProcessor) HandleReportExportTask(ctx context.Context, t *asynq.Task) error {
	var payload ReportExportPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal report payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	period := models.ReportPeriod{From: payload.From, To: payload.To}
	if period.From.IsZero() && period.To.IsZero() {
		period = services.PreviousMonth(time.Now())
	}

	key, _, err := p.reportService.ExportReport(ctx, period)
	if errors.Is(err, storage.ErrStorageDisabled) || errors.Is(err, services.ErrInvalidPeriod) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	p.logger.Info("report export task finished", zap.String("key", key))
	return nil
}

func (p *TaskProcessor) loadInvoice(ctx context.Context, t *asynq.Task) (*models.CommissionInvoice, error) {
	var payload InvoiceTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := utils.ParseSixID(payload.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice ID %q: %w", payload.InvoiceID, asynq.SkipRetry)
	}
	inv, err := p.invoiceService.GetInvoice(ctx, id)
	if errors.Is(err, store.ErrInvoiceNotFound) {
		return nil, fmt.Errorf("invoice %s: %v: %w", payload.InvoiceID, err, asynq.SkipRetry)
	}
	return inv, err
}

func (p *TaskProcessor) invoiceEmailData(inv *models.CommissionInvoice) map[string]interface{} {
	return map[string]interface{}{
		"app_name":       p.cfg.AppName,
		"invoice_number": inv.InvoiceNumber,
		"booking_id":     inv.BookingID,
		"amount":         inv.PlatformCommissionAmount.String() + " " + strings.ToUpper(p.cfg.GatewayCurrency),
		"due_date":       inv.DueDate.Format(time.DateOnly),
		"payment_url":    inv.PaymentLinkURL,
	}
}

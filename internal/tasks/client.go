package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/services"
	"tourmarket/settlement/internal/utils"
)

// maxRetryDelay caps the exponential webhook retry backoff.
const maxRetryDelay = 6 * time.Hour

// Queue is what task handlers enqueue follow-up work through.
type Queue interface {
	services.JobQueue
	EnqueueEmail(ctx context.Context, payload EmailTaskPayload) error
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues background tasks. It implements services.JobQueue.
type Client struct {
	asynqClient *asynq.Client
	enq         enqueuer
	cfg         *config.Config
	logger      *zap.Logger
}

var _ Queue = (*Client)(nil)

// RedisOpt derives the asynq connection from the shared Redis client.
func RedisOpt(rdb *redis.Client) asynq.RedisClientOpt {
	opts := rdb.Options()
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
}

func NewClient(rdb *redis.Client, cfg *config.Config, logger *zap.Logger) *Client {
	c := asynq.NewClient(RedisOpt(rdb))
	return &Client{asynqClient: c, enq: c, cfg: cfg, logger: logger}
}

func (c *Client) Close() error {
	if c.asynqClient == nil {
		return nil
	}
	return c.asynqClient.Close()
}

// RetryDelay is the wait before webhook retry number attempt: base doubled
// per attempt, capped at six hours.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (c *Client) NotifyInvoicePaid(ctx context.Context, invoiceID utils.SixID) error {
	return c.enqueueInvoiceTask(ctx, TypeInvoiceNotifyPaid, invoiceID)
}

func (c *Client) NotifyInvoiceOverdue(ctx context.Context, invoiceID utils.SixID) error {
	return c.enqueueInvoiceTask(ctx, TypeInvoiceNotifyOverdue, invoiceID)
}

func (c *Client) enqueueInvoiceTask(ctx context.Context, taskType string, invoiceID utils.SixID) error {
	payload, err := json.Marshal(InvoiceTaskPayload{InvoiceID: invoiceID.String()})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, asynq.NewTask(taskType, payload),
		asynq.TaskID(taskType+":"+invoiceID.String()),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(10),
		asynq.Retention(24*time.Hour),
	)
}

func (c *Client) RetryWebhookEvent(ctx context.Context, eventID string, attempt int) error {
	payload, err := json.Marshal(WebhookRetryPayload{EventID: eventID, Attempt: attempt})
	if err != nil {
		return err
	}
	delay := RetryDelay(c.cfg.WebhookRetryBaseDelay, attempt)
	return c.enqueue(ctx, asynq.NewTask(TypeWebhookRetry, payload),
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", TypeWebhookRetry, eventID, attempt)),
		asynq.Queue(QueueCritical),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(5),
	)
}

func (c *Client) EnqueueEmail(ctx context.Context, payload EmailTaskPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, asynq.NewTask(TypeEmailDelivery, data), asynq.Queue(QueueLow), asynq.MaxRetry(8))
}

// EnqueueReportExport queues a report export for period, or for the
// previous calendar month when from and to are zero.
func (c *Client) EnqueueReportExport(ctx context.Context, from, to time.Time) error {
	data, err := json.Marshal(ReportExportPayload{From: from, To: to})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, asynq.NewTask(TypeReportExport, data), asynq.Queue(QueueLow))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := c.enq.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		c.logger.Debug("task already queued", zap.String("type", task.Type()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	c.logger.Debug("task enqueued",
		zap.String("type", task.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return nil
}

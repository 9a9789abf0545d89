package services

import (
	"context"

	"tourmarket/settlement/internal/utils"
)

// JobQueue hands follow-up work to the background worker. The tasks
// package provides the asynq-backed implementation.
type JobQueue interface {
	NotifyInvoicePaid(ctx context.Context, invoiceID utils.SixID) error
	NotifyInvoiceOverdue(ctx context.Context, invoiceID utils.SixID) error
	// RetryWebhookEvent schedules another attempt at an event whose
	// invoice could not be found. attempt is 1 for the first retry.
	RetryWebhookEvent(ctx context.Context, eventID string, attempt int) error
}

// NopJobQueue drops every job. Used when no worker is configured.
type NopJobQueue struct{}

func (NopJobQueue) NotifyInvoicePaid(context.Context, utils.SixID) error { return nil }
func (NopJobQueue) NotifyInvoiceOverdue(context.Context, utils.SixID) error { return nil }
func (NopJobQueue) RetryWebhookEvent(context.Context, string, int) error { return nil }

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/gateway"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/store"
	"tourmarket/settlement/internal/utils"
)

type WebhookOutcome string

const (
	OutcomeProcessed    WebhookOutcome = "processed"
	OutcomeDuplicate    WebhookOutcome = "duplicate"
	OutcomeIgnored      WebhookOutcome = "ignored"
	OutcomeDeferred     WebhookOutcome = "deferred"
	OutcomeDeadLettered WebhookOutcome = "dead_lettered"
)

// WebhookResult says what happened to one delivery.
type WebhookResult struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Outcome   WebhookOutcome `json:"outcome"`
	InvoiceID string         `json:"invoice_id,omitempty"`
}

// IWebhookService reconciles gateway payment events with invoices.
type IWebhookService interface {
	// HandleWebhook verifies and applies one delivery. A nil error means the
	// event is durably recorded and the gateway may be acknowledged.
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error)
	// ReprocessEvent retries a deferred event from the ledger. attempt
	// counts retries, starting at 1.
	ReprocessEvent(ctx context.Context, eventID string, attempt int) (*WebhookResult, error)
}

type webhookService struct {
	store    store.Store
	invoices IInvoiceService
	verifier *gateway.Verifier
	jobs     JobQueue
	cfg      *config.Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewWebhookService(st store.Store, invoices IInvoiceService, verifier *gateway.Verifier, jobs JobQueue, cfg *config.Config, logger *zap.Logger) IWebhookService {
	if jobs == nil {
		jobs = NopJobQueue{}
	}
	return &webhookService{
		store:    st,
		invoices: invoices,
		verifier: verifier,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *webhookService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		s.logger.Warn("webhook signature rejected", zap.Error(err), zap.Int("bytes", len(payload)))
		return nil, err
	}
	ev, err := gateway.ParseEvent(payload)
	if err != nil {
		s.logger.Warn("webhook body rejected", zap.Error(err))
		return nil, err
	}

	res, err := s.process(ctx, ev, string(payload))
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeDeferred {
		if err := s.jobs.RetryWebhookEvent(ctx, ev.ID, 1); err != nil {
			// without a scheduled retry only a redelivery can finish the event
			return nil, fmt.Errorf("schedule retry of event %s: %w", ev.ID, err)
		}
	}
	return res, nil
}

func (s *webhookService) ReprocessEvent(ctx context.Context, eventID string, attempt int) (*WebhookResult, error) {
	row, err := s.store.FindEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if row.Processed {
		return &WebhookResult{EventID: eventID, EventType: row.EventType, Outcome: OutcomeDuplicate}, nil
	}
	ev, err := gateway.ParseEvent([]byte(row.Payload))
	if err != nil {
		return nil, err
	}

	res, err := s.process(ctx, ev, row.Payload)
	if err != nil || res.Outcome != OutcomeDeferred {
		return res, err
	}

	maxAttempts := s.cfg.WebhookRetryMaxAttempts
	if attempt >= maxAttempts {
		reason := fmt.Sprintf("invoice %s not found after %d retries", res.InvoiceID, attempt)
		if err := s.store.DeadLetterEvent(ctx, eventID, reason, s.now()); err != nil {
			return nil, err
		}
		s.logger.Error("webhook event dead-lettered",
			zap.String("event_id", eventID),
			zap.String("invoice_id", res.InvoiceID),
			zap.Int("attempts", attempt))
		res.Outcome = OutcomeDeadLettered
		return res, nil
	}
	if err := s.jobs.RetryWebhookEvent(ctx, eventID, attempt+1); err != nil {
		return nil, fmt.Errorf("schedule retry of event %s: %w", eventID, err)
	}
	return res, nil
}

// process claims the ledger row and applies the event in one transaction,
// so a failure leaves neither the invoice change nor the processed mark.
func (s *webhookService) process(ctx context.Context, ev *gateway.Event, payload string) (*WebhookResult, error) {
	res := &WebhookResult{EventID: ev.ID, EventType: ev.Type}
	now := s.now()

	err := s.store.WithTransaction(ctx, func(ctx context.Context) error {
		prev, err := s.store.ClaimEvent(ctx, &models.WebhookEvent{
			EventID:     ev.ID,
			EventType:   ev.Type,
			Payload:     payload,
			FirstSeenAt: now,
		})
		if err != nil {
			return err
		}
		if prev != nil && prev.Processed {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		outcome, invoiceID, err := s.dispatch(ctx, ev)
		res.InvoiceID = invoiceID
		if errors.Is(err, store.ErrInvoiceNotFound) {
			res.Outcome = OutcomeDeferred
			return s.store.RecordEventError(ctx, ev.ID, err.Error())
		}
		if err != nil {
			return err
		}
		res.Outcome = outcome
		return s.store.MarkEventProcessed(ctx, ev.ID, now)
	})
	if err != nil {
		s.logger.Error("webhook event failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("webhook event handled",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("outcome", string(res.Outcome)),
		zap.String("invoice_id", res.InvoiceID))
	return res, nil
}

func (s *webhookService) dispatch(ctx context.Context, ev *gateway.Event) (WebhookOutcome, string, error) {
	var apply func(context.Context, utils.SixID, models.PaymentRecord) (*models.CommissionInvoice, error)
	switch {
	case ev.Succeeded():
		apply = s.invoices.MarkPaid
	case ev.Failed():
		apply = s.invoices.MarkFailed
	default:
		return OutcomeIgnored, "", nil
	}

	raw := ev.InvoiceID()
	invoiceID, err := utils.ParseSixID(raw)
	if err != nil {
		s.logger.Warn("payment event without a commission invoice reference",
			zap.String("event_id", ev.ID),
			zap.String("invoice_id", raw))
		return OutcomeIgnored, raw, nil
	}

	rec := ev.PaymentRecord()
	if ev.Created > 0 {
		rec.At = time.Unix(ev.Created, 0).UTC()
	}
	if _, err := apply(ctx, invoiceID, rec); err != nil {
		return "", invoiceID.String(), err
	}
	return OutcomeProcessed, invoiceID.String(), nil
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"tourmarket/settlement/internal/models"
)

const (
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventCheckoutCompleted = "checkout.session.completed"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is the part of a gateway webhook body the reconciler reads.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object EventObject `json:"object"`
	} `json:"data"`
}

type EventObject struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	AmountTotal        int64             `json:"amount_total"`
	PaymentIntent      string            `json:"payment_intent"`
	Metadata           map[string]string `json:"metadata"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	LastPaymentError   *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// ParseEvent decodes a verified webhook body.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	return &ev, nil
}

// InvoiceID is the invoice reference the payment link put in metadata.
func (e *Event) InvoiceID() string {
	return e.Data.Object.Metadata["invoice_id"]
}

// Succeeded and Failed classify the event; an event may be neither.
func (e *Event) Succeeded() bool {
	return e.Type == EventPaymentSucceeded || e.Type == EventCheckoutCompleted
}

func (e *Event) Failed() bool {
	return e.Type == EventPaymentFailed
}

// PaymentRecord describes the payment outcome carried by the event.
func (e *Event) PaymentRecord() models.PaymentRecord {
	obj := e.Data.Object
	amount := obj.Amount
	if amount == 0 {
		amount = obj.AmountTotal
	}
	intent := obj.ID
	if obj.PaymentIntent != "" {
		intent = obj.PaymentIntent
	}
	method := models.PaymentMethodCard
	if len(obj.PaymentMethodTypes) > 0 {
		method = obj.PaymentMethodTypes[0]
	}
	rec := models.PaymentRecord{
		Amount:          models.Money(amount),
		Method:          method,
		PaymentIntentID: intent,
	}
	if obj.LastPaymentError != nil {
		rec.FailureReason = obj.LastPaymentError.Message
	}
	return rec
}

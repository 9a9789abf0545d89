package email

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CompositeEmailSender delivers through a primary Sender and copies every
// message to optional mirrors such as the file log. Only the primary
// decides success: a failed mirror must not make the delivery task retry
// and mail the provider twice.
type CompositeEmailSender struct {
	primary Sender
	mirrors []Sender
	logger  *zap.Logger
}

var errNoPrimarySender = errors.New("no primary email sender configured")

func NewCompositeEmailSender(primary Sender, logger *zap.Logger) *CompositeEmailSender {
	return &CompositeEmailSender{primary: primary, logger: logger}
}

// AddMirror registers a best-effort copy target. nil is ignored.
func (cs *CompositeEmailSender) AddMirror(sender Sender) {
	if sender != nil {
		cs.mirrors = append(cs.mirrors, sender)
	}
}

func (cs *CompositeEmailSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	if cs.primary == nil {
		return errNoPrimarySender
	}
	if err := cs.primary.Send(ctx, to, subject, rawMessage); err != nil {
		return fmt.Errorf("email delivery failed: %w", err)
	}
	for _, mirror := range cs.mirrors {
		if err := mirror.Send(ctx, to, subject, rawMessage); err != nil {
			cs.logger.Warn("email mirror failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	return nil
}

package email

import (
	"context"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
)

// TemplateHeader names the notification template a message was rendered
// from. The mock senders key stored mail by it.
const TemplateHeader = "X-Template-ID"

// Sender defines the interface for sending emails.
// The rawMessage parameter should contain the full email message, including headers and body, properly formatted.
type Sender interface {
	Send(ctx context.Context, to []string, subject string, rawMessage []byte) error
}

// SMTPSender implements the Sender interface using Go's net/smtp package.
type SMTPSender struct {
	cfg    *config.Config
	auth   smtp.Auth
	addr   string
	logger *zap.Logger
}

// NewSMTPSender returns an SMTP sender, or a logging sender when no SMTP
// host is configured.
func NewSMTPSender(cfg *config.Config, logger *zap.Logger) Sender {
	if cfg.SmtpHost == "" {
		logger.Info("SMTP host not configured, using logging email sender")
		return &LoggingSender{cfg: cfg, logger: logger}
	}

	auth := smtp.PlainAuth("", cfg.SmtpUsername, cfg.SmtpPassword, cfg.SmtpHost)
	return &SMTPSender{
		cfg:    cfg,
		auth:   auth,
		addr:   fmt.Sprintf("%s:%d", cfg.SmtpHost, cfg.SmtpPort),
		logger: logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	if err := smtp.SendMail(s.addr, s.auth, s.cfg.SmtpFromAddress, to, rawMessage); err != nil {
		return fmt.Errorf("smtp error: %w", err)
	}
	s.logger.Info("email sent via SMTP", zap.Strings("to", to), zap.String("subject", subject))
	return nil
}

// LoggingSender just logs email details. Useful for development or when
// SMTP isn't configured.
type LoggingSender struct {
	cfg    *config.Config
	logger *zap.Logger
}

func NewLoggingSender(cfg *config.Config, logger *zap.Logger) *LoggingSender {
	return &LoggingSender{cfg: cfg, logger: logger}
}

func (s *LoggingSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	s.logger.Info("email (logged, not sent)",
		zap.Strings("to", to),
		zap.String("from", s.cfg.SmtpFromAddress),
		zap.String("subject", subject),
		zap.ByteString("message", rawMessage))
	return nil
}

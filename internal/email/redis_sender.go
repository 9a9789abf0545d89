package email

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
)

const mockEmailTTL = 5 * time.Minute

// RedisSender stores emails in Redis instead of sending them, so
// integration environments can read provider notifications back.
type RedisSender struct {
	client *redis.Client
	cfg    *config.Config
	logger *zap.Logger
}

func NewRedisSender(client *redis.Client, cfg *config.Config, logger *zap.Logger) Sender {
	return &RedisSender{client: client, cfg: cfg, logger: logger}
}

// MockEmailKey is where RedisSender keeps the last message of a template
// sent to the recipient.
func MockEmailKey(to, templateID string) string {
	return fmt.Sprintf("mockemail:%s:%s", to, templateID)
}

// templateOf reads TemplateHeader from the message headers.
func templateOf(rawMessage []byte) string {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(rawMessage)))
	headers, err := r.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return "unknown"
	}
	if id := headers.Get(TemplateHeader); id != "" {
		return id
	}
	return "unknown"
}

func (s *RedisSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	templateID := templateOf(rawMessage)

	primaryTo := ""
	if len(to) > 0 {
		primaryTo = to[0]
	}

	emailData := map[string]interface{}{
		"to":          strings.Join(to, ", "),
		"from":        s.cfg.SmtpFromAddress,
		"subject":     subject,
		"body":        string(rawMessage),
		"sent_at":     time.Now().UTC().Format(time.RFC3339Nano),
		"template_id": templateID,
	}
	jsonData, err := json.Marshal(emailData)
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}

	key := MockEmailKey(primaryTo, templateID)
	if err := s.client.Set(ctx, key, jsonData, mockEmailTTL).Err(); err != nil {
		return fmt.Errorf("failed to store email in Redis key '%s': %w", key, err)
	}

	s.logger.Info("mock email stored in Redis",
		zap.String("key", key),
		zap.Duration("ttl", mockEmailTTL),
		zap.String("subject", subject))
	return nil
}

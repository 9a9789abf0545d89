package email

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FileEmailSender appends every message to a local file.
type FileEmailSender struct {
	filePath string
	logger   *zap.Logger
}

// NewFileEmailSender ensures the directory for the log file exists.
func NewFileEmailSender(filePath string, logger *zap.Logger) (Sender, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("email log file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for email log file '%s': %w", dir, err)
	}

	return &FileEmailSender{filePath: filePath, logger: logger}, nil
}

func (s *FileEmailSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	file, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open email log file: %w", err)
	}
	defer file.Close()

	entry := []byte(fmt.Sprintf("--- Email Logged at %s (To: %v, Subject: %s) ---\n",
		time.Now().Format(time.RFC3339Nano), to, subject))
	entry = append(entry, rawMessage...)
	entry = append(entry, []byte("--- End Logged Email ---\n\n")...)

	if _, err := file.Write(entry); err != nil {
		return fmt.Errorf("failed to write email to log file: %w", err)
	}

	s.logger.Debug("email logged to file", zap.Strings("to", to), zap.String("path", s.filePath))
	return nil
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
)

var ErrPaymentLinksDisabled = errors.New("payment links are not configured")

// PaymentLinkRequest asks for a hosted page that collects Amount.
type PaymentLinkRequest struct {
	InvoiceID     string
	InvoiceNumber string
	Amount        models.Money
	Currency      string
	Description   string
}

type PaymentLink struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentLinkCreator is what the invoice lifecycle needs from the gateway.
type PaymentLinkCreator interface {
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error)
}

// Client is a small JSON client for the gateway REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type paymentLinkBody struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	if c.apiKey == "" {
		return nil, ErrPaymentLinksDisabled
	}
	body := paymentLinkBody{
		Amount:      int64(req.Amount),
		Currency:    req.Currency,
		Description: req.Description,
		Metadata: map[string]string{
			"invoice_id":     req.InvoiceID,
			"invoice_number": req.InvoiceNumber,
		},
	}
	var link PaymentLink
	if err := c.do(ctx, http.MethodPost, "/v1/payment_links", body, &link); err != nil {
		return nil, err
	}
	if link.ID == "" || link.URL == "" {
		return nil, errors.New("gateway returned an empty payment link")
	}
	c.logger.Info("payment link created",
		zap.String("invoice_id", req.InvoiceID),
		zap.String("link_id", link.ID))
	return &link, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		c.logger.Warn("gateway request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Error.Message))
		return fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

var _ PaymentLinkCreator = (*Client)(nil)

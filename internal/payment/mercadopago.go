// Package payment integrates with the Mercado Pago API for PIX charges.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultBaseURL is the Mercado Pago API endpoint.
const DefaultBaseURL = "https://api.mercadopago.com"

// Charge is a created PIX charge: the copy-paste code and the QR image to
// present to the contact.
type Charge struct {
	ID      string
	Code    string // PIX copy-and-paste code
	QRImage string // base64-encoded QR code PNG
}

// Opts holds configuration options for the Mercado Pago client.
type Opts struct {
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the Mercado Pago client.
type Option func(*Opts)

// WithAccessToken sets the Mercado Pago access token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithBaseURL overrides the API base URL (used in tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client calls the Mercado Pago payments API.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Mercado Pago client. The access token falls back to the
// MERCADOPAGO_ACCESS_TOKEN environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("MERCADOPAGO_ACCESS_TOKEN")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("MERCADOPAGO_ACCESS_TOKEN not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{token: cfg.AccessToken, baseURL: cfg.BaseURL, http: cfg.HTTPClient}, nil
}

// CreatePixCharge creates a PIX payment and returns its code and QR image.
// reference is echoed back in payment webhooks so the engine can correlate
// the outcome with a paused conversation.
func (c *Client) CreatePixCharge(ctx context.Context, amount float64, description, reference string) (*Charge, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", amount)
	}
	slog.Debug("MercadoPago CreatePixCharge invoked", "amount", amount, "reference", reference)

	payload := map[string]any{
		"transaction_amount": amount,
		"description":        description,
		"payment_method_id":  "pix",
		"external_reference": reference,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payment payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	// Mercado Pago requires an idempotency key on payment creation.
	req.Header.Set("X-Idempotency-Key", reference)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("MercadoPago request failed", "error", err)
		return nil, fmt.Errorf("mercadopago request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read mercadopago response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("MercadoPago returned error status", "status", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("mercadopago returned status %d", resp.StatusCode)
	}

	var parsed struct {
		ID                 json.Number `json:"id"`
		PointOfInteraction struct {
			TransactionData struct {
				QRCode       string `json:"qr_code"`
				QRCodeBase64 string `json:"qr_code_base64"`
			} `json:"transaction_data"`
		} `json:"point_of_interaction"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode mercadopago response: %w", err)
	}
	if parsed.PointOfInteraction.TransactionData.QRCode == "" {
		return nil, fmt.Errorf("mercadopago response missing PIX transaction data")
	}

	slog.Info("MercadoPago PIX charge created", "paymentID", parsed.ID.String(), "reference", reference)
	return &Charge{
		ID:      parsed.ID.String(),
		Code:    parsed.PointOfInteraction.TransactionData.QRCode,
		QRImage: parsed.PointOfInteraction.TransactionData.QRCodeBase64,
	}, nil
}

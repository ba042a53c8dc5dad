// Package sheets appends rows to an external spreadsheet through a webhook
// endpoint (e.g. a Google Apps Script deployment).
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Opts holds configuration options for the sheets client.
type Opts struct {
	HTTPClient *http.Client
}

// Option defines a configuration option for the sheets client.
type Option func(*Opts)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client posts row-append requests to spreadsheet webhook URLs.
type Client struct {
	http *http.Client
}

// NewClient creates a sheets client.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{http: cfg.HTTPClient}
}

// AppendRow appends one row of column values to the spreadsheet identified by
// sheetRef (a webhook URL). Failures do not carry data loss beyond this row.
func (c *Client) AppendRow(ctx context.Context, sheetRef string, row map[string]string) error {
	if sheetRef == "" {
		return fmt.Errorf("sheet reference cannot be empty")
	}
	slog.Debug("Sheets AppendRow invoked", "sheet", sheetRef, "columns", len(row))

	body, err := json.Marshal(map[string]any{"action": "append", "row": row})
	if err != nil {
		return fmt.Errorf("marshal sheet row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sheetRef, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sheet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Sheets AppendRow request failed", "error", err, "sheet", sheetRef)
		return fmt.Errorf("sheet append request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Sheets AppendRow returned error status", "status", resp.StatusCode, "sheet", sheetRef)
		return fmt.Errorf("sheet append returned status %d", resp.StatusCode)
	}
	slog.Debug("Sheets AppendRow succeeded", "sheet", sheetRef)
	return nil
}

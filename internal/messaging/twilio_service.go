// Package messaging: Twilio-backed transport implementation.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/zapflowhq/zapflow/internal/models"
)

// TwilioOpts holds configuration options for the Twilio transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string // WhatsApp sender in "whatsapp:+1234567890" format
}

// TwilioOption defines a configuration option for the Twilio transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the Twilio WhatsApp sender number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioService implements Service over the Twilio REST API. Inbound messages
// arrive through Twilio webhooks handled by the API layer, which feeds the
// Push method.
type TwilioService struct {
	client   *twilio.RestClient
	from     string
	messages chan models.InboundMessage
}

// NewTwilioService creates a Twilio-backed messaging service. Missing options
// fall back to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio service config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioService{
		client:   client,
		from:     cfg.FromNumber,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}, nil
}

// ValidateAndCanonicalizeRecipient normalizes to Twilio's "whatsapp:+NNN" form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(recipient), "whatsapp:")
	cleaned = strings.TrimPrefix(cleaned, "+")
	if cleaned == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("recipient %q contains non-digit characters", recipient)
		}
	}
	return "whatsapp:+" + cleaned, nil
}

// SendText sends a text message through the Twilio API.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioService SendText failed", "error", err, "to", to)
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	slog.Debug("TwilioService SendText succeeded", "to", to)
	return nil
}

// SendMedia sends a media message with an optional caption.
func (s *TwilioService) SendMedia(ctx context.Context, to string, url string, kind string, caption string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetMediaUrl([]string{url})
	if caption != "" {
		params.SetBody(caption)
	}

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioService SendMedia failed", "error", err, "to", to, "kind", kind)
		return fmt.Errorf("twilio send media to %s: %w", to, err)
	}
	slog.Debug("TwilioService SendMedia succeeded", "to", to, "kind", kind)
	return nil
}

// Start is a no-op: Twilio inbound traffic arrives via webhook.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	close(s.messages)
	return nil
}

// Messages returns the channel of inbound messages.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// Push feeds an inbound message received via webhook into the service channel.
func (s *TwilioService) Push(msg models.InboundMessage) {
	select {
	case s.messages <- msg:
	default:
		slog.Warn("TwilioService messages channel full, dropping message", "from", msg.From)
	}
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// Package messaging: whatsmeow-backed transport implementation.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/zapflowhq/zapflow/internal/models"
	"github.com/zapflowhq/zapflow/internal/whatsapp"
)

// Constants for WhatsAppService configuration.
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound message channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations.
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // full client, for event handling; nil for mocks
	messages chan models.InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		sender:   sender,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	if waClient, ok := sender.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient reduces a recipient to bare digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
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
	return cleaned, nil
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.messages)
	return nil
}

// SendText sends a text message.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendText invoked", "to", to, "body_length", len(body))
	if err := s.sender.SendText(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendMedia sends a media message by URL.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, url string, kind string, caption string) error {
	slog.Debug("WhatsAppService SendMedia invoked", "to", to, "kind", kind)
	if err := s.sender.SendMedia(ctx, to, url, kind, caption); err != nil {
		slog.Error("WhatsAppService SendMedia error", "error", err, "to", to, "kind", kind)
		return err
	}
	return nil
}

// Messages returns the channel of inbound messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// handleEvents registers a whatsmeow event handler that converts message
// events into InboundMessage envelopes.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(ctx, v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a whatsmeow message event. Voice notes are
// downloaded to a temp file so the transcription handler can read them.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	from := evt.Info.Sender.User
	inbound := models.InboundMessage{
		MessageID:      evt.Info.ID,
		ConversationID: from,
		ChannelID:      evt.Info.Chat.Server,
		From:           from,
		ReceivedAt:     evt.Info.Timestamp,
	}

	switch {
	case evt.Message.Conversation != nil:
		inbound.Text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		inbound.Text = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.AudioMessage != nil:
		path, err := s.downloadAudioToFile(ctx, evt)
		if err != nil {
			slog.Error("WhatsAppService failed to download inbound audio", "error", err, "from", from)
			return
		}
		inbound.MediaURL = path
		inbound.MediaKind = "audio"
	default:
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", from)
		return
	}

	select {
	case s.messages <- inbound:
		slog.Debug("WhatsAppService inbound message forwarded", "from", from, "messageID", inbound.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", from)
	}
}

func (s *WhatsAppService) downloadAudioToFile(ctx context.Context, evt *events.Message) (string, error) {
	data, err := s.waClient.DownloadAudio(ctx, evt.Message.AudioMessage)
	if err != nil {
		return "", err
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("zapflow-audio-%s.ogg", evt.Info.ID))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write audio temp file: %w", err)
	}
	return path, nil
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

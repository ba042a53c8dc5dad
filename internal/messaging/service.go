// Package messaging defines the outbound/inbound message transport abstraction.
package messaging

import (
	"context"

	"github.com/zapflowhq/zapflow/internal/models"
)

// MediaKind values accepted by SendMedia.
const (
	MediaKindImage    = "image"
	MediaKindAudio    = "audio"
	MediaKindVideo    = "video"
	MediaKindDocument = "document"
)

// Service is a pluggable message transport. It sends text and media to
// recipients and surfaces inbound messages on a channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each transport applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message to a recipient.
	SendText(ctx context.Context, to string, body string) error

	// SendMedia sends a media message (by URL) with an optional caption.
	SendMedia(ctx context.Context, to string, url string, kind string, caption string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of inbound messages from contacts.
	Messages() <-chan models.InboundMessage
}

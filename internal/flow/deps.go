package flow

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
	"github.com/zapflowhq/zapflow/internal/payment"
	"github.com/zapflowhq/zapflow/internal/store"
)

// Defaults for engine behavior.
const (
	// DefaultHandoffTTL is how long a human handoff suppresses the engine.
	DefaultHandoffTTL = 24 * time.Hour
	// DefaultMaxInTurnDelay is the longest delay waited inside a turn;
	// longer delays persist a durable resume job instead.
	DefaultMaxInTurnDelay = 30 * time.Second
	// DefaultAPITimeout bounds api node HTTP calls.
	DefaultAPITimeout = 30 * time.Second
)

// Messenger sends outbound messages to a conversation's contact.
type Messenger interface {
	SendText(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, url string, kind string, caption string) error
}

// TextGenerator produces generated replies and audio transcripts.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, input string) (string, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// PixCharger creates PIX payment charges.
type PixCharger interface {
	CreatePixCharge(ctx context.Context, amount float64, description, reference string) (*payment.Charge, error)
}

// RowAppender appends rows to an external spreadsheet.
type RowAppender interface {
	AppendRow(ctx context.Context, sheetRef string, row map[string]string) error
}

// Querier runs templated queries for database nodes.
type Querier interface {
	Query(ctx context.Context, connRef, table, op string, values, filter map[string]string) (map[string]any, error)
}

// Deps carries everything handlers and the engine need. Adapters left nil
// cause the nodes that need them to fail as handler failures (error handle or
// silent stop), never as panics.
type Deps struct {
	Store store.Store
	Dedup store.DedupRepo
	Jobs  store.JobRepo

	Messenger Messenger
	GenAI     TextGenerator
	Payment   PixCharger
	Sheets    RowAppender
	Query     Querier

	HTTPClient *http.Client

	// Now and CoinFlip are injectable for tests.
	Now      func() time.Time
	CoinFlip func() int // returns 0 or 1

	HandoffTTL     time.Duration
	MaxInTurnDelay time.Duration
}

// withDefaults fills zero-valued fields.
func (d *Deps) withDefaults() {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: DefaultAPITimeout}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.CoinFlip == nil {
		d.CoinFlip = func() int { return rand.IntN(2) }
	}
	if d.HandoffTTL == 0 {
		d.HandoffTTL = DefaultHandoffTTL
	}
	if d.MaxInTurnDelay == 0 {
		d.MaxInTurnDelay = DefaultMaxInTurnDelay
	}
}

// Turn is the in-memory context of one engine invocation: one inbound event
// against one conversation. Inbound is nil for payment and delayed resumes.
type Turn struct {
	Graph     *Graph
	State     *models.ConversationState
	Contact   *models.Contact
	Scope     *Scope
	Inbound   *models.InboundMessage
	Recipient string
}

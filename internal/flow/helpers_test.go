package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
	"github.com/zapflowhq/zapflow/internal/payment"
	"github.com/zapflowhq/zapflow/internal/store"
)

// mockMessenger records outbound sends and can be told to fail.
type mockMessenger struct {
	mu       sync.Mutex
	texts    []sentText
	media    []sentMedia
	failSend bool
}

type sentText struct {
	to   string
	body string
}

type sentMedia struct {
	to      string
	url     string
	kind    string
	caption string
}

func (m *mockMessenger) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return fmt.Errorf("send failed")
	}
	m.texts = append(m.texts, sentText{to: to, body: body})
	return nil
}

func (m *mockMessenger) SendMedia(ctx context.Context, to, url, kind, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return fmt.Errorf("send failed")
	}
	m.media = append(m.media, sentMedia{to: to, url: url, kind: kind, caption: caption})
	return nil
}

func (m *mockMessenger) sentTexts() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.texts...)
}

// mockGenAI returns canned replies.
type mockGenAI struct {
	reply      string
	transcript string
	err        error
}

func (m *mockGenAI) Generate(ctx context.Context, systemPrompt, input string) (string, error) {
	return m.reply, m.err
}

func (m *mockGenAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return m.transcript, m.err
}

// mockPayment returns a canned charge and records the references it was given.
type mockPayment struct {
	charge payment.Charge
	err    error
	calls  int
	refs   []string
}

func (m *mockPayment) CreatePixCharge(ctx context.Context, amount float64, description, reference string) (*payment.Charge, error) {
	m.calls++
	m.refs = append(m.refs, reference)
	if m.err != nil {
		return nil, m.err
	}
	c := m.charge
	return &c, nil
}

// mockSheets records appended rows.
type mockSheets struct {
	rows []map[string]string
	err  error
}

func (m *mockSheets) AppendRow(ctx context.Context, sheetRef string, row map[string]string) error {
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, row)
	return nil
}

// mockQuerier returns a canned row.
type mockQuerier struct {
	row map[string]any
	err error
}

func (m *mockQuerier) Query(ctx context.Context, connRef, table, op string, values, filter map[string]string) (map[string]any, error) {
	return m.row, m.err
}

// testDeps builds a Deps over an in-memory store with mock adapters and a
// controllable clock.
func testDeps(st *store.InMemoryStore, msg *mockMessenger, now time.Time) Deps {
	clock := now
	return Deps{
		Store:     st,
		Dedup:     st,
		Jobs:      st,
		Messenger: msg,
		Now:       func() time.Time { return clock },
	}
}

// startNode builds a start node with an any_message trigger.
func startNode(id string, cooldownMinutes int) models.Node {
	return models.Node{
		ID:   id,
		Kind: models.NodeKindStart,
		Config: &models.StartConfig{
			TriggerType:     models.TriggerAnyMessage,
			CooldownMinutes: cooldownMinutes,
		},
	}
}

// keywordStartNode builds a start node with a keyword trigger.
func keywordStartNode(id, keywords, operator string) models.Node {
	return models.Node{
		ID:   id,
		Kind: models.NodeKindStart,
		Config: &models.StartConfig{
			TriggerType: models.TriggerKeyword,
			Keywords:    keywords,
			Operator:    operator,
		},
	}
}

// messageNode builds a message node sending the given text.
func messageNode(id, text string) models.Node {
	return models.Node{
		ID:     id,
		Kind:   models.NodeKindMessage,
		Config: &models.MessageConfig{Text: text},
	}
}

// edge builds an edge; handle "" is the default continuation.
func edge(source, handle, target string) models.Edge {
	return models.Edge{
		ID:           source + "->" + target,
		SourceNodeID: source,
		SourceHandle: handle,
		TargetNodeID: target,
	}
}

// inbound builds an inbound message for a conversation.
func inbound(conversationID, messageID, text string) models.InboundMessage {
	return models.InboundMessage{
		MessageID:      messageID,
		ConversationID: conversationID,
		ChannelID:      "channel-1",
		From:           "5511999990000",
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zapflowhq/zapflow/internal/flow"
	"github.com/zapflowhq/zapflow/internal/models"
	"github.com/zapflowhq/zapflow/internal/store"
)

// recordingMessenger captures outbound sends for assertions.
type recordingMessenger struct {
	mu    sync.Mutex
	texts []string
}

func (m *recordingMessenger) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, body)
	return nil
}

func (m *recordingMessenger) SendMedia(ctx context.Context, to, url, kind, caption string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *recordingMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	messenger := &recordingMessenger{}
	engine := flow.NewEngine(flow.Deps{
		Store:     st,
		Dedup:     st,
		Jobs:      st,
		Messenger: messenger,
	})
	return NewServer(engine, st), st, messenger
}

func validFlowJSON() string {
	return `{
		"id": "f1",
		"channel_id": "channel-1",
		"name": "welcome",
		"active": true,
		"nodes": [
			{"id": "start", "kind": "start", "config": {"triggerType": "any_message"}},
			{"id": "m1", "kind": "message", "config": {"text": "hello {{name}}"}}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "m1"}
		]
	}`
}

func TestHealthHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", rec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("Response status = %q, want ok", resp.Status)
	}
}

func TestFlowsHandlerUpsert(t *testing.T) {
	srv, st, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/flows", strings.NewReader(validFlowJSON()))
	rec := httptest.NewRecorder()
	srv.flowsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	saved, err := st.GetFlow("f1")
	if err != nil || saved == nil {
		t.Fatalf("Flow not saved: %v", err)
	}
	if saved.Name != "welcome" || !saved.Active {
		t.Errorf("Saved flow = %+v, want welcome/active", saved)
	}
	if _, ok := saved.Nodes[1].Config.(*models.MessageConfig); !ok {
		t.Errorf("Node config not decoded into typed variant: %T", saved.Nodes[1].Config)
	}
}

func TestFlowsHandlerRejectsInvalidFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Two start nodes violate the single-start invariant.
	body := `{
		"id": "bad",
		"channel_id": "channel-1",
		"nodes": [
			{"id": "s1", "kind": "start", "config": {"triggerType": "any_message"}},
			{"id": "s2", "kind": "start", "config": {"triggerType": "any_message"}}
		],
		"edges": []
	}`
	req := httptest.NewRequest(http.MethodPost, "/flows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.flowsHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rec.Code)
	}
}

func TestFlowsHandlerRejectsUnknownNodeKind(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{
		"id": "bad",
		"channel_id": "channel-1",
		"nodes": [{"id": "x", "kind": "teleport", "config": {}}],
		"edges": []
	}`
	req := httptest.NewRequest(http.MethodPost, "/flows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.flowsHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rec.Code)
	}
}

func TestMessageWebhookRunsFlow(t *testing.T) {
	srv, st, messenger := newTestServer(t)

	upsert := httptest.NewRequest(http.MethodPost, "/flows", strings.NewReader(validFlowJSON()))
	srv.flowsHandler(httptest.NewRecorder(), upsert)

	body := `{"message_id": "m1", "conversation_id": "c1", "channel_id": "channel-1", "from": "5511999990000", "text": "oi"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/message", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.messageWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if len(messenger.texts) != 1 {
		t.Fatalf("Sent %d messages, want 1", len(messenger.texts))
	}
	state, _ := st.GetConversation("c1")
	if state == nil || state.CurrentFlowID != "f1" {
		t.Errorf("Conversation state = %+v, want flow f1 recorded", state)
	}
}

func TestMessageWebhookRejectsMissingFields(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/message", strings.NewReader(`{"text": "oi"}`))
	rec := httptest.NewRecorder()
	srv.messageWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rec.Code)
	}
}

func TestPaymentWebhookRequiresReference(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/payment", strings.NewReader(`{"status": "approved"}`))
	rec := httptest.NewRecorder()
	srv.paymentWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rec.Code)
	}
}

func TestConversationHandler(t *testing.T) {
	srv, st, _ := newTestServer(t)

	now := time.Now()
	if err := st.SaveConversation(models.ConversationState{
		ID: "c1", ChannelID: "channel-1", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1", nil)
	rec := httptest.NewRecorder()
	srv.conversationHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/conversations/missing", nil)
	rec = httptest.NewRecorder()
	srv.conversationHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status for missing conversation = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	rec := httptest.NewRecorder()
	srv.flowsHandler(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want 405", rec.Code)
	}
}

package flow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
	"github.com/zapflowhq/zapflow/internal/payment"
	"github.com/zapflowhq/zapflow/internal/store"
)

// greetingFlow is a two-step flow: ask a question, then thank by name.
func greetingFlow() models.Flow {
	return models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Name:      "greeting",
		Active:    true,
		Nodes: []models.Node{
			startNode("start", 0),
			{ID: "q", Kind: models.NodeKindQuestion, Config: &models.QuestionConfig{
				Text: "What's your name?", AnswerVar: "Customer_Name",
			}},
			messageNode("thanks", "thanks {{customer_name}}"),
		},
		Edges: []models.Edge{
			edge("start", "", "q"),
			edge("q", "", "thanks"),
		},
	}
}

func newTestEngine(t *testing.T, flows ...models.Flow) (*Engine, *store.InMemoryStore, *mockMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, f := range flows {
		if err := st.SaveFlow(f); err != nil {
			t.Fatalf("SaveFlow failed: %v", err)
		}
	}
	msg := &mockMessenger{}
	deps := testDeps(st, msg, time.Now())
	return NewEngine(deps), st, msg
}

func TestEngineQuestionPauseAndResume(t *testing.T) {
	engine, st, msg := newTestEngine(t, greetingFlow())
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	texts := msg.sentTexts()
	if len(texts) != 1 || texts[0].body != "What's your name?" {
		t.Fatalf("First turn sent %v, want the question", texts)
	}

	state, _ := st.GetConversation("c1")
	if state == nil || !state.Paused() {
		t.Fatal("Conversation should be paused at the question")
	}

	// The reply is stored verbatim under the normalized key, and the flow
	// resumes at the question's outgoing edge.
	if err := engine.HandleInbound(ctx, inbound("c1", "m2", "  Maria Silva ")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	texts = msg.sentTexts()
	if len(texts) != 2 || texts[1].body != "thanks   Maria Silva " {
		t.Errorf("Resume sent %v, want verbatim answer interpolated", texts)
	}

	state, _ = st.GetConversation("c1")
	if state.Paused() {
		t.Error("Resume pointer should be cleared after completion")
	}
	if got := state.Variables["customer_name"]; got != "  Maria Silva " {
		t.Errorf("Stored answer = %q, want verbatim reply", got)
	}
}

func TestEngineDropsDuplicateMessages(t *testing.T) {
	engine, _, msg := newTestEngine(t, greetingFlow())
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("Duplicate HandleInbound failed: %v", err)
	}
	if got := len(msg.sentTexts()); got != 1 {
		t.Errorf("Sent %d messages for a duplicated inbound id, want 1", got)
	}
}

func TestEngineHandoffGateSuppressesEngine(t *testing.T) {
	handoffFlow := models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Active:    true,
		Nodes: []models.Node{
			startNode("start", 0),
			{ID: "human", Kind: models.NodeKindAgent, Config: &models.AgentConfig{AgentID: "agent-1"}},
		},
		Edges: []models.Edge{
			edge("start", "", "human"),
		},
	}
	engine, st, msg := newTestEngine(t, handoffFlow)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "help")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	state, _ := st.GetConversation("c1")
	if state.AssignedAgentID != "agent-1" {
		t.Fatalf("AssignedAgentID = %q, want agent-1", state.AssignedAgentID)
	}

	// While handoff is active, later messages must not reach the trigger
	// matcher or runner at all.
	if err := engine.HandleInbound(ctx, inbound("c1", "m2", "hello?")); err != nil {
		t.Fatalf("HandleInbound during handoff failed: %v", err)
	}
	if got := len(msg.sentTexts()); got != 0 {
		t.Errorf("Sent %d messages during active handoff, want 0", got)
	}
}

func TestEngineExpiredHandoffClearPersists(t *testing.T) {
	// No flows registered: after the expired handoff is cleared, nothing
	// matches, yet the clear must still be written back.
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	assigned := time.Now().Add(-48 * time.Hour)
	seed := models.ConversationState{
		ID:              "c1",
		ChannelID:       "channel-1",
		ContactID:       "c1",
		AssignedAgentID: "agent-1",
		AssignedAt:      &assigned,
	}
	if err := st.SaveConversation(seed); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	state, _ := st.GetConversation("c1")
	if state.AssignedAgentID != "" || state.AssignedAt != nil {
		t.Errorf("Expired handoff not persisted as cleared: %+v", state)
	}
}

func TestEngineClearsVariablesOnNewFlowStart(t *testing.T) {
	engine, st, _ := newTestEngine(t, greetingFlow())
	ctx := context.Background()

	seed := models.ConversationState{
		ID:        "c1",
		ChannelID: "channel-1",
		ContactID: "c1",
		Variables: map[string]any{"stale": "old"},
	}
	if err := st.SaveConversation(seed); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	state, _ := st.GetConversation("c1")
	if _, ok := state.Variables["stale"]; ok {
		t.Error("Starting a new flow should clear previous variables")
	}
	if state.LastFlowAt == nil {
		t.Error("LastFlowAt should be stamped on flow start")
	}
	if state.CurrentFlowID != "f1" {
		t.Errorf("CurrentFlowID = %q, want f1", state.CurrentFlowID)
	}
}

func TestEngineResumePayment(t *testing.T) {
	paymentFlow := models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Active:    true,
		Nodes: []models.Node{
			startNode("start", 0),
			{ID: "pay", Kind: models.NodeKindPayment, Config: &models.PaymentConfig{
				Amount: 49.90, Description: "Plano mensal",
			}},
			messageNode("pending", "aguardando pagamento"),
			messageNode("ok", "pagamento confirmado"),
			messageNode("fail", "pagamento recusado"),
		},
		Edges: []models.Edge{
			edge("start", "", "pay"),
			edge("pay", models.HandlePending, "pending"),
			edge("pay", models.HandleApproved, "ok"),
			edge("pay", models.HandleError, "fail"),
		},
	}

	st := store.NewInMemoryStore()
	if err := st.SaveFlow(paymentFlow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	msg := &mockMessenger{}
	deps := testDeps(st, msg, time.Now())
	pix := &mockPayment{charge: payment.Charge{Code: "PIX-CODE-123"}}
	deps.Payment = pix
	engine := NewEngine(deps)
	ctx := context.Background()

	// First turn: charge created, code sent, pending branch taken.
	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "comprar")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	texts := msg.sentTexts()
	if len(texts) != 2 || texts[0].body != "PIX-CODE-123" || texts[1].body != "aguardando pagamento" {
		t.Fatalf("First turn sent %v, want PIX code then pending branch", texts)
	}
	if pix.calls != 1 {
		t.Errorf("CreatePixCharge called %d times, want 1", pix.calls)
	}

	// Out-of-band confirmation re-enters at the approved edge.
	if err := engine.ResumePayment(ctx, "c1", models.PaymentApproved); err != nil {
		t.Fatalf("ResumePayment failed: %v", err)
	}
	texts = msg.sentTexts()
	if len(texts) != 3 || texts[2].body != "pagamento confirmado" {
		t.Errorf("After approval sent %v, want confirmation message", texts)
	}

	// A failed outcome routes down the error edge.
	if err := engine.ResumePayment(ctx, "c1", models.PaymentFailed); err != nil {
		t.Fatalf("ResumePayment failed: %v", err)
	}
	texts = msg.sentTexts()
	if len(texts) != 4 || texts[3].body != "pagamento recusado" {
		t.Errorf("After failure sent %v, want refusal message", texts)
	}
}

func TestEngineResumePaymentWithCustomReference(t *testing.T) {
	paymentFlow := models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Active:    true,
		Nodes: []models.Node{
			startNode("start", 0),
			{ID: "pay", Kind: models.NodeKindPayment, Config: &models.PaymentConfig{
				Amount: 10, Reference: "order-42",
			}},
			messageNode("ok", "pagamento confirmado"),
		},
		Edges: []models.Edge{
			edge("start", "", "pay"),
			edge("pay", models.HandleApproved, "ok"),
		},
	}

	st := store.NewInMemoryStore()
	if err := st.SaveFlow(paymentFlow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	msg := &mockMessenger{}
	deps := testDeps(st, msg, time.Now())
	pix := &mockPayment{charge: payment.Charge{Code: "PIX-CODE-456"}}
	deps.Payment = pix
	engine := NewEngine(deps)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "comprar")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}

	// The gateway reference must stay the conversation id even when the node
	// carries a custom reference, so the echoed callback routes back here.
	if len(pix.refs) != 1 || pix.refs[0] != "c1" {
		t.Fatalf("Charge references = %v, want [c1]", pix.refs)
	}
	state, _ := st.GetConversation("c1")
	if got := state.Variables["payment_reference"]; got != "order-42" {
		t.Errorf("payment_reference = %v, want order-42", got)
	}

	// The callback arrives with the echoed reference; the approved edge runs.
	if err := engine.ResumePayment(ctx, pix.refs[0], models.PaymentApproved); err != nil {
		t.Fatalf("ResumePayment failed: %v", err)
	}
	texts := msg.sentTexts()
	if len(texts) != 2 || texts[1].body != "pagamento confirmado" {
		t.Errorf("After approval sent %v, want confirmation message", texts)
	}
}

func TestEngineDelayedResumeContinuesFlow(t *testing.T) {
	delayFlow := models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Active:    true,
		Nodes: []models.Node{
			startNode("start", 0),
			{ID: "wait", Kind: models.NodeKindDelay, Config: &models.DelayConfig{Seconds: 3600}},
			messageNode("after", "welcome back"),
		},
		Edges: []models.Edge{
			edge("start", "", "wait"),
			edge("wait", "", "after"),
		},
	}
	engine, st, msg := newTestEngine(t, delayFlow)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if got := len(msg.sentTexts()); got != 0 {
		t.Fatalf("Sent %d messages before the delay elapsed, want 0", got)
	}

	jobs, err := st.ClaimDueJobs(time.Now().Add(2*time.Hour), 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs = %v, %v; want one job", jobs, err)
	}

	if err := engine.HandleDelayedResume(ctx, jobs[0].PayloadJSON); err != nil {
		t.Fatalf("HandleDelayedResume failed: %v", err)
	}
	texts := msg.sentTexts()
	if len(texts) != 1 || texts[0].body != "welcome back" {
		t.Errorf("Delayed resume sent %v, want the follow-up message", texts)
	}
}

func TestEngineDelayedResumeSupersededByNewFlow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	payload, _ := json.Marshal(delayResumePayload{
		ConversationID: "ghost", FlowID: "f-old", NodeID: "wait",
	})
	// Unknown conversation: the continuation is silently dropped.
	if err := engine.HandleDelayedResume(ctx, string(payload)); err != nil {
		t.Errorf("Superseded delayed resume should be a no-op, got: %v", err)
	}
}

func TestEngineNoMatchingFlowIsANoOp(t *testing.T) {
	keywordFlow := models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Active:    true,
		Nodes: []models.Node{
			keywordStartNode("start", "menu", models.OperatorEquals),
			messageNode("m", "the menu"),
		},
		Edges: []models.Edge{
			edge("start", "", "m"),
		},
	}
	engine, st, msg := newTestEngine(t, keywordFlow)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "nothing relevant")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if got := len(msg.sentTexts()); got != 0 {
		t.Errorf("Sent %d messages without a trigger match, want 0", got)
	}
	state, _ := st.GetConversation("c1")
	if state != nil && state.CurrentFlowID != "" {
		t.Errorf("CurrentFlowID = %q, want empty (no flow started)", state.CurrentFlowID)
	}
}

func TestEngineTagNodeUpdatesContact(t *testing.T) {
	tagFlow := models.Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Active:    true,
		Nodes: []models.Node{
			startNode("start", 0),
			{ID: "tag", Kind: models.NodeKindTag, Config: &models.TagConfig{Action: "add", Tag: "lead"}},
		},
		Edges: []models.Edge{
			edge("start", "", "tag"),
		},
	}
	engine, st, _ := newTestEngine(t, tagFlow)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, inbound("c1", "m1", "oi")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	contact, _ := st.GetContact("c1")
	if contact == nil || len(contact.Tags) != 1 || contact.Tags[0] != "lead" {
		t.Errorf("Contact tags = %v, want [lead]", contact)
	}
}

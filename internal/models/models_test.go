package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFlowValidateSingleStart(t *testing.T) {
	f := Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Nodes: []Node{
			{ID: "start", Kind: NodeKindStart, Config: &StartConfig{TriggerType: TriggerAnyMessage}},
			{ID: "m1", Kind: NodeKindMessage, Config: &MessageConfig{Text: "oi"}},
		},
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Valid flow rejected: %v", err)
	}
}

func TestFlowValidateMissingStart(t *testing.T) {
	f := Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Nodes: []Node{
			{ID: "m1", Kind: NodeKindMessage, Config: &MessageConfig{Text: "oi"}},
		},
	}
	if err := f.Validate(); !errors.Is(err, ErrMissingStart) {
		t.Errorf("Expected ErrMissingStart, got %v", err)
	}
}

func TestFlowValidateMultipleStarts(t *testing.T) {
	f := Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Nodes: []Node{
			{ID: "s1", Kind: NodeKindStart, Config: &StartConfig{TriggerType: TriggerAnyMessage}},
			{ID: "s2", Kind: NodeKindStart, Config: &StartConfig{TriggerType: TriggerAnyMessage}},
		},
	}
	if err := f.Validate(); !errors.Is(err, ErrMultipleStarts) {
		t.Errorf("Expected ErrMultipleStarts, got %v", err)
	}
}

func TestFlowValidateUnknownKind(t *testing.T) {
	f := Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Nodes: []Node{
			{ID: "s1", Kind: NodeKindStart, Config: &StartConfig{TriggerType: TriggerAnyMessage}},
			{ID: "x", Kind: NodeKind("teleport")},
		},
	}
	if err := f.Validate(); !errors.Is(err, ErrInvalidNodeKind) {
		t.Errorf("Expected ErrInvalidNodeKind, got %v", err)
	}
}

func TestFlowValidateInvalidNodeConfig(t *testing.T) {
	f := Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Nodes: []Node{
			{ID: "s1", Kind: NodeKindStart, Config: &StartConfig{TriggerType: TriggerKeyword}}, // no keywords
		},
	}
	if err := f.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestDecodeNodeConfigUnion(t *testing.T) {
	cases := []struct {
		kind NodeKind
		raw  string
		want any
	}{
		{NodeKindStart, `{"triggerType":"keyword","keywords":"oi,menu"}`, &StartConfig{}},
		{NodeKindMessage, `{"text":"oi"}`, &MessageConfig{}},
		{NodeKindQuestion, `{"text":"nome?","answerVar":"name"}`, &QuestionConfig{}},
		{NodeKindCondition, `{"variable":"plan","value":"vip"}`, &ConditionConfig{}},
		{NodeKindSwitch, `{"variable":"area","cases":["vendas"]}`, &SwitchConfig{}},
		{NodeKindDelay, `{"seconds":5}`, &DelayConfig{}},
		{NodeKindAPI, `{"url":"https://example.com"}`, &APIConfig{}},
		{NodeKindDatabase, `{"table":"orders","operation":"select"}`, &DatabaseConfig{}},
		{NodeKindCode, `{"expression":"1 + 1"}`, &CodeConfig{}},
		{NodeKindAI, `{"input":"{{last_message}}","outputVar":"reply"}`, &AIConfig{}},
		{NodeKindTag, `{"action":"add","tag":"vip"}`, &TagConfig{}},
		{NodeKindNotification, `{"operator":"5511888880000","text":"novo lead"}`, &NotificationConfig{}},
		{NodeKindSchedule, `{"week":{"mon":{"open":"09:00","close":"18:00"}}}`, &ScheduleConfig{}},
		{NodeKindPayment, `{"amount":49.9}`, &PaymentConfig{}},
		{NodeKindTranscription, `{"outputVar":"transcript"}`, &TranscriptionConfig{}},
		{NodeKindSheets, `{"sheetRef":"leads","columns":["name"]}`, &SheetsConfig{}},
		{NodeKindAgent, `{"agentId":"ana"}`, &AgentConfig{}},
	}
	for _, c := range cases {
		cfg, err := DecodeNodeConfig(c.kind, json.RawMessage(c.raw))
		if err != nil {
			t.Errorf("DecodeNodeConfig(%s) failed: %v", c.kind, err)
			continue
		}
		if cfg == nil {
			t.Errorf("DecodeNodeConfig(%s) returned nil config", c.kind)
		}
	}
}

func TestDecodeNodeConfigKindsWithoutConfig(t *testing.T) {
	for _, kind := range []NodeKind{NodeKindRandom, NodeKindEnd} {
		cfg, err := DecodeNodeConfig(kind, nil)
		if err != nil {
			t.Errorf("DecodeNodeConfig(%s) failed: %v", kind, err)
		}
		if cfg != nil {
			t.Errorf("DecodeNodeConfig(%s) = %T, want nil", kind, cfg)
		}
	}
}

func TestDecodeNodeConfigUnknownKind(t *testing.T) {
	if _, err := DecodeNodeConfig(NodeKind("teleport"), nil); !errors.Is(err, ErrInvalidNodeKind) {
		t.Errorf("Expected ErrInvalidNodeKind, got %v", err)
	}
}

func TestNodeUnmarshalJSONResolvesUnion(t *testing.T) {
	data := `{"id":"q1","kind":"question","config":{"text":"nome?","answerVar":"customer_name"}}`
	var n Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	cfg, ok := n.Config.(*QuestionConfig)
	if !ok {
		t.Fatalf("Config = %T, want *QuestionConfig", n.Config)
	}
	if cfg.AnswerVar != "customer_name" {
		t.Errorf("AnswerVar = %q", cfg.AnswerVar)
	}
}

func TestNodeUnmarshalJSONRejectsUnknownKind(t *testing.T) {
	data := `{"id":"x","kind":"teleport","config":{}}`
	var n Node
	if err := json.Unmarshal([]byte(data), &n); err == nil {
		t.Error("Expected error for unknown node kind")
	}
}

func TestFlowJSONRoundTrip(t *testing.T) {
	original := Flow{
		ID:        "f1",
		ChannelID: "channel-1",
		Name:      "welcome",
		Active:    true,
		Nodes: []Node{
			{ID: "start", Kind: NodeKindStart, Config: &StartConfig{TriggerType: TriggerKeyword, Keywords: "oi"}},
			{ID: "p1", Kind: NodeKindPayment, Config: &PaymentConfig{Amount: 49.9, Description: "plano"}},
		},
		Edges: []Edge{{ID: "e1", SourceNodeID: "start", TargetNodeID: "p1"}},
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Flow
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	payCfg, ok := decoded.Nodes[1].Config.(*PaymentConfig)
	if !ok {
		t.Fatalf("Payment config = %T, want *PaymentConfig", decoded.Nodes[1].Config)
	}
	if payCfg.Amount != 49.9 {
		t.Errorf("Amount = %v, want 49.9", payCfg.Amount)
	}
}

func TestScheduleConfigRejectsUnknownWeekday(t *testing.T) {
	cfg := &ScheduleConfig{Week: map[string]ScheduleWindow{"monday": {Open: "09:00", Close: "18:00"}}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for weekday 'monday', got %v", err)
	}
}

func TestConversationStatePaused(t *testing.T) {
	state := ConversationState{}
	if state.Paused() {
		t.Error("Empty state should not be paused")
	}
	state.CurrentFlowID = "f1"
	state.CurrentNodeID = "q1"
	if !state.Paused() {
		t.Error("State with resume pointer should be paused")
	}
	state.ClearResume()
	if state.Paused() {
		t.Error("ClearResume should drop the pause")
	}
	if state.CurrentFlowID != "f1" {
		t.Error("ClearResume should keep the flow reference")
	}
}

func TestHandoffActive(t *testing.T) {
	now := time.Now()
	assigned := now.Add(-2 * time.Hour)
	state := ConversationState{AssignedAgentID: "ana", AssignedAt: &assigned}

	if !state.HandoffActive(now, 24*time.Hour) {
		t.Error("Recent handoff should be active")
	}
	if state.HandoffActive(now, time.Hour) {
		t.Error("Expired handoff should be inactive")
	}
	if !state.HandoffActive(now, 0) {
		t.Error("Zero ttl means handoffs never expire")
	}

	state.AssignedAgentID = ""
	if state.HandoffActive(now, 24*time.Hour) {
		t.Error("Unassigned conversation should not be in handoff")
	}
}

func TestInboundMessageHasAudio(t *testing.T) {
	msg := InboundMessage{MediaURL: "https://cdn.example.com/a.ogg", MediaKind: "audio"}
	if !msg.HasAudio() {
		t.Error("Audio attachment not detected")
	}
	msg.MediaKind = "image"
	if msg.HasAudio() {
		t.Error("Image attachment misreported as audio")
	}
}

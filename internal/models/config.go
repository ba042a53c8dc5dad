// Package models: per-kind node configuration variants.
//
// Node configs form a tagged union keyed by NodeKind. Each variant carries
// only the fields its handler reads, and is decoded and validated when the
// flow is loaded, not when the node runs.
package models

import (
	"encoding/json"
	"fmt"
)

// NodeConfig is the interface implemented by every kind-specific config
// variant. Validate reports malformed configuration at flow load time.
type NodeConfig interface {
	Validate() error
}

// StartConfig configures the flow trigger carried by the start node.
type StartConfig struct {
	TriggerType     TriggerType `json:"triggerType"`
	Keywords        string      `json:"keywords,omitempty"`  // comma-separated, for keyword triggers
	Operator        string      `json:"operator,omitempty"`  // equals or contains (default contains)
	CooldownMinutes int         `json:"cooldownMinutes,omitempty"` // any_message restart cooldown
}

func (c *StartConfig) Validate() error {
	switch c.TriggerType {
	case TriggerAnyMessage:
		if c.CooldownMinutes < 0 {
			return fmt.Errorf("%w: negative cooldownMinutes", ErrInvalidConfig)
		}
	case TriggerKeyword:
		if c.Keywords == "" {
			return fmt.Errorf("%w: keyword trigger without keywords", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown triggerType %q", ErrInvalidConfig, c.TriggerType)
	}
	if c.Operator != "" && c.Operator != OperatorEquals && c.Operator != OperatorContains {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidConfig, c.Operator)
	}
	return nil
}

// MessageConfig configures an outbound message node. MediaURL is optional;
// when set, the message is sent through the media path with Text as caption.
type MessageConfig struct {
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"` // image, audio, video, document
}

func (c *MessageConfig) Validate() error {
	if c.Text == "" && c.MediaURL == "" {
		return fmt.Errorf("%w: message node without text or media", ErrInvalidConfig)
	}
	return nil
}

// QuestionConfig configures a question node: send Text, pause, and store the
// next inbound reply under AnswerVar.
type QuestionConfig struct {
	Text      string `json:"text"`
	AnswerVar string `json:"answerVar"`
}

func (c *QuestionConfig) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("%w: question node without text", ErrInvalidConfig)
	}
	if c.AnswerVar == "" {
		return fmt.Errorf("%w: question node without answerVar", ErrInvalidConfig)
	}
	return nil
}

// ConditionConfig evaluates one variable against one operator and routes to
// the yes or no handle.
type ConditionConfig struct {
	Variable string `json:"variable"`
	Operator string `json:"operator,omitempty"` // equals or contains (default contains)
	Value    string `json:"value"`
}

func (c *ConditionConfig) Validate() error {
	if c.Variable == "" {
		return fmt.Errorf("%w: condition node without variable", ErrInvalidConfig)
	}
	if c.Operator != "" && c.Operator != OperatorEquals && c.Operator != OperatorContains {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidConfig, c.Operator)
	}
	return nil
}

// SwitchConfig compares one variable against an ordered case list; the first
// match wins and routes to case-<index>, otherwise to default.
type SwitchConfig struct {
	Variable string   `json:"variable"`
	Cases    []string `json:"cases"`
}

func (c *SwitchConfig) Validate() error {
	if c.Variable == "" {
		return fmt.Errorf("%w: switch node without variable", ErrInvalidConfig)
	}
	if len(c.Cases) == 0 {
		return fmt.Errorf("%w: switch node without cases", ErrInvalidConfig)
	}
	return nil
}

// DelayConfig suspends the node's continuation for Seconds.
type DelayConfig struct {
	Seconds int `json:"seconds"`
}

func (c *DelayConfig) Validate() error {
	if c.Seconds < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	return nil
}

// APIConfig configures an HTTP call node. URL, header values, and body are
// interpolated against the conversation scope before the request.
type APIConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // default GET
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (c *APIConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: api node without url", ErrInvalidConfig)
	}
	return nil
}

// DatabaseConfig configures a templated query node. Connection names an
// entry in the host's connection registry; empty means the local store
// connection. Values serves as the filter for select, the row for insert,
// and the new column values for update (with Filter selecting rows).
type DatabaseConfig struct {
	Connection string            `json:"connection,omitempty"`
	Table      string            `json:"table"`
	Operation  string            `json:"operation"` // select, insert, update
	Values     map[string]string `json:"values,omitempty"`
	Filter     map[string]string `json:"filter,omitempty"`
}

func (c *DatabaseConfig) Validate() error {
	if c.Table == "" {
		return fmt.Errorf("%w: database node without table", ErrInvalidConfig)
	}
	switch c.Operation {
	case "select", "insert", "update":
		return nil
	default:
		return fmt.Errorf("%w: unknown database operation %q", ErrInvalidConfig, c.Operation)
	}
}

// CodeConfig holds a sandboxed expression evaluated with the conversation
// variables injected as `vars`. The expression has no I/O access.
type CodeConfig struct {
	Expression string `json:"expression"`
}

func (c *CodeConfig) Validate() error {
	if c.Expression == "" {
		return fmt.Errorf("%w: code node without expression", ErrInvalidConfig)
	}
	return nil
}

// AIConfig configures a generative-text node.
type AIConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Input        string `json:"input"`
	OutputVar    string `json:"outputVar"`
}

func (c *AIConfig) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("%w: ai node without input", ErrInvalidConfig)
	}
	if c.OutputVar == "" {
		return fmt.Errorf("%w: ai node without outputVar", ErrInvalidConfig)
	}
	return nil
}

// TagConfig adds or removes a label on the contact's tag set.
type TagConfig struct {
	Action string `json:"action"` // add or remove
	Tag    string `json:"tag"`
}

func (c *TagConfig) Validate() error {
	if c.Tag == "" {
		return fmt.Errorf("%w: tag node without tag", ErrInvalidConfig)
	}
	if c.Action != "add" && c.Action != "remove" {
		return fmt.Errorf("%w: unknown tag action %q", ErrInvalidConfig, c.Action)
	}
	return nil
}

// NotificationConfig sends a fixed message to an operator's number.
type NotificationConfig struct {
	Operator string `json:"operator"`
	Text     string `json:"text"`
}

func (c *NotificationConfig) Validate() error {
	if c.Operator == "" {
		return fmt.Errorf("%w: notification node without operator", ErrInvalidConfig)
	}
	if c.Text == "" {
		return fmt.Errorf("%w: notification node without text", ErrInvalidConfig)
	}
	return nil
}

// ScheduleWindow is one weekday's opening window in HH:MM local time.
type ScheduleWindow struct {
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// ScheduleConfig routes open/closed by comparing the current local time and
// weekday against a weekly table. Days are keyed mon..sun.
type ScheduleConfig struct {
	Timezone string                    `json:"timezone,omitempty"`
	Week     map[string]ScheduleWindow `json:"week"`
}

func (c *ScheduleConfig) Validate() error {
	if len(c.Week) == 0 {
		return fmt.Errorf("%w: schedule node without weekly table", ErrInvalidConfig)
	}
	for day := range c.Week {
		switch day {
		case "mon", "tue", "wed", "thu", "fri", "sat", "sun":
		default:
			return fmt.Errorf("%w: unknown weekday %q", ErrInvalidConfig, day)
		}
	}
	return nil
}

// PaymentConfig creates a PIX charge and sends the payment code to the user.
// Reference is a merchant-side label stored in the conversation variables as
// payment_reference; the charge itself is always referenced by conversation id
// so the confirmation callback routes back to the right conversation.
type PaymentConfig struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
	Reference   string  `json:"reference,omitempty"`
}

func (c *PaymentConfig) Validate() error {
	if c.Amount <= 0 {
		return fmt.Errorf("%w: payment node with non-positive amount", ErrInvalidConfig)
	}
	return nil
}

// TranscriptionConfig stores the transcript of the most recent inbound audio
// message under OutputVar.
type TranscriptionConfig struct {
	OutputVar string `json:"outputVar"`
}

func (c *TranscriptionConfig) Validate() error {
	if c.OutputVar == "" {
		return fmt.Errorf("%w: transcription node without outputVar", ErrInvalidConfig)
	}
	return nil
}

// SheetsConfig appends one interpolated row to an external spreadsheet.
type SheetsConfig struct {
	SheetRef string   `json:"sheetRef"`
	Columns  []string `json:"columns"`
}

func (c *SheetsConfig) Validate() error {
	if c.SheetRef == "" {
		return fmt.Errorf("%w: sheets node without sheetRef", ErrInvalidConfig)
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("%w: sheets node without columns", ErrInvalidConfig)
	}
	return nil
}

// AgentConfig hands the conversation to a human operator.
type AgentConfig struct {
	AgentID string `json:"agentId,omitempty"`
}

func (c *AgentConfig) Validate() error { return nil }

// DecodeNodeConfig decodes raw JSON config into the typed variant for the
// given kind. Kinds without configuration (random, end) return nil.
func DecodeNodeConfig(kind NodeKind, raw json.RawMessage) (NodeConfig, error) {
	var cfg NodeConfig
	switch kind {
	case NodeKindStart:
		cfg = &StartConfig{}
	case NodeKindMessage:
		cfg = &MessageConfig{}
	case NodeKindQuestion:
		cfg = &QuestionConfig{}
	case NodeKindCondition:
		cfg = &ConditionConfig{}
	case NodeKindSwitch:
		cfg = &SwitchConfig{}
	case NodeKindDelay:
		cfg = &DelayConfig{}
	case NodeKindAPI:
		cfg = &APIConfig{}
	case NodeKindDatabase:
		cfg = &DatabaseConfig{}
	case NodeKindCode:
		cfg = &CodeConfig{}
	case NodeKindAI:
		cfg = &AIConfig{}
	case NodeKindTag:
		cfg = &TagConfig{}
	case NodeKindNotification:
		cfg = &NotificationConfig{}
	case NodeKindSchedule:
		cfg = &ScheduleConfig{}
	case NodeKindPayment:
		cfg = &PaymentConfig{}
	case NodeKindTranscription:
		cfg = &TranscriptionConfig{}
	case NodeKindSheets:
		cfg = &SheetsConfig{}
	case NodeKindAgent:
		cfg = &AgentConfig{}
	case NodeKindRandom, NodeKindEnd:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidNodeKind, kind)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode %s config: %v", ErrInvalidConfig, kind, err)
	}
	return cfg, nil
}

// UnmarshalJSON decodes a node, resolving the config union by kind.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string          `json:"id"`
		Kind   NodeKind        `json:"kind"`
		Config json.RawMessage `json:"config,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeNodeConfig(raw.Kind, raw.Config)
	if err != nil {
		return err
	}
	n.ID = raw.ID
	n.Kind = raw.Kind
	n.Config = cfg
	return nil
}

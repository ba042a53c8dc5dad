// Package models defines conversation state structures for ZapFlow.
package models

import "time"

// ConversationState is the persisted per-conversation engine state. It is
// mutated only by the runner and trigger matcher and destroyed only with the
// conversation itself.
type ConversationState struct {
	ID              string         `json:"id"`
	ChannelID       string         `json:"channel_id"`
	ContactID       string         `json:"contact_id,omitempty"`
	CurrentFlowID   string         `json:"current_flow_id,omitempty"`
	CurrentNodeID   string         `json:"current_node_id,omitempty"` // resume pointer: set while paused at a question
	Variables       map[string]any `json:"variables,omitempty"`
	LastFlowAt      *time.Time     `json:"last_flow_at,omitempty"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Paused reports whether the conversation holds a resume pointer.
func (s *ConversationState) Paused() bool {
	return s.CurrentFlowID != "" && s.CurrentNodeID != ""
}

// ClearResume drops the resume pointer, keeping the flow reference.
func (s *ConversationState) ClearResume() {
	s.CurrentNodeID = ""
}

// HandoffActive reports whether a human handoff is in effect, given the
// configured expiry. A zero ttl means handoffs never expire.
func (s *ConversationState) HandoffActive(now time.Time, ttl time.Duration) bool {
	if s.AssignedAgentID == "" || s.AssignedAt == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(*s.AssignedAt) < ttl
}

// Contact holds the read-only attributes of the person behind a conversation,
// plus the mutable tag set managed by tag nodes.
type Contact struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attributes returns the contact fields available to template interpolation.
func (c *Contact) Attributes() map[string]string {
	if c == nil {
		return nil
	}
	return map[string]string{
		"name":  c.Name,
		"phone": c.Phone,
	}
}

// InboundMessage is the envelope handed to the engine by the transport layer.
// MessageID is the transport-provided unique id used for deduplication.
type InboundMessage struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ChannelID      string    `json:"channel_id"`
	From           string    `json:"from"`
	Text           string    `json:"text,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	MediaKind      string    `json:"media_kind,omitempty"` // audio, image, video, document
	ReceivedAt     time.Time `json:"received_at"`
}

// HasAudio reports whether the message carries an audio attachment.
func (m *InboundMessage) HasAudio() bool {
	return m.MediaURL != "" && m.MediaKind == "audio"
}

// PaymentOutcome is the result reported by the out-of-band payment callback.
type PaymentOutcome string

const (
	PaymentApproved PaymentOutcome = "approved"
	PaymentFailed   PaymentOutcome = "error"
)

// Package models defines the core data structures for ZapFlow.
//
// It includes the flow graph (nodes, edges, per-kind configs), conversation
// state, and the inbound message envelope shared across modules.
package models

import (
	"errors"
	"fmt"
)

// NodeKind identifies the behavior of a flow node. The catalog is closed:
// flows may only use the kinds listed here.
type NodeKind string

const (
	NodeKindStart         NodeKind = "start"
	NodeKindMessage       NodeKind = "message"
	NodeKindQuestion      NodeKind = "question"
	NodeKindCondition     NodeKind = "condition"
	NodeKindSwitch        NodeKind = "switch"
	NodeKindDelay         NodeKind = "delay"
	NodeKindAPI           NodeKind = "api"
	NodeKindDatabase      NodeKind = "database"
	NodeKindCode          NodeKind = "code"
	NodeKindAI            NodeKind = "ai"
	NodeKindTag           NodeKind = "tag"
	NodeKindNotification  NodeKind = "notification"
	NodeKindSchedule      NodeKind = "schedule"
	NodeKindRandom        NodeKind = "random"
	NodeKindPayment       NodeKind = "mercadopago"
	NodeKindTranscription NodeKind = "audio_transcription"
	NodeKindSheets        NodeKind = "sheets"
	NodeKindAgent         NodeKind = "agent"
	NodeKindEnd           NodeKind = "end"
)

// IsValidNodeKind reports whether the given kind is part of the closed catalog.
func IsValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindStart, NodeKindMessage, NodeKindQuestion, NodeKindCondition,
		NodeKindSwitch, NodeKindDelay, NodeKindAPI, NodeKindDatabase,
		NodeKindCode, NodeKindAI, NodeKindTag, NodeKindNotification,
		NodeKindSchedule, NodeKindRandom, NodeKindPayment,
		NodeKindTranscription, NodeKindSheets, NodeKindAgent, NodeKindEnd:
		return true
	default:
		return false
	}
}

// TriggerType defines how a flow's start node is activated.
type TriggerType string

const (
	// TriggerAnyMessage starts the flow on any inbound message, gated by a cooldown.
	TriggerAnyMessage TriggerType = "any_message"
	// TriggerKeyword starts the flow when the inbound text matches a keyword list.
	TriggerKeyword TriggerType = "keyword"
)

// Match operators shared by start-node keyword triggers and condition nodes.
const (
	OperatorEquals   = "equals"
	OperatorContains = "contains"
)

// Outgoing handle labels. A node with a single continuation uses the empty
// (default) handle; branching nodes label each output.
const (
	HandleDefault  = ""
	HandleYes      = "yes"
	HandleNo       = "no"
	HandleSuccess  = "success"
	HandleError    = "error"
	HandleOpen     = "open"
	HandleClosed   = "closed"
	HandleA        = "a"
	HandleB        = "b"
	HandlePending  = "pending"
	HandleApproved = "approved"
	HandleCase     = "default" // switch fallback when no case matches
)

// CaseHandle returns the handle label for the i-th switch case.
func CaseHandle(i int) string {
	return fmt.Sprintf("case-%d", i)
}

// Error variables shared across flow loading and validation.
var (
	ErrInvalidNodeKind = errors.New("invalid node kind")
	ErrMissingStart    = errors.New("flow has no start node")
	ErrMultipleStarts  = errors.New("flow has more than one start node")
	ErrInvalidConfig   = errors.New("invalid node config")
)

// Node is one typed step in a flow. Config holds the kind-specific settings,
// decoded into a typed variant at load time.
type Node struct {
	ID     string     `json:"id"`
	Kind   NodeKind   `json:"kind"`
	Config NodeConfig `json:"config,omitempty"`
}

// Edge is a directed connection from a node's named output to another node.
// SourceHandle is empty for a node's single/default continuation.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetNodeID string `json:"target"`
}

// Flow is a named graph of nodes and edges representing one automation.
// Flows are authored externally and read-only to the engine.
type Flow struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Position  int    `json:"position,omitempty"` // listing order for trigger matching
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
}

// Validate checks the structural invariants of a flow: known node kinds, a
// single start node, and per-kind config validity.
func (f *Flow) Validate() error {
	starts := 0
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if !IsValidNodeKind(n.Kind) {
			return fmt.Errorf("%w: node %s has kind %q", ErrInvalidNodeKind, n.ID, n.Kind)
		}
		if n.Kind == NodeKindStart {
			starts++
		}
		if n.Config != nil {
			if err := n.Config.Validate(); err != nil {
				return fmt.Errorf("node %s: %w", n.ID, err)
			}
		}
	}
	if starts == 0 {
		return ErrMissingStart
	}
	if starts > 1 {
		return ErrMultipleStarts
	}
	return nil
}

// StartNode returns the flow's single start node, or nil if absent.
func (f *Flow) StartNode() *Node {
	for i := range f.Nodes {
		if f.Nodes[i].Kind == NodeKindStart {
			return &f.Nodes[i]
		}
	}
	return nil
}

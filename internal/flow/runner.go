package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
)

// OutcomeKind classifies what a handler decided.
type OutcomeKind int

const (
	// OutcomeContinue proceeds through the edge named by Handle.
	OutcomeContinue OutcomeKind = iota
	// OutcomePause persists the resume pointer and ends the turn.
	OutcomePause
	// OutcomeHandoff assigns a human agent and ends the turn.
	OutcomeHandoff
	// OutcomeStop ends the turn normally (terminal node).
	OutcomeStop
	// OutcomeSleep persists a durable delayed resume and ends the turn.
	OutcomeSleep
)

// Outcome is a handler's verdict for one node execution.
type Outcome struct {
	Kind    OutcomeKind
	Handle  string
	AgentID string
	Delay   time.Duration
}

// Continue proceeds through the named handle.
func Continue(handle string) Outcome { return Outcome{Kind: OutcomeContinue, Handle: handle} }

// Pause ends the turn with a resume pointer at the current node.
func Pause() Outcome { return Outcome{Kind: OutcomePause} }

// Handoff ends the turn and assigns the conversation to a human agent.
func Handoff(agentID string) Outcome { return Outcome{Kind: OutcomeHandoff, AgentID: agentID} }

// Stop ends the turn normally.
func Stop() Outcome { return Outcome{Kind: OutcomeStop} }

// Sleep ends the turn and schedules a durable resume after d.
func Sleep(d time.Duration) Outcome { return Outcome{Kind: OutcomeSleep, Delay: d} }

// JobKindDelayResume is the durable job kind for long delay continuations.
const JobKindDelayResume = "resume_delay"

// delayResumePayload is the durable job payload for a delayed continuation.
type delayResumePayload struct {
	ConversationID string `json:"conversation_id"`
	FlowID         string `json:"flow_id"`
	NodeID         string `json:"node_id"`
}

// delayDedupeKey keys pending delayed resumes per conversation, so a newly
// started flow can cancel a stale continuation.
func delayDedupeKey(conversationID string) string {
	return "delay:" + conversationID
}

// Runner walks a flow graph for one turn. It is a worklist traversal, not
// recursion: deep or looping graphs never grow the call stack.
type Runner struct {
	deps *Deps
}

// NewRunner creates a runner over the given dependencies.
func NewRunner(deps *Deps) *Runner {
	deps.withDefaults()
	return &Runner{deps: deps}
}

// Run executes the turn starting at nodeID with a fresh visited set, then
// persists the conversation state. Handler failures route to the failing
// node's error edge when one exists; nothing escapes as an error except
// storage failures while persisting the final state.
func (r *Runner) Run(ctx context.Context, turn *Turn, nodeID string) error {
	flow := turn.Graph.Flow()
	visited := make(map[string]bool)
	current := nodeID

	slog.Debug("Runner starting turn", "conversationID", turn.State.ID, "flowID", flow.ID, "startNode", nodeID)

	for current != "" {
		if visited[current] {
			slog.Debug("Runner cycle guard hit, ending turn", "conversationID", turn.State.ID, "nodeID", current)
			break
		}
		visited[current] = true

		node := turn.Graph.NodeByID(current)
		if node == nil {
			slog.Warn("Runner edge targets missing node, ending turn", "conversationID", turn.State.ID, "nodeID", current)
			break
		}
		handler := handlerFor(node.Kind)
		if handler == nil {
			slog.Warn("Runner has no handler for node kind, ending turn", "conversationID", turn.State.ID, "kind", node.Kind)
			break
		}

		outcome, err := handler(ctx, r.deps, node, turn)
		if err != nil {
			slog.Error("Runner node handler failed", "conversationID", turn.State.ID, "nodeID", node.ID, "kind", node.Kind, "error", err)
			if edge := turn.Graph.EdgeFrom(node.ID, models.HandleError); edge != nil {
				current = edge.TargetNodeID
				continue
			}
			break
		}

		switch outcome.Kind {
		case OutcomeContinue:
			edge := turn.Graph.EdgeFrom(node.ID, outcome.Handle)
			if edge == nil {
				// Missing edge is the implicit end of the flow.
				current = ""
				break
			}
			current = edge.TargetNodeID

		case OutcomePause:
			turn.State.CurrentFlowID = flow.ID
			turn.State.CurrentNodeID = node.ID
			slog.Debug("Runner pausing at question", "conversationID", turn.State.ID, "nodeID", node.ID)
			return r.persist(turn)

		case OutcomeHandoff:
			now := r.deps.Now()
			turn.State.AssignedAgentID = outcome.AgentID
			turn.State.AssignedAt = &now
			turn.State.ClearResume()
			slog.Info("Runner handing conversation to agent", "conversationID", turn.State.ID, "agentID", outcome.AgentID)
			return r.persist(turn)

		case OutcomeSleep:
			if err := r.scheduleResume(turn, node.ID, outcome.Delay); err != nil {
				slog.Error("Runner failed to schedule delayed resume", "conversationID", turn.State.ID, "nodeID", node.ID, "error", err)
			}
			return r.persist(turn)

		case OutcomeStop:
			current = ""
		}
	}

	turn.State.ClearResume()
	return r.persist(turn)
}

// scheduleResume enqueues the durable continuation for a long delay node.
func (r *Runner) scheduleResume(turn *Turn, nodeID string, delay time.Duration) error {
	if r.deps.Jobs == nil {
		return fmt.Errorf("no job repository configured")
	}
	payload, err := json.Marshal(delayResumePayload{
		ConversationID: turn.State.ID,
		FlowID:         turn.Graph.Flow().ID,
		NodeID:         nodeID,
	})
	if err != nil {
		return fmt.Errorf("marshal delay payload: %w", err)
	}
	runAt := r.deps.Now().Add(delay)
	jobID, err := r.deps.Jobs.EnqueueJob(JobKindDelayResume, runAt, string(payload), delayDedupeKey(turn.State.ID))
	if err != nil {
		return fmt.Errorf("enqueue delay job: %w", err)
	}
	slog.Debug("Runner scheduled delayed resume", "conversationID", turn.State.ID, "jobID", jobID, "runAt", runAt)
	return nil
}

// persist writes the turn's scope back into the conversation state and saves.
func (r *Runner) persist(turn *Turn) error {
	turn.State.Variables = turn.Scope.Variables
	turn.State.UpdatedAt = r.deps.Now()
	if err := r.deps.Store.SaveConversation(*turn.State); err != nil {
		return fmt.Errorf("save conversation %s: %w", turn.State.ID, err)
	}
	return nil
}

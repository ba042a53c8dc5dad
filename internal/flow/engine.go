package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zapflowhq/zapflow/internal/models"
	"github.com/zapflowhq/zapflow/internal/store"
)

// Engine is the operational surface of the flow core. It deduplicates inbound
// messages, serializes turns per conversation, applies the handoff gate, and
// dispatches to the trigger matcher or the resume paths.
type Engine struct {
	deps   *Deps
	runner *Runner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine over the given dependencies.
func NewEngine(deps Deps) *Engine {
	deps.withDefaults()
	return &Engine{
		deps:   &deps,
		runner: NewRunner(&deps),
		locks:  make(map[string]*sync.Mutex),
	}
}

// conversationLock returns the mutex serializing turns for one conversation.
// Independent conversations run fully concurrently.
func (e *Engine) conversationLock(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[conversationID] = lock
	}
	return lock
}

// HandleInbound processes one inbound message end to end: dedup, handoff
// gate, resume-or-trigger, run. It returns an error only for storage
// failures; engine-level no-ops (duplicate, no matching flow) return nil.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	slog.Debug("Engine HandleInbound", "conversationID", msg.ConversationID, "messageID", msg.MessageID)

	if e.deps.Dedup != nil && msg.MessageID != "" {
		fresh, err := e.deps.Dedup.RecordInbound(msg.MessageID, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("record inbound: %w", err)
		}
		if !fresh {
			slog.Debug("Engine dropping duplicate message", "messageID", msg.MessageID)
			return nil
		}
	}

	lock := e.conversationLock(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	state, contact, err := e.loadConversation(msg)
	if err != nil {
		return err
	}

	now := e.deps.Now()
	if state.HandoffActive(now, e.deps.HandoffTTL) {
		slog.Debug("Engine suppressed by active handoff", "conversationID", state.ID, "agentID", state.AssignedAgentID)
		return nil
	}
	if state.AssignedAgentID != "" {
		// Handoff expired: clear and persist it so automation resumes and the
		// clear is not redone on every message.
		state.AssignedAgentID = ""
		state.AssignedAt = nil
		state.UpdatedAt = now
		if err := e.deps.Store.SaveConversation(*state); err != nil {
			return fmt.Errorf("clear expired handoff %s: %w", state.ID, err)
		}
	}

	if state.Paused() {
		resumed, err := e.resumeQuestion(ctx, state, contact, &msg)
		if err != nil || resumed {
			e.markProcessed(msg.MessageID)
			return err
		}
		// The resume pointer was stale (flow edited or deleted); fall
		// through to trigger matching.
		state.ClearResume()
	}

	err = e.startFlow(ctx, state, contact, &msg)
	e.markProcessed(msg.MessageID)
	return err
}

// resumeQuestion feeds the inbound text into the paused question node and
// continues the traversal from its outgoing edge. Returns false if the resume
// pointer no longer names a question node.
func (e *Engine) resumeQuestion(ctx context.Context, state *models.ConversationState, contact *models.Contact, msg *models.InboundMessage) (bool, error) {
	f, err := e.deps.Store.GetFlow(state.CurrentFlowID)
	if err != nil {
		return false, fmt.Errorf("load flow %s: %w", state.CurrentFlowID, err)
	}
	if f == nil {
		return false, nil
	}
	graph := NewGraph(f)
	node := graph.NodeByID(state.CurrentNodeID)
	if node == nil || node.Kind != models.NodeKindQuestion {
		return false, nil
	}
	cfg, ok := node.Config.(*models.QuestionConfig)
	if !ok {
		return false, nil
	}

	turn := e.newTurn(graph, state, contact, msg)
	// The reply is stored verbatim; only the key is normalized.
	turn.Scope.Set(cfg.AnswerVar, msg.Text)
	state.ClearResume()

	slog.Debug("Engine resuming paused question", "conversationID", state.ID, "nodeID", node.ID, "answerVar", cfg.AnswerVar)
	edge := graph.EdgeFrom(node.ID, models.HandleDefault)
	if edge == nil {
		return true, e.runner.persist(turn)
	}
	return true, e.runner.Run(ctx, turn, edge.TargetNodeID)
}

// startFlow consults the trigger matcher and, on a match, resets the
// conversation scope and runs the flow from its start edge.
func (e *Engine) startFlow(ctx context.Context, state *models.ConversationState, contact *models.Contact, msg *models.InboundMessage) error {
	flows, err := e.deps.Store.ListActiveFlows(msg.ChannelID)
	if err != nil {
		return fmt.Errorf("list active flows: %w", err)
	}
	now := e.deps.Now()
	matched := MatchTrigger(flows, state, msg.Text, now)
	if matched == nil {
		slog.Debug("Engine no flow matched", "conversationID", state.ID)
		return nil
	}

	// A new flow supersedes any pending delayed continuation.
	if e.deps.Jobs != nil {
		if err := e.deps.Jobs.CancelJobsByDedupeKey(delayDedupeKey(state.ID)); err != nil {
			slog.Warn("Engine failed to cancel pending delay jobs", "conversationID", state.ID, "error", err)
		}
	}

	state.Variables = make(map[string]any)
	state.LastFlowAt = &now
	state.CurrentFlowID = matched.ID
	state.ClearResume()

	graph := NewGraph(matched)
	start := graph.StartNode()
	if start == nil {
		slog.Warn("Engine matched flow without start node", "flowID", matched.ID)
		return nil
	}
	slog.Info("Engine starting flow", "conversationID", state.ID, "flowID", matched.ID, "flowName", matched.Name)

	turn := e.newTurn(graph, state, contact, msg)
	edge := graph.EdgeFrom(start.ID, models.HandleDefault)
	if edge == nil {
		return e.runner.persist(turn)
	}
	return e.runner.Run(ctx, turn, edge.TargetNodeID)
}

// ResumePayment re-enters a conversation when the out-of-band payment
// confirmation arrives, running a fresh turn from the payment node's approved
// or error edge.
func (e *Engine) ResumePayment(ctx context.Context, conversationID string, outcome models.PaymentOutcome) error {
	slog.Debug("Engine ResumePayment", "conversationID", conversationID, "outcome", outcome)

	lock := e.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.deps.Store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if state == nil || state.CurrentFlowID == "" {
		slog.Warn("Engine payment callback for unknown conversation", "conversationID", conversationID)
		return nil
	}
	f, err := e.deps.Store.GetFlow(state.CurrentFlowID)
	if err != nil {
		return fmt.Errorf("load flow %s: %w", state.CurrentFlowID, err)
	}
	if f == nil {
		return nil
	}
	contact, err := e.deps.Store.GetContact(state.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}

	graph := NewGraph(f)
	node := e.paymentNode(graph, state)
	if node == nil {
		slog.Warn("Engine payment callback found no payment node", "conversationID", conversationID, "flowID", f.ID)
		return nil
	}

	handle := models.HandleApproved
	if outcome != models.PaymentApproved {
		handle = models.HandleError
	}
	edge := graph.EdgeFrom(node.ID, handle)
	if edge == nil {
		slog.Debug("Engine payment node has no edge for outcome", "nodeID", node.ID, "handle", handle)
		return nil
	}

	turn := e.newTurn(graph, state, contact, nil)
	return e.runner.Run(ctx, turn, edge.TargetNodeID)
}

// paymentNode resolves the payment node that issued the pending charge,
// preferring the id recorded in scope during handlePayment.
func (e *Engine) paymentNode(graph *Graph, state *models.ConversationState) *models.Node {
	if id, ok := state.Variables[paymentNodeVar].(string); ok {
		if node := graph.NodeByID(id); node != nil && node.Kind == models.NodeKindPayment {
			return node
		}
	}
	return graph.NodeOfKind(models.NodeKindPayment)
}

// HandleDelayedResume is the durable-job handler continuing a conversation
// after a long delay node. Registered with the store's job runner under
// JobKindDelayResume.
func (e *Engine) HandleDelayedResume(ctx context.Context, payloadJSON string) error {
	var payload delayResumePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decode delay payload: %w", err)
	}
	slog.Debug("Engine HandleDelayedResume", "conversationID", payload.ConversationID, "nodeID", payload.NodeID)

	lock := e.conversationLock(payload.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.deps.Store.GetConversation(payload.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", payload.ConversationID, err)
	}
	if state == nil || state.CurrentFlowID != payload.FlowID {
		// A newer flow superseded this continuation.
		slog.Debug("Engine delayed resume superseded", "conversationID", payload.ConversationID)
		return nil
	}
	f, err := e.deps.Store.GetFlow(payload.FlowID)
	if err != nil {
		return fmt.Errorf("load flow %s: %w", payload.FlowID, err)
	}
	if f == nil {
		return nil
	}
	contact, err := e.deps.Store.GetContact(state.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}

	graph := NewGraph(f)
	edge := graph.EdgeFrom(payload.NodeID, models.HandleDefault)
	if edge == nil {
		return nil
	}
	turn := e.newTurn(graph, state, contact, nil)
	return e.runner.Run(ctx, turn, edge.TargetNodeID)
}

// RegisterJobHandlers wires the engine's durable-job handlers into a runner.
func (e *Engine) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindDelayResume, e.HandleDelayedResume)
}

// newTurn assembles the in-memory context for one traversal.
func (e *Engine) newTurn(graph *Graph, state *models.ConversationState, contact *models.Contact, msg *models.InboundMessage) *Turn {
	recipient := ""
	if contact != nil {
		recipient = contact.Phone
	}
	if recipient == "" && msg != nil {
		recipient = msg.From
	}
	return &Turn{
		Graph:     graph,
		State:     state,
		Contact:   contact,
		Scope:     NewScope(state.Variables, contact),
		Inbound:   msg,
		Recipient: recipient,
	}
}

// loadConversation fetches or creates the conversation state and contact for
// an inbound message.
func (e *Engine) loadConversation(msg models.InboundMessage) (*models.ConversationState, *models.Contact, error) {
	state, err := e.deps.Store.GetConversation(msg.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation %s: %w", msg.ConversationID, err)
	}
	now := e.deps.Now()
	if state == nil {
		state = &models.ConversationState{
			ID:        msg.ConversationID,
			ChannelID: msg.ChannelID,
			ContactID: msg.ConversationID,
			Variables: make(map[string]any),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if state.Variables == nil {
		state.Variables = make(map[string]any)
	}

	contact, err := e.deps.Store.GetContact(state.ContactID)
	if err != nil {
		return nil, nil, fmt.Errorf("load contact %s: %w", state.ContactID, err)
	}
	if contact == nil {
		contact = &models.Contact{
			ID:        state.ContactID,
			ChannelID: msg.ChannelID,
			Phone:     msg.From,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.deps.Store.SaveContact(*contact); err != nil {
			return nil, nil, fmt.Errorf("save contact %s: %w", contact.ID, err)
		}
	}
	return state, contact, nil
}

// markProcessed stamps the dedup record; failures only log.
func (e *Engine) markProcessed(messageID string) {
	if e.deps.Dedup == nil || messageID == "" {
		return
	}
	if err := e.deps.Dedup.MarkProcessed(messageID); err != nil {
		slog.Warn("Engine failed to mark message processed", "messageID", messageID, "error", err)
	}
}

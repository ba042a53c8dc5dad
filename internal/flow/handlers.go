package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/zapflowhq/zapflow/internal/models"
)

// paymentNodeVar is the scope key recording which payment node issued the
// pending charge, so the out-of-band confirmation can resume at its edges.
const paymentNodeVar = "_payment_node"

// Handler executes one node and returns its outcome. Errors returned here are
// handler failures: the runner routes them to the node's error edge when one
// exists and otherwise ends the turn silently.
type Handler func(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error)

// handlerFor returns the handler for a node kind, or nil for unknown kinds.
func handlerFor(kind models.NodeKind) Handler {
	switch kind {
	case models.NodeKindMessage:
		return handleMessage
	case models.NodeKindQuestion:
		return handleQuestion
	case models.NodeKindCondition:
		return handleCondition
	case models.NodeKindSwitch:
		return handleSwitch
	case models.NodeKindDelay:
		return handleDelay
	case models.NodeKindAPI:
		return handleAPI
	case models.NodeKindDatabase:
		return handleDatabase
	case models.NodeKindCode:
		return handleCode
	case models.NodeKindAI:
		return handleAI
	case models.NodeKindTag:
		return handleTag
	case models.NodeKindNotification:
		return handleNotification
	case models.NodeKindSchedule:
		return handleSchedule
	case models.NodeKindRandom:
		return handleRandom
	case models.NodeKindPayment:
		return handlePayment
	case models.NodeKindTranscription:
		return handleTranscription
	case models.NodeKindSheets:
		return handleSheets
	case models.NodeKindAgent:
		return handleAgent
	case models.NodeKindEnd:
		return handleEnd
	case models.NodeKindStart:
		// Start carries trigger config only; traversal begins past it, but a
		// mid-graph start edge simply falls through.
		return func(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
			return Continue(models.HandleDefault), nil
		}
	default:
		return nil
	}
}

func handleMessage(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.MessageConfig)
	if !ok {
		return Stop(), fmt.Errorf("message node %s has no config", node.ID)
	}
	text := turn.Scope.Interpolate(cfg.Text)
	if cfg.MediaURL != "" {
		url := turn.Scope.Interpolate(cfg.MediaURL)
		if err := deps.Messenger.SendMedia(ctx, turn.Recipient, url, cfg.MediaKind, text); err != nil {
			return Stop(), fmt.Errorf("send media: %w", err)
		}
	} else {
		if err := deps.Messenger.SendText(ctx, turn.Recipient, text); err != nil {
			return Stop(), fmt.Errorf("send text: %w", err)
		}
	}
	return Continue(models.HandleDefault), nil
}

func handleQuestion(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.QuestionConfig)
	if !ok {
		return Stop(), fmt.Errorf("question node %s has no config", node.ID)
	}
	text := turn.Scope.Interpolate(cfg.Text)
	if err := deps.Messenger.SendText(ctx, turn.Recipient, text); err != nil {
		return Stop(), fmt.Errorf("send question: %w", err)
	}
	return Pause(), nil
}

func handleCondition(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.ConditionConfig)
	if !ok {
		return Stop(), fmt.Errorf("condition node %s has no config", node.ID)
	}
	value := strings.ToLower(turn.Scope.StringVar(cfg.Variable))
	test := strings.ToLower(cfg.Value)

	var matched bool
	switch cfg.Operator {
	case models.OperatorEquals:
		matched = value == test
	default: // contains is the default substring operator
		matched = strings.Contains(value, test)
	}
	if matched {
		return Continue(models.HandleYes), nil
	}
	return Continue(models.HandleNo), nil
}

func handleSwitch(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.SwitchConfig)
	if !ok {
		return Stop(), fmt.Errorf("switch node %s has no config", node.ID)
	}
	value := strings.ToLower(turn.Scope.StringVar(cfg.Variable))
	for i, c := range cfg.Cases {
		if strings.ToLower(c) == value {
			return Continue(models.CaseHandle(i)), nil
		}
	}
	return Continue(models.HandleCase), nil
}

func handleDelay(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.DelayConfig)
	if !ok {
		return Stop(), fmt.Errorf("delay node %s has no config", node.ID)
	}
	d := time.Duration(cfg.Seconds) * time.Second
	if d > deps.MaxInTurnDelay {
		// Too long to hold the turn open: persist a durable resume job.
		return Sleep(d), nil
	}
	select {
	case <-time.After(d):
		return Continue(models.HandleDefault), nil
	case <-ctx.Done():
		return Stop(), ctx.Err()
	}
}

func handleAPI(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.APIConfig)
	if !ok {
		return Stop(), fmt.Errorf("api node %s has no config", node.ID)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := turn.Scope.Interpolate(cfg.URL)

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(turn.Scope.Interpolate(cfg.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Stop(), fmt.Errorf("build api request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, turn.Scope.Interpolate(v))
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return Stop(), fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Stop(), fmt.Errorf("read api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Stop(), fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	var obj map[string]any
	if len(respBody) > 0 && json.Unmarshal(respBody, &obj) == nil {
		turn.Scope.MergeObject(obj)
	}
	return Continue(models.HandleSuccess), nil
}

func handleDatabase(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.DatabaseConfig)
	if !ok {
		return Stop(), fmt.Errorf("database node %s has no config", node.ID)
	}
	if deps.Query == nil {
		return Stop(), fmt.Errorf("no query adapter configured")
	}
	values := interpolateMap(turn.Scope, cfg.Values)
	filter := interpolateMap(turn.Scope, cfg.Filter)

	row, err := deps.Query.Query(ctx, cfg.Connection, cfg.Table, cfg.Operation, values, filter)
	if err != nil {
		return Stop(), fmt.Errorf("database query: %w", err)
	}
	turn.Scope.MergeObject(row)
	return Continue(models.HandleSuccess), nil
}

func handleCode(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.CodeConfig)
	if !ok {
		return Stop(), fmt.Errorf("code node %s has no config", node.ID)
	}
	// The expression runs in an environment exposing only the conversation
	// variables; there is no I/O, filesystem, or host access.
	env := map[string]any{"vars": turn.Scope.Variables}
	program, err := expr.Compile(cfg.Expression, expr.Env(env))
	if err != nil {
		return Stop(), fmt.Errorf("compile expression: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return Stop(), fmt.Errorf("run expression: %w", err)
	}
	switch v := result.(type) {
	case map[string]any:
		turn.Scope.MergeObject(v)
	case nil:
	default:
		turn.Scope.Set("result", v)
	}
	return Continue(models.HandleDefault), nil
}

func handleAI(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.AIConfig)
	if !ok {
		return Stop(), fmt.Errorf("ai node %s has no config", node.ID)
	}
	if deps.GenAI == nil {
		return Stop(), fmt.Errorf("no genai client configured")
	}
	input := turn.Scope.Interpolate(cfg.Input)
	reply, err := deps.GenAI.Generate(ctx, cfg.SystemPrompt, input)
	if err != nil {
		return Stop(), fmt.Errorf("generate reply: %w", err)
	}
	turn.Scope.Set(cfg.OutputVar, reply)
	return Continue(models.HandleDefault), nil
}

func handleTag(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.TagConfig)
	if !ok {
		return Stop(), fmt.Errorf("tag node %s has no config", node.ID)
	}
	if turn.Contact == nil {
		return Stop(), fmt.Errorf("tag node without contact")
	}
	tags := turn.Contact.Tags
	switch cfg.Action {
	case "add":
		for _, t := range tags {
			if t == cfg.Tag {
				return Continue(models.HandleDefault), nil
			}
		}
		turn.Contact.Tags = append(tags, cfg.Tag)
	case "remove":
		kept := tags[:0]
		for _, t := range tags {
			if t != cfg.Tag {
				kept = append(kept, t)
			}
		}
		turn.Contact.Tags = kept
	}
	if err := deps.Store.SaveContact(*turn.Contact); err != nil {
		return Stop(), fmt.Errorf("save contact tags: %w", err)
	}
	return Continue(models.HandleDefault), nil
}

func handleNotification(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.NotificationConfig)
	if !ok {
		return Stop(), fmt.Errorf("notification node %s has no config", node.ID)
	}
	text := turn.Scope.Interpolate(cfg.Text)
	if err := deps.Messenger.SendText(ctx, cfg.Operator, text); err != nil {
		return Stop(), fmt.Errorf("send notification: %w", err)
	}
	return Continue(models.HandleDefault), nil
}

var weekdayKeys = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

func handleSchedule(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.ScheduleConfig)
	if !ok {
		return Stop(), fmt.Errorf("schedule node %s has no config", node.ID)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return Stop(), fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	now := deps.Now().In(loc)

	window, ok := cfg.Week[weekdayKeys[now.Weekday()]]
	if !ok || window.Closed || window.Open == "" || window.Close == "" {
		return Continue(models.HandleClosed), nil
	}
	open, err := time.Parse("15:04", window.Open)
	if err != nil {
		return Stop(), fmt.Errorf("parse open time %q: %w", window.Open, err)
	}
	closeAt, err := time.Parse("15:04", window.Close)
	if err != nil {
		return Stop(), fmt.Errorf("parse close time %q: %w", window.Close, err)
	}
	minutes := now.Hour()*60 + now.Minute()
	openMin := open.Hour()*60 + open.Minute()
	closeMin := closeAt.Hour()*60 + closeAt.Minute()
	// A close before the open means the window wraps past midnight.
	var inWindow bool
	if closeMin < openMin {
		inWindow = minutes >= openMin || minutes < closeMin
	} else {
		inWindow = minutes >= openMin && minutes < closeMin
	}
	if inWindow {
		return Continue(models.HandleOpen), nil
	}
	return Continue(models.HandleClosed), nil
}

func handleRandom(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	if deps.CoinFlip() == 0 {
		return Continue(models.HandleA), nil
	}
	return Continue(models.HandleB), nil
}

// handlePayment creates the PIX charge, sends the code to the contact, and
// continues immediately down the pending edge. The approved and error edges
// are entered later through Engine.ResumePayment when the out-of-band
// confirmation arrives.
func handlePayment(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.PaymentConfig)
	if !ok {
		return Stop(), fmt.Errorf("payment node %s has no config", node.ID)
	}
	if deps.Payment == nil {
		return Stop(), fmt.Errorf("no payment client configured")
	}
	// The gateway echoes the charge reference back on the confirmation
	// callback, and the webhook routes it as a conversation id. It must
	// therefore always be the conversation id; a configured reference is a
	// merchant-side label kept in the scope instead.
	if cfg.Reference != "" {
		turn.Scope.Set("payment_reference", turn.Scope.Interpolate(cfg.Reference))
	}
	description := turn.Scope.Interpolate(cfg.Description)

	charge, err := deps.Payment.CreatePixCharge(ctx, cfg.Amount, description, turn.State.ID)
	if err != nil {
		return Stop(), fmt.Errorf("create pix charge: %w", err)
	}
	if err := deps.Messenger.SendText(ctx, turn.Recipient, charge.Code); err != nil {
		return Stop(), fmt.Errorf("send pix code: %w", err)
	}
	turn.Scope.Set(paymentNodeVar, node.ID)
	return Continue(models.HandlePending), nil
}

func handleTranscription(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.TranscriptionConfig)
	if !ok {
		return Stop(), fmt.Errorf("transcription node %s has no config", node.ID)
	}
	if turn.Inbound == nil || !turn.Inbound.HasAudio() {
		// Nothing to transcribe; fall through without touching the scope.
		return Continue(models.HandleDefault), nil
	}
	if deps.GenAI == nil {
		return Stop(), fmt.Errorf("no genai client configured")
	}
	audio, err := readAudio(ctx, deps, turn.Inbound.MediaURL)
	if err != nil {
		return Stop(), fmt.Errorf("read audio: %w", err)
	}
	transcript, err := deps.GenAI.Transcribe(ctx, audio)
	if err != nil {
		return Stop(), fmt.Errorf("transcribe audio: %w", err)
	}
	turn.Scope.Set(cfg.OutputVar, transcript)
	return Continue(models.HandleDefault), nil
}

func handleSheets(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	cfg, ok := node.Config.(*models.SheetsConfig)
	if !ok {
		return Stop(), fmt.Errorf("sheets node %s has no config", node.ID)
	}
	if deps.Sheets == nil {
		return Stop(), fmt.Errorf("no sheets client configured")
	}
	row := make(map[string]string, len(cfg.Columns))
	for _, col := range cfg.Columns {
		row[col] = turn.Scope.StringVar(col)
	}
	if err := deps.Sheets.AppendRow(ctx, cfg.SheetRef, row); err != nil {
		return Stop(), fmt.Errorf("append sheet row: %w", err)
	}
	return Continue(models.HandleDefault), nil
}

func handleAgent(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	agentID := "operator"
	if cfg, ok := node.Config.(*models.AgentConfig); ok && cfg.AgentID != "" {
		agentID = cfg.AgentID
	}
	return Handoff(agentID), nil
}

func handleEnd(ctx context.Context, deps *Deps, node *models.Node, turn *Turn) (Outcome, error) {
	return Stop(), nil
}

// interpolateMap interpolates every value of a config map against the scope.
func interpolateMap(scope *Scope, m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = scope.Interpolate(v)
	}
	return out
}

// readAudio loads inbound audio bytes from a local temp file or a URL,
// depending on how the transport delivered the media reference.
func readAudio(ctx context.Context, deps *Deps, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := deps.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("audio fetch returned status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, err
	}
	// Temp files written by the transport are single-use.
	if rmErr := os.Remove(ref); rmErr != nil {
		slog.Debug("Failed to remove audio temp file", "path", ref, "error", rmErr)
	}
	return data, nil
}

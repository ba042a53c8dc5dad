package flow

import (
	"log/slog"
	"strings"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
)

// MatchTrigger selects at most one flow to start for an inbound message. The
// flows are expected in listing order; the first whose start trigger matches
// wins. Flows with a missing or invalid start node are skipped.
func MatchTrigger(flows []models.Flow, state *models.ConversationState, text string, now time.Time) *models.Flow {
	normalized := strings.ToLower(strings.TrimSpace(text))

	for i := range flows {
		f := &flows[i]
		start := f.StartNode()
		if start == nil {
			slog.Warn("Trigger matcher skipping flow without start node", "flowID", f.ID)
			continue
		}
		cfg, ok := start.Config.(*models.StartConfig)
		if !ok {
			slog.Warn("Trigger matcher skipping flow with invalid start config", "flowID", f.ID)
			continue
		}
		if triggerMatches(cfg, state, normalized, now) {
			return f
		}
	}
	return nil
}

func triggerMatches(cfg *models.StartConfig, state *models.ConversationState, text string, now time.Time) bool {
	switch cfg.TriggerType {
	case models.TriggerKeyword:
		return keywordMatches(cfg, text)
	case models.TriggerAnyMessage:
		if cfg.CooldownMinutes > 0 && state.LastFlowAt != nil {
			cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
			if now.Sub(*state.LastFlowAt) < cooldown {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func keywordMatches(cfg *models.StartConfig, text string) bool {
	for _, raw := range strings.Split(cfg.Keywords, ",") {
		keyword := strings.ToLower(strings.TrimSpace(raw))
		if keyword == "" {
			continue
		}
		switch cfg.Operator {
		case models.OperatorEquals:
			if text == keyword {
				return true
			}
		default: // contains
			if strings.Contains(text, keyword) {
				return true
			}
		}
	}
	return false
}

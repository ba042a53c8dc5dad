package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zapflowhq/zapflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation scans a ConversationState row.
func scanConversation(row rowScanner) (models.ConversationState, error) {
	var state models.ConversationState
	var contactID, currentFlowID, currentNodeID, variablesJSON, agentID sql.NullString
	var lastFlowAt, assignedAt sql.NullTime
	err := row.Scan(
		&state.ID, &state.ChannelID, &contactID, &currentFlowID, &currentNodeID,
		&variablesJSON, &lastFlowAt, &agentID, &assignedAt,
		&state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return state, err
	}
	state.ContactID = contactID.String
	state.CurrentFlowID = currentFlowID.String
	state.CurrentNodeID = currentNodeID.String
	state.AssignedAgentID = agentID.String
	if lastFlowAt.Valid {
		t := lastFlowAt.Time
		state.LastFlowAt = &t
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		state.AssignedAt = &t
	}
	if variablesJSON.String != "" {
		state.Variables = make(map[string]any)
		if err := json.Unmarshal([]byte(variablesJSON.String), &state.Variables); err != nil {
			// Continue with empty variables rather than failing the turn.
			slog.Error("scanConversation variables unmarshal failed", "error", err, "conversationID", state.ID)
			state.Variables = make(map[string]any)
		}
	}
	return state, nil
}

// scanContact scans a Contact row.
func scanContact(row rowScanner) (models.Contact, error) {
	var contact models.Contact
	var name, tagsJSON sql.NullString
	err := row.Scan(&contact.ID, &contact.ChannelID, &contact.Phone, &name, &tagsJSON,
		&contact.CreatedAt, &contact.UpdatedAt)
	if err != nil {
		return contact, err
	}
	contact.Name = name.String
	if tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &contact.Tags); err != nil {
			slog.Error("scanContact tags unmarshal failed", "error", err, "contactID", contact.ID)
			contact.Tags = nil
		}
	}
	return contact, nil
}

// scanFlow scans a flow row, decoding the stored definition. The identity
// columns override whatever the definition JSON carries.
func scanFlow(row rowScanner) (models.Flow, error) {
	var flow models.Flow
	var id, channelID, name, definition string
	var active bool
	var position int
	if err := row.Scan(&id, &channelID, &name, &active, &position, &definition); err != nil {
		return flow, err
	}
	if err := json.Unmarshal([]byte(definition), &flow); err != nil {
		return flow, fmt.Errorf("decode flow %s definition: %w", id, err)
	}
	flow.ID = id
	flow.ChannelID = channelID
	flow.Name = name
	flow.Active = active
	flow.Position = position
	return flow, nil
}

// marshalVariables serializes conversation variables for storage.
func marshalVariables(vars map[string]any) (string, error) {
	if len(vars) == 0 {
		return "", nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal variables: %w", err)
	}
	return string(data), nil
}

// marshalTags serializes a contact's tag set for storage.
func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(data), nil
}

// scanJob scans a Job row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

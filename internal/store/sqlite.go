// Package store provides storage backends for ZapFlow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/zapflowhq/zapflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying connection for the local dbquery adapter.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// GetConversation retrieves conversation state by id. Returns nil when the
// conversation is unknown.
func (s *SQLiteStore) GetConversation(id string) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, contact_id, current_flow_id, current_node_id,
		variables, last_flow_at, assigned_agent_id, assigned_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversation not found", "conversationID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &state, nil
}

// SaveConversation stores or updates conversation state.
func (s *SQLiteStore) SaveConversation(state models.ConversationState) error {
	variablesJSON, err := marshalVariables(state.Variables)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation marshal failed", "error", err, "conversationID", state.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO conversations
		(id, channel_id, contact_id, current_flow_id, current_node_id, variables,
		 last_flow_at, assigned_agent_id, assigned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.ChannelID, nilIfEmpty(state.ContactID),
		nilIfEmpty(state.CurrentFlowID), nilIfEmpty(state.CurrentNodeID),
		nilIfEmpty(variablesJSON), state.LastFlowAt,
		nilIfEmpty(state.AssignedAgentID), state.AssignedAt,
		state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "conversationID", state.ID)
		return fmt.Errorf("save conversation %s: %w", state.ID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "conversationID", state.ID)
	return nil
}

// DeleteConversation removes a conversation's state.
func (s *SQLiteStore) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "conversationID", id)
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// GetContact retrieves a contact by id. Returns nil when unknown.
func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, phone, name, tags, created_at, updated_at
		FROM contacts WHERE id = ?`, id)
	contact, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContact failed", "error", err, "contactID", id)
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	return &contact, nil
}

// SaveContact stores or updates a contact.
func (s *SQLiteStore) SaveContact(contact models.Contact) error {
	tagsJSON, err := marshalTags(contact.Tags)
	if err != nil {
		slog.Error("SQLiteStore SaveContact marshal failed", "error", err, "contactID", contact.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO contacts
		(id, channel_id, phone, name, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contact.ID, contact.ChannelID, contact.Phone, nilIfEmpty(contact.Name),
		nilIfEmpty(tagsJSON), contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "contactID", contact.ID)
		return fmt.Errorf("save contact %s: %w", contact.ID, err)
	}
	return nil
}

// ListActiveFlows returns active flows for a channel in listing order. Flows
// whose stored definition no longer decodes are skipped with a warning so one
// broken flow cannot block the channel.
func (s *SQLiteStore) ListActiveFlows(channelID string) ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT id, channel_id, name, active, position, definition
		FROM flows WHERE channel_id = ? AND active = 1 ORDER BY position, id`, channelID)
	if err != nil {
		slog.Error("SQLiteStore ListActiveFlows query failed", "error", err, "channelID", channelID)
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			slog.Warn("SQLiteStore ListActiveFlows skipping undecodable flow", "error", err, "channelID", channelID)
			continue
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListActiveFlows iteration failed", "error", err)
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	slog.Debug("SQLiteStore ListActiveFlows succeeded", "channelID", channelID, "count", len(flows))
	return flows, nil
}

// GetFlow retrieves a flow by id. Returns nil when unknown.
func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, name, active, position, definition
		FROM flows WHERE id = ?`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}
	return &flow, nil
}

// SaveFlow stores or updates a flow definition.
func (s *SQLiteStore) SaveFlow(flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow marshal failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("marshal flow %s: %w", flow.ID, err)
	}
	now := time.Now()
	_, err = s.db.Exec(`INSERT INTO flows (id, channel_id, name, active, position, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET channel_id = excluded.channel_id, name = excluded.name,
			active = excluded.active, position = excluded.position,
			definition = excluded.definition, updated_at = excluded.updated_at`,
		flow.ID, flow.ChannelID, flow.Name, flow.Active, flow.Position, string(definition), now, now)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", flow.ID, "active", flow.Active)
	return nil
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

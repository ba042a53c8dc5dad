// Package store provides storage backends for ZapFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/zapflowhq/zapflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying connection for the local dbquery adapter.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) GetConversation(id string) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, contact_id, current_flow_id, current_node_id,
		variables, last_flow_at, assigned_agent_id, assigned_at, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetConversation not found", "conversationID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &state, nil
}

func (s *PostgresStore) SaveConversation(state models.ConversationState) error {
	variablesJSON, err := marshalVariables(state.Variables)
	if err != nil {
		slog.Error("PostgresStore SaveConversation marshal failed", "error", err, "conversationID", state.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversations
		(id, channel_id, contact_id, current_flow_id, current_node_id, variables,
		 last_flow_at, assigned_agent_id, assigned_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id, contact_id = EXCLUDED.contact_id,
			current_flow_id = EXCLUDED.current_flow_id, current_node_id = EXCLUDED.current_node_id,
			variables = EXCLUDED.variables, last_flow_at = EXCLUDED.last_flow_at,
			assigned_agent_id = EXCLUDED.assigned_agent_id, assigned_at = EXCLUDED.assigned_at,
			updated_at = EXCLUDED.updated_at`,
		state.ID, state.ChannelID, nilIfEmpty(state.ContactID),
		nilIfEmpty(state.CurrentFlowID), nilIfEmpty(state.CurrentNodeID),
		nilIfEmpty(variablesJSON), state.LastFlowAt,
		nilIfEmpty(state.AssignedAgentID), state.AssignedAt,
		state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "conversationID", state.ID)
		return fmt.Errorf("save conversation %s: %w", state.ID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "conversationID", state.ID)
	return nil
}

func (s *PostgresStore) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "conversationID", id)
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, phone, name, tags, created_at, updated_at
		FROM contacts WHERE id = $1`, id)
	contact, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContact failed", "error", err, "contactID", id)
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	return &contact, nil
}

func (s *PostgresStore) SaveContact(contact models.Contact) error {
	tagsJSON, err := marshalTags(contact.Tags)
	if err != nil {
		slog.Error("PostgresStore SaveContact marshal failed", "error", err, "contactID", contact.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO contacts (id, channel_id, phone, name, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id, phone = EXCLUDED.phone,
			name = EXCLUDED.name, tags = EXCLUDED.tags, updated_at = EXCLUDED.updated_at`,
		contact.ID, contact.ChannelID, contact.Phone, nilIfEmpty(contact.Name),
		nilIfEmpty(tagsJSON), contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "contactID", contact.ID)
		return fmt.Errorf("save contact %s: %w", contact.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListActiveFlows(channelID string) ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT id, channel_id, name, active, position, definition
		FROM flows WHERE channel_id = $1 AND active = TRUE ORDER BY position, id`, channelID)
	if err != nil {
		slog.Error("PostgresStore ListActiveFlows query failed", "error", err, "channelID", channelID)
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			slog.Warn("PostgresStore ListActiveFlows skipping undecodable flow", "error", err, "channelID", channelID)
			continue
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListActiveFlows iteration failed", "error", err)
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	slog.Debug("PostgresStore ListActiveFlows succeeded", "channelID", channelID, "count", len(flows))
	return flows, nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, name, active, position, definition
		FROM flows WHERE id = $1`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}
	return &flow, nil
}

func (s *PostgresStore) SaveFlow(flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		slog.Error("PostgresStore SaveFlow marshal failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("marshal flow %s: %w", flow.ID, err)
	}
	now := time.Now()
	_, err = s.db.Exec(`INSERT INTO flows (id, channel_id, name, active, position, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id, name = EXCLUDED.name, active = EXCLUDED.active,
			position = EXCLUDED.position, definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		flow.ID, flow.ChannelID, flow.Name, flow.Active, flow.Position, string(definition), now, now)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", flow.ID, "active", flow.Active)
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

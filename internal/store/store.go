// Package store provides storage backends for ZapFlow.
//
// It defines the Store interface consumed by the flow engine and ships
// SQLite, PostgreSQL, and in-memory implementations.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zapflowhq/zapflow/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the store DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the store DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence contract consumed by the flow engine. A single
// conversation's row must be read-modified-written by one turn at a time;
// the engine serializes turns per conversation.
type Store interface {
	GetConversation(id string) (*models.ConversationState, error)
	SaveConversation(state models.ConversationState) error
	DeleteConversation(id string) error

	GetContact(id string) (*models.Contact, error)
	SaveContact(contact models.Contact) error

	// ListActiveFlows returns the active flows for a channel in listing
	// order; the trigger matcher starts at most one of them per message.
	ListActiveFlows(channelID string) ([]models.Flow, error)
	GetFlow(id string) (*models.Flow, error)
	SaveFlow(flow models.Flow) error

	Close() error
}

// InMemoryStore is a map-backed Store, DedupRepo, and JobRepo used in tests
// and single-process development setups.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.ConversationState
	contacts      map[string]models.Contact
	flows         map[string]models.Flow
	dedup         map[string]DedupRecord
	jobs          map[string]Job
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.ConversationState),
		contacts:      make(map[string]models.Contact),
		flows:         make(map[string]models.Flow),
		dedup:         make(map[string]DedupRecord),
		jobs:          make(map[string]Job),
	}
}

func (s *InMemoryStore) GetConversation(id string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *InMemoryStore) SaveConversation(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[state.ID] = state
	return nil
}

func (s *InMemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contact, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &contact, nil
}

func (s *InMemoryStore) SaveContact(contact models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.ID] = contact
	return nil
}

func (s *InMemoryStore) ListActiveFlows(channelID string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.Active && f.ChannelID == channelID {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Position != flows[j].Position {
			return flows[i].Position < flows[j].Position
		}
		return flows[i].ID < flows[j].ID
	})
	return flows, nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &flow, nil
}

func (s *InMemoryStore) SaveFlow(flow models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// DedupRepo implementation.

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReceivedAt:     time.Now(),
	}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

// Compile-time interface checks.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
	_ JobRepo   = (*InMemoryStore)(nil)
)

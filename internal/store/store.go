// Package store provides storage backends for Helena.
//
// It defines the repositories used by the orchestrator and the code and risk
// services, an in-memory implementation, and SQLite and PostgreSQL backends.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mapagov/helena/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic write lost a race.
	ErrConflict = errors.New("concurrent modification")
)

// SessionRepo persists chat sessions.
type SessionRepo interface {
	// GetOrCreateSession returns the stored session with s.ID, creating it
	// from s when absent. Concurrent calls for the same id converge on one
	// record. The bool reports whether this call created it.
	GetOrCreateSession(ctx context.Context, s models.Session) (models.Session, bool, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	UpdateSession(ctx context.Context, s models.Session) error
}

// StateRepo persists per-session product state with optimistic versioning.
type StateRepo interface {
	GetState(ctx context.Context, sessionID, product string) (models.ConversationState, error)
	// SaveState writes st if the stored version still equals st.Version
	// (zero meaning "not stored yet") and bumps st.Version. A mismatch
	// returns ErrConflict.
	SaveState(ctx context.Context, st *models.ConversationState) error
	ListStates(ctx context.Context, sessionID string) ([]models.ConversationState, error)
}

// MessageRepo stores one exchange per request id.
type MessageRepo interface {
	// AddMessage returns false when the request id is already stored.
	AddMessage(ctx context.Context, m models.MessageRecord) (bool, error)
	GetMessage(ctx context.Context, requestID string) (models.MessageRecord, error)
	ListMessages(ctx context.Context, sessionID string) ([]models.MessageRecord, error)
}

// CounterRepo provides transactional sequence counters.
type CounterRepo interface {
	// NextSequence atomically increments the counter for key and returns
	// the new value. The first call for a key returns 1.
	NextSequence(ctx context.Context, key string) (int, error)
}

// RiskRepo stores draft risk records, unique per (analysis id, rule id).
type RiskRepo interface {
	// AddRisk returns false when the pair is already stored.
	AddRisk(ctx context.Context, r models.StoredRisk) (bool, error)
	ListRisks(ctx context.Context, analysisID string) ([]models.StoredRisk, error)
}

// Turn is the set of writes produced by one chat turn.
type Turn struct {
	Session models.Session
	States  []*models.ConversationState
	Message models.MessageRecord
}

// TurnRepo commits a chat turn atomically.
type TurnRepo interface {
	// CommitTurn logs t.Message, saves every state of t.States and updates
	// t.Session in one transaction, bumping the saved versions. It writes
	// nothing and returns false when the request id is already logged. A
	// stale state version returns ErrConflict and writes nothing.
	CommitTurn(ctx context.Context, t Turn) (bool, error)
}

// Store combines every repository.
type Store interface {
	SessionRepo
	StateRepo
	MessageRepo
	CounterRepo
	RiskRepo
	TurnRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// InMemoryStore keeps everything in process memory. It is used when no DSN
// is configured and in tests.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	states   map[string]models.ConversationState
	messages map[string]models.MessageRecord
	counters map[string]int
	risks    map[string]models.StoredRisk
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		states:   make(map[string]models.ConversationState),
		messages: make(map[string]models.MessageRecord),
		counters: make(map[string]int),
		risks:    make(map[string]models.StoredRisk),
	}
}

func (s *InMemoryStore) GetOrCreateSession(ctx context.Context, sess models.Session) (models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.ID]; ok {
		return existing, false, nil
	}
	s.sessions[sess.ID] = sess
	slog.Debug("InMemoryStore.GetOrCreateSession: created", "sessionID", sess.ID)
	return sess, true, nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetState(ctx context.Context, sessionID, product string) (models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[models.StateCacheKey(sessionID, product)]
	if !ok {
		return models.ConversationState{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) SaveState(ctx context.Context, st *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(st); err != nil {
		return err
	}
	s.putState(st)
	return nil
}

func (s *InMemoryStore) checkVersion(st *models.ConversationState) error {
	var current int64
	if existing, ok := s.states[st.CacheKey()]; ok {
		current = existing.Version
	}
	if current != st.Version {
		slog.Debug("InMemoryStore.SaveState: version conflict", "key", st.CacheKey(), "stored", current, "given", st.Version)
		return ErrConflict
	}
	return nil
}

func (s *InMemoryStore) putState(st *models.ConversationState) {
	now := time.Now()
	if _, ok := s.states[st.CacheKey()]; !ok && st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	st.Version++
	s.states[st.CacheKey()] = st.Clone()
}

func (s *InMemoryStore) ListStates(ctx context.Context, sessionID string) ([]models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationState
	for _, st := range s.states {
		if st.SessionID == sessionID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out, nil
}

func (s *InMemoryStore) AddMessage(ctx context.Context, m models.MessageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.RequestID]; ok {
		return false, nil
	}
	s.putMessage(m)
	return true, nil
}

func (s *InMemoryStore) putMessage(m models.MessageRecord) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.RequestID] = m
}

// CommitTurn validates every write before applying any of them.
func (s *InMemoryStore) CommitTurn(ctx context.Context, t Turn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[t.Message.RequestID]; ok {
		return false, nil
	}
	if _, ok := s.sessions[t.Session.ID]; !ok {
		return false, ErrNotFound
	}
	for _, st := range t.States {
		if err := s.checkVersion(st); err != nil {
			return false, err
		}
	}
	for _, st := range t.States {
		s.putState(st)
	}
	s.sessions[t.Session.ID] = t.Session
	s.putMessage(t.Message)
	slog.Debug("InMemoryStore.CommitTurn succeeded", "sessionID", t.Session.ID, "requestID", t.Message.RequestID, "states", len(t.States))
	return true, nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, requestID string) (models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[requestID]
	if !ok {
		return models.MessageRecord{}, ErrNotFound
	}
	return m, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, sessionID string) ([]models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MessageRecord
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) NextSequence(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

func (s *InMemoryStore) AddRisk(ctx context.Context, r models.StoredRisk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.AnalysisID + "|" + r.Risk.RuleID
	if _, ok := s.risks[key]; ok {
		return false, nil
	}
	s.risks[key] = r
	return true, nil
}

func (s *InMemoryStore) ListRisks(ctx context.Context, analysisID string) ([]models.StoredRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StoredRisk
	for _, r := range s.risks {
		if r.AnalysisID == analysisID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Risk.RuleID < out[j].Risk.RuleID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mapagov/helena/internal/models"
)

// Opts holds configuration for the SQL-backed stores.
type Opts struct {
	DSN  string
	Type string // "sqlite" or "postgres"
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend at the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "sqlite"
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite" for anything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open builds the store selected by opts, falling back to memory when no
// DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	switch cfg.Type {
	case "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func marshalFields(f models.Fields) (string, error) {
	if f == nil {
		f = models.Fields{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalFields(s string) (models.Fields, error) {
	f := models.Fields{}
	if s == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	return f, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var status string
	var concludedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.CurrentProduct, &status, &s.CreatedAt, &s.UpdatedAt, &concludedAt); err != nil {
		return s, err
	}
	s.Status = models.SessionStatus(status)
	if concludedAt.Valid {
		t := concludedAt.Time
		s.ConcludedAt = &t
	}
	return s, nil
}

func scanState(row rowScanner) (models.ConversationState, error) {
	var st models.ConversationState
	var collected, temp string
	if err := row.Scan(&st.SessionID, &st.Product, &st.CurrentState, &collected, &temp, &st.Version, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, err
	}
	var err error
	if st.Collected, err = unmarshalFields(collected); err != nil {
		return st, fmt.Errorf("failed to decode collected fields: %w", err)
	}
	if st.Temp, err = unmarshalFields(temp); err != nil {
		return st, fmt.Errorf("failed to decode temp fields: %w", err)
	}
	return st, nil
}

func scanMessage(row rowScanner) (models.MessageRecord, error) {
	var m models.MessageRecord
	var response string
	if err := row.Scan(&m.RequestID, &m.SessionID, &m.Product, &m.UserMessage, &m.ResponseText, &response, &m.CreatedAt); err != nil {
		return m, err
	}
	if response != "" {
		if err := json.Unmarshal([]byte(response), &m.Response); err != nil {
			return m, fmt.Errorf("failed to decode stored response: %w", err)
		}
	}
	return m, nil
}

func scanRisk(row rowScanner) (models.StoredRisk, error) {
	var r models.StoredRisk
	var triggers string
	var category, confidence string
	if err := row.Scan(&r.AnalysisID, &r.Risk.RuleID, &r.Risk.Title, &category, &r.Risk.SourceBlock,
		&confidence, &r.Risk.Justification, &triggers, &r.CreatedAt); err != nil {
		return r, err
	}
	r.Risk.Category = models.RiskCategory(category)
	r.Risk.Confidence = models.Confidence(confidence)
	if triggers != "" {
		if err := json.Unmarshal([]byte(triggers), &r.Risk.Triggers); err != nil {
			return r, fmt.Errorf("failed to decode risk triggers: %w", err)
		}
	}
	return r, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// pendingStates copies states so a rolled-back transaction leaves the
// caller's versions untouched.
func pendingStates(states []*models.ConversationState) []*models.ConversationState {
	out := make([]*models.ConversationState, len(states))
	for i, st := range states {
		c := st.Clone()
		out[i] = &c
	}
	return out
}

// adoptStates copies the committed bookkeeping back to the caller.
func adoptStates(dst, committed []*models.ConversationState) {
	for i, st := range committed {
		dst[i].Version = st.Version
		dst[i].CreatedAt = st.CreatedAt
		dst[i].UpdatedAt = st.UpdatedAt
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/mapagov/helena/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PostgreSQL error classes that indicate a lost race.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "dsn_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("PostgresStore.NewPostgresStore: running migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

// pgConflict maps serialization failures and lock timeouts onto ErrConflict.
func pgConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func (s *PostgresStore) GetOrCreateSession(ctx context.Context, sess models.Session) (models.Session, bool, error) {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, current_product, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.UserID, sess.CurrentProduct, string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.GetOrCreateSession: insert failed", "error", err, "sessionID", sess.ID)
		return models.Session{}, false, fmt.Errorf("failed to create session %s: %w", sess.ID, pgConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Session{}, false, fmt.Errorf("session rows affected check failed: %w", err)
	}
	stored, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		return models.Session{}, false, err
	}
	slog.Debug("PostgresStore.GetOrCreateSession succeeded", "sessionID", sess.ID, "created", n > 0)
	return stored, n > 0, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, current_product, status, created_at, updated_at, concluded_at FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "sessionID", id)
		return models.Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess models.Session) error {
	return s.updateSession(ctx, s.db, sess)
}

func (s *PostgresStore) updateSession(ctx context.Context, ex execer, sess models.Session) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE sessions SET user_id = $1, current_product = $2, status = $3, updated_at = $4, concluded_at = $5 WHERE id = $6`,
		sess.UserID, sess.CurrentProduct, string(sess.Status), sess.UpdatedAt, sess.ConcludedAt, sess.ID)
	if err != nil {
		slog.Error("PostgresStore.UpdateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, pgConflict(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.Debug("PostgresStore.UpdateSession succeeded", "sessionID", sess.ID, "product", sess.CurrentProduct, "status", sess.Status)
	return nil
}

func (s *PostgresStore) GetState(ctx context.Context, sessionID, product string) (models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, product, current_state, collected_fields, temp_fields, version, created_at, updated_at
		 FROM conversation_states WHERE session_id = $1 AND product = $2`, sessionID, product)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetState not found", "sessionID", sessionID, "product", product)
		return models.ConversationState{}, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetState failed", "error", err, "sessionID", sessionID, "product", product)
		return models.ConversationState{}, fmt.Errorf("failed to load state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, st *models.ConversationState) error {
	return s.saveState(ctx, s.db, st)
}

func (s *PostgresStore) saveState(ctx context.Context, ex execer, st *models.ConversationState) error {
	collected, err := marshalFields(st.Collected)
	if err != nil {
		return fmt.Errorf("failed to encode collected fields: %w", err)
	}
	temp, err := marshalFields(st.Temp)
	if err != nil {
		return fmt.Errorf("failed to encode temp fields: %w", err)
	}
	now := time.Now()

	var res sql.Result
	if st.Version == 0 {
		created := st.CreatedAt
		if created.IsZero() {
			created = now
		}
		res, err = ex.ExecContext(ctx,
			`INSERT INTO conversation_states (session_id, product, current_state, collected_fields, temp_fields, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 1, $6, $7) ON CONFLICT (session_id, product) DO NOTHING`,
			st.SessionID, st.Product, st.CurrentState, collected, temp, created, now)
		st.CreatedAt = created
	} else {
		res, err = ex.ExecContext(ctx,
			`UPDATE conversation_states SET current_state = $1, collected_fields = $2, temp_fields = $3, version = version + 1, updated_at = $4
			 WHERE session_id = $5 AND product = $6 AND version = $7`,
			st.CurrentState, collected, temp, now, st.SessionID, st.Product, st.Version)
	}
	if err != nil {
		slog.Error("PostgresStore.SaveState failed", "error", err, "sessionID", st.SessionID, "product", st.Product)
		return fmt.Errorf("failed to save state: %w", pgConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Warn("PostgresStore.SaveState: version conflict", "sessionID", st.SessionID, "product", st.Product, "version", st.Version)
		return ErrConflict
	}
	st.Version++
	st.UpdatedAt = now
	slog.Debug("PostgresStore.SaveState succeeded", "sessionID", st.SessionID, "product", st.Product, "state", st.CurrentState, "version", st.Version)
	return nil
}

func (s *PostgresStore) ListStates(ctx context.Context, sessionID string) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, product, current_state, collected_fields, temp_fields, version, created_at, updated_at
		 FROM conversation_states WHERE session_id = $1 ORDER BY product`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.ListStates query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()
	var out []models.ConversationState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, m models.MessageRecord) (bool, error) {
	return s.addMessage(ctx, s.db, m)
}

func (s *PostgresStore) addMessage(ctx context.Context, ex execer, m models.MessageRecord) (bool, error) {
	response, err := json.Marshal(m.Response)
	if err != nil {
		return false, fmt.Errorf("failed to encode response: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO messages (request_id, session_id, product, user_message, response_text, response_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (request_id) DO NOTHING`,
		m.RequestID, m.SessionID, m.Product, m.UserMessage, m.ResponseText, string(response), m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddMessage failed", "error", err, "requestID", m.RequestID)
		return false, fmt.Errorf("failed to store message %s: %w", m.RequestID, pgConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected check failed: %w", err)
	}
	slog.Debug("PostgresStore.AddMessage", "requestID", m.RequestID, "sessionID", m.SessionID, "inserted", n > 0)
	return n > 0, nil
}

// CommitTurn writes the message, states and session of one turn in a
// single transaction. The message insert goes first so a request id that
// is already logged aborts before any state changes.
func (s *PostgresStore) CommitTurn(ctx context.Context, t Turn) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin turn transaction: %w", pgConflict(err))
	}
	defer tx.Rollback()

	added, err := s.addMessage(ctx, tx, t.Message)
	if err != nil || !added {
		return false, err
	}
	pending := pendingStates(t.States)
	for _, st := range pending {
		if err := s.saveState(ctx, tx, st); err != nil {
			return false, err
		}
	}
	if err := s.updateSession(ctx, tx, t.Session); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore.CommitTurn: commit failed", "error", err, "sessionID", t.Session.ID, "requestID", t.Message.RequestID)
		return false, fmt.Errorf("failed to commit turn %s: %w", t.Message.RequestID, pgConflict(err))
	}
	adoptStates(t.States, pending)
	slog.Debug("PostgresStore.CommitTurn succeeded", "sessionID", t.Session.ID, "requestID", t.Message.RequestID, "states", len(t.States))
	return true, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, requestID string) (models.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, session_id, product, user_message, response_text, response_json, created_at
		 FROM messages WHERE request_id = $1`, requestID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return models.MessageRecord{}, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetMessage failed", "error", err, "requestID", requestID)
		return models.MessageRecord{}, fmt.Errorf("failed to load message %s: %w", requestID, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]models.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, session_id, product, user_message, response_text, response_json, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.ListMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var out []models.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

// NextSequence reads the counter under a row lock and writes the
// increment in the same transaction.
func (s *PostgresStore) NextSequence(ctx context.Context, key string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin counter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sequence_counters (key, value) VALUES ($1, 0) ON CONFLICT (key) DO NOTHING`, key); err != nil {
		return 0, fmt.Errorf("failed to seed counter %s: %w", key, pgConflict(err))
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM sequence_counters WHERE key = $1 FOR UPDATE`, key).Scan(&current); err != nil {
		slog.Warn("PostgresStore.NextSequence: lock failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to lock counter %s: %w", key, pgConflict(err))
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE sequence_counters SET value = $1 WHERE key = $2`, next, key); err != nil {
		return 0, fmt.Errorf("failed to update counter %s: %w", key, pgConflict(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter %s: %w", key, pgConflict(err))
	}
	slog.Debug("PostgresStore.NextSequence succeeded", "key", key, "value", next)
	return next, nil
}

func (s *PostgresStore) AddRisk(ctx context.Context, r models.StoredRisk) (bool, error) {
	triggers, err := json.Marshal(r.Risk.Triggers)
	if err != nil {
		return false, fmt.Errorf("failed to encode triggers: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inferred_risks (analysis_id, rule_id, title, category, source_block, confidence, justification, triggers, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (analysis_id, rule_id) DO NOTHING`,
		r.AnalysisID, r.Risk.RuleID, r.Risk.Title, string(r.Risk.Category), r.Risk.SourceBlock,
		string(r.Risk.Confidence), r.Risk.Justification, string(triggers), r.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AddRisk failed", "error", err, "analysisID", r.AnalysisID, "ruleID", r.Risk.RuleID)
		return false, fmt.Errorf("failed to store risk: %w", pgConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("risk rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListRisks(ctx context.Context, analysisID string) ([]models.StoredRisk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT analysis_id, rule_id, title, category, source_block, confidence, justification, triggers, created_at
		 FROM inferred_risks WHERE analysis_id = $1 ORDER BY rule_id`, analysisID)
	if err != nil {
		slog.Error("PostgresStore.ListRisks query failed", "error", err, "analysisID", analysisID)
		return nil, fmt.Errorf("failed to query risks: %w", err)
	}
	defer rows.Close()
	var out []models.StoredRisk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk rows: %w", err)
	}
	return out, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("PostgresStore.Close: failed to close database", "error", err)
	}
	return err
}

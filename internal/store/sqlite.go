package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"

	"github.com/mapagov/helena/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams makes writers wait on locks and take the write lock
	// when a transaction begins.
	sqliteDSNParams = "_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
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
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "dsn_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLiteStore.NewSQLiteStore: database directory verified", "dir", dir)
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// One connection serializes writers inside the process and keeps
	// ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("SQLiteStore.NewSQLiteStore: running migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied")

	return &SQLiteStore{db: db}, nil
}

// sqliteConflict maps lock contention onto ErrConflict.
func sqliteConflict(err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && (sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sess models.Session) (models.Session, bool, error) {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, current_product, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.UserID, sess.CurrentProduct, string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.GetOrCreateSession: insert failed", "error", err, "sessionID", sess.ID)
		return models.Session{}, false, fmt.Errorf("failed to create session %s: %w", sess.ID, sqliteConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Session{}, false, fmt.Errorf("session rows affected check failed: %w", err)
	}
	stored, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		return models.Session{}, false, err
	}
	slog.Debug("SQLiteStore.GetOrCreateSession succeeded", "sessionID", sess.ID, "created", n > 0)
	return stored, n > 0, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, current_product, status, created_at, updated_at, concluded_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "sessionID", id)
		return models.Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess models.Session) error {
	return s.updateSession(ctx, s.db, sess)
}

func (s *SQLiteStore) updateSession(ctx context.Context, ex execer, sess models.Session) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE sessions SET user_id = ?, current_product = ?, status = ?, updated_at = ?, concluded_at = ? WHERE id = ?`,
		sess.UserID, sess.CurrentProduct, string(sess.Status), sess.UpdatedAt, sess.ConcludedAt, sess.ID)
	if err != nil {
		slog.Error("SQLiteStore.UpdateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, sqliteConflict(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.Debug("SQLiteStore.UpdateSession succeeded", "sessionID", sess.ID, "product", sess.CurrentProduct, "status", sess.Status)
	return nil
}

func (s *SQLiteStore) GetState(ctx context.Context, sessionID, product string) (models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, product, current_state, collected_fields, temp_fields, version, created_at, updated_at
		 FROM conversation_states WHERE session_id = ? AND product = ?`, sessionID, product)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetState not found", "sessionID", sessionID, "product", product)
		return models.ConversationState{}, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetState failed", "error", err, "sessionID", sessionID, "product", product)
		return models.ConversationState{}, fmt.Errorf("failed to load state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, st *models.ConversationState) error {
	return s.saveState(ctx, s.db, st)
}

func (s *SQLiteStore) saveState(ctx context.Context, ex execer, st *models.ConversationState) error {
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
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?) ON CONFLICT(session_id, product) DO NOTHING`,
			st.SessionID, st.Product, st.CurrentState, collected, temp, created, now)
		st.CreatedAt = created
	} else {
		res, err = ex.ExecContext(ctx,
			`UPDATE conversation_states SET current_state = ?, collected_fields = ?, temp_fields = ?, version = version + 1, updated_at = ?
			 WHERE session_id = ? AND product = ? AND version = ?`,
			st.CurrentState, collected, temp, now, st.SessionID, st.Product, st.Version)
	}
	if err != nil {
		slog.Error("SQLiteStore.SaveState failed", "error", err, "sessionID", st.SessionID, "product", st.Product)
		return fmt.Errorf("failed to save state: %w", sqliteConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Warn("SQLiteStore.SaveState: version conflict", "sessionID", st.SessionID, "product", st.Product, "version", st.Version)
		return ErrConflict
	}
	st.Version++
	st.UpdatedAt = now
	slog.Debug("SQLiteStore.SaveState succeeded", "sessionID", st.SessionID, "product", st.Product, "state", st.CurrentState, "version", st.Version)
	return nil
}

func (s *SQLiteStore) ListStates(ctx context.Context, sessionID string) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, product, current_state, collected_fields, temp_fields, version, created_at, updated_at
		 FROM conversation_states WHERE session_id = ? ORDER BY product`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.ListStates query failed", "error", err, "sessionID", sessionID)
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

func (s *SQLiteStore) AddMessage(ctx context.Context, m models.MessageRecord) (bool, error) {
	return s.addMessage(ctx, s.db, m)
}

func (s *SQLiteStore) addMessage(ctx context.Context, ex execer, m models.MessageRecord) (bool, error) {
	response, err := json.Marshal(m.Response)
	if err != nil {
		return false, fmt.Errorf("failed to encode response: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO messages (request_id, session_id, product, user_message, response_text, response_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(request_id) DO NOTHING`,
		m.RequestID, m.SessionID, m.Product, m.UserMessage, m.ResponseText, string(response), m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddMessage failed", "error", err, "requestID", m.RequestID)
		return false, fmt.Errorf("failed to store message %s: %w", m.RequestID, sqliteConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected check failed: %w", err)
	}
	slog.Debug("SQLiteStore.AddMessage", "requestID", m.RequestID, "sessionID", m.SessionID, "inserted", n > 0)
	return n > 0, nil
}

// CommitTurn writes the message, states and session of one turn in a
// single transaction. The message insert goes first so a request id that
// is already logged aborts before any state changes.
// The immediate transaction lock serializes turns across processes.
func (s *SQLiteStore) CommitTurn(ctx context.Context, t Turn) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin turn transaction: %w", sqliteConflict(err))
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
		slog.Error("SQLiteStore.CommitTurn: commit failed", "error", err, "sessionID", t.Session.ID, "requestID", t.Message.RequestID)
		return false, fmt.Errorf("failed to commit turn %s: %w", t.Message.RequestID, sqliteConflict(err))
	}
	adoptStates(t.States, pending)
	slog.Debug("SQLiteStore.CommitTurn succeeded", "sessionID", t.Session.ID, "requestID", t.Message.RequestID, "states", len(t.States))
	return true, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, requestID string) (models.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, session_id, product, user_message, response_text, response_json, created_at
		 FROM messages WHERE request_id = ?`, requestID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return models.MessageRecord{}, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetMessage failed", "error", err, "requestID", requestID)
		return models.MessageRecord{}, fmt.Errorf("failed to load message %s: %w", requestID, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]models.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, session_id, product, user_message, response_text, response_json, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.ListMessages query failed", "error", err, "sessionID", sessionID)
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

// NextSequence increments the counter inside an immediate transaction, so
// the read and the write happen under the database write lock.
func (s *SQLiteStore) NextSequence(ctx context.Context, key string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin counter transaction: %w", sqliteConflict(err))
	}
	defer tx.Rollback()

	var value int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO sequence_counters (key, value) VALUES (?, 1)
		 ON CONFLICT(key) DO UPDATE SET value = value + 1 RETURNING value`, key).Scan(&value)
	if err != nil {
		slog.Warn("SQLiteStore.NextSequence: increment failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, sqliteConflict(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter %s: %w", key, sqliteConflict(err))
	}
	slog.Debug("SQLiteStore.NextSequence succeeded", "key", key, "value", value)
	return value, nil
}

func (s *SQLiteStore) AddRisk(ctx context.Context, r models.StoredRisk) (bool, error) {
	triggers, err := json.Marshal(r.Risk.Triggers)
	if err != nil {
		return false, fmt.Errorf("failed to encode triggers: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inferred_risks (analysis_id, rule_id, title, category, source_block, confidence, justification, triggers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(analysis_id, rule_id) DO NOTHING`,
		r.AnalysisID, r.Risk.RuleID, r.Risk.Title, string(r.Risk.Category), r.Risk.SourceBlock,
		string(r.Risk.Confidence), r.Risk.Justification, string(triggers), r.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AddRisk failed", "error", err, "analysisID", r.AnalysisID, "ruleID", r.Risk.RuleID)
		return false, fmt.Errorf("failed to store risk: %w", sqliteConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("risk rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListRisks(ctx context.Context, analysisID string) ([]models.StoredRisk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT analysis_id, rule_id, title, category, source_block, confidence, justification, triggers, created_at
		 FROM inferred_risks WHERE analysis_id = ? ORDER BY rule_id`, analysisID)
	if err != nil {
		slog.Error("SQLiteStore.ListRisks query failed", "error", err, "analysisID", analysisID)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("SQLiteStore.Close: failed to close database", "error", err)
	}
	return err
}

// Package queue is the durable write queue. Entries survive process
// restarts and are removed only after the synchronization engine has
// confirmed remote acceptance and purged them.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// DefaultEntryType is used when Enqueue is called without a type.
const DefaultEntryType = "generic"

// Entry is one persisted write.
type Entry struct {
	ID             int64           `json:"id"`
	ClientRef      string          `json:"clientRef"`
	EntryType      string          `json:"entryType"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Synced         bool            `json:"synced"`
	AttemptCount   int             `json:"attemptCount"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	DeadLetteredAt *time.Time      `json:"deadLetteredAt,omitempty"`
}

// Stats summarizes the store contents.
type Stats struct {
	Pending      int `json:"pending"`
	DeadLettered int `json:"deadLettered"`
	Synced       int `json:"synced"`
}

// Registrar asks the platform to reconcile the queue later. Enqueue calls it
// after every commit; errors are logged and never fail the enqueue.
type Registrar interface {
	Register(ctx context.Context) error
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(ctx context.Context) error

func (f RegistrarFunc) Register(ctx context.Context) error { return f(ctx) }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.With("component", "queue")
		}
	}
}

// WithClock overrides the clock used for enqueue timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRegistrar installs the background reconciliation hook.
func WithRegistrar(r Registrar) Option {
	return func(s *Store) { s.registrar = r }
}

// WithChangeHook is called with the pending count after every mutation.
func WithChangeHook(fn func(pending int)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store is a SQLite-backed queue. It is opened lazily on first use and
// stays open until Close.
type Store struct {
	path      string
	logger    *slog.Logger
	clock     clockwork.Clock
	registrar Registrar
	onChange  func(pending int)

	mu sync.Mutex // guards db
	db *sql.DB
}

// New returns a Store for the database file at path. No I/O happens until
// Initialize or the first operation.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default().With("component", "queue"),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Initialize opens the database and creates the schema if needed.
// Concurrent and repeated calls are safe; only the first does any work.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := open(ctx, s.path)
	if err != nil {
		s.logger.Error("queue storage unavailable", "path", s.path, "error", err)
		return nil, &OpenError{Path: s.path, Err: err}
	}
	s.db = db
	s.logger.Debug("queue store opened", "path", s.path)
	return db, nil
}

func open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer per store
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			client_ref       TEXT NOT NULL UNIQUE,
			entry_type       TEXT NOT NULL,
			payload          BLOB NOT NULL,
			enqueued_at      INTEGER NOT NULL,
			synced           INTEGER NOT NULL DEFAULT 0,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			last_attempt_at  INTEGER,
			last_error       TEXT NOT NULL DEFAULT '',
			dead_lettered_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_enqueued_at ON queue_entries(enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_synced ON queue_entries(synced)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entry_type ON queue_entries(entry_type)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close releases the database. A later operation reopens it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Enqueue persists payload as a new unsynced entry and returns its id.
// It returns only after the insert is committed.
func (s *Store) Enqueue(ctx context.Context, payload json.RawMessage, entryType string) (int64, error) {
	if !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}
	if entryType == "" {
		entryType = DefaultEntryType
	}

	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO queue_entries(client_ref, entry_type, payload, enqueued_at) VALUES(?, ?, ?, ?)`,
		uuid.NewString(), entryType, []byte(payload), s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return 0, opErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, opErr("enqueue", err)
	}

	s.logger.Info("entry queued", "id", id, "entry_type", entryType)

	if s.registrar != nil {
		if err := s.registrar.Register(ctx); err != nil {
			s.logger.Warn("background sync registration failed", "id", id, "error", err)
		}
	}
	s.changed(ctx)

	return id, nil
}

const selectEntry = `SELECT id, client_ref, entry_type, payload, enqueued_at, synced,
	attempt_count, last_attempt_at, last_error, dead_lettered_at FROM queue_entries`

// ListPending returns unsynced, live entries in insertion order.
// An empty entryType matches every type.
func (s *Store) ListPending(ctx context.Context, entryType string) ([]Entry, error) {
	query := selectEntry + ` WHERE synced = 0 AND dead_lettered_at IS NULL`
	var args []any
	if entryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, entryType)
	}
	query += ` ORDER BY id`
	return s.list(ctx, "list pending", query, args...)
}

// ListDeadLettered returns entries that exhausted their attempt budget.
func (s *Store) ListDeadLettered(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, "list dead-lettered",
		selectEntry+` WHERE dead_lettered_at IS NOT NULL AND synced = 0 ORDER BY id`)
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]Entry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, opErr(op, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, opErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(op, err)
	}
	return out, nil
}

// Get loads a single entry.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return Entry{}, err
	}
	e, err := scanEntry(db.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("get %d: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return Entry{}, opErr("get", err)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e            Entry
		payload      []byte
		enqueuedAt   int64
		synced       int
		lastAttempt  sql.NullInt64
		deadLettered sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.ClientRef, &e.EntryType, &payload, &enqueuedAt, &synced,
		&e.AttemptCount, &lastAttempt, &e.LastError, &deadLettered); err != nil {
		return Entry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.EnqueuedAt = time.UnixMilli(enqueuedAt)
	e.Synced = synced != 0
	e.LastAttemptAt = millisPtr(lastAttempt)
	e.DeadLetteredAt = millisPtr(deadLettered)
	return e, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// MarkSynced flags an entry as accepted remotely. Marking an already synced
// entry is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	if err := s.update(ctx, "mark synced", id, `UPDATE queue_entries SET synced = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

// RecordAttempt bumps the attempt counter and stamps the attempt time.
// It returns the new attempt count.
func (s *Store) RecordAttempt(ctx context.Context, id int64, at time.Time) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, opErr("record attempt", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE queue_entries SET attempt_count = attempt_count + 1, last_attempt_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return 0, opErr("record attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("record attempt %d: %w", id, ErrEntryNotFound)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT attempt_count FROM queue_entries WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, opErr("record attempt", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, opErr("record attempt", err)
	}
	return count, nil
}

// RecordFailure keeps the last submission error for inspection.
func (s *Store) RecordFailure(ctx context.Context, id int64, reason string) error {
	return s.update(ctx, "record failure", id,
		`UPDATE queue_entries SET last_error = ? WHERE id = ?`, reason, id)
}

// DeadLetter removes an entry from the pending set without deleting it.
func (s *Store) DeadLetter(ctx context.Context, id int64, reason string) error {
	err := s.update(ctx, "dead letter", id,
		`UPDATE queue_entries SET dead_lettered_at = ?, last_error = ? WHERE id = ?`,
		s.clock.Now().UnixMilli(), reason, id)
	if err != nil {
		return err
	}
	s.logger.Warn("entry dead-lettered", "id", id, "reason", reason)
	s.changed(ctx)
	return nil
}

// Requeue returns a dead-lettered entry to the pending set. Its attempt
// count is kept.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	err := s.update(ctx, "requeue", id,
		`UPDATE queue_entries SET dead_lettered_at = NULL WHERE id = ? AND synced = 0`, id)
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

func (s *Store) update(ctx context.Context, op string, id int64, query string, args ...any) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return opErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return opErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrEntryNotFound)
	}
	return nil
}

// PurgeSynced deletes every synced entry and returns how many were removed.
// Unsynced entries are never touched.
func (s *Store) PurgeSynced(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM queue_entries WHERE synced = 1`)
	if err != nil {
		return 0, opErr("purge synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, opErr("purge synced", err)
	}
	if n > 0 {
		s.logger.Debug("purged synced entries", "count", n)
		s.changed(ctx)
	}
	return n, nil
}

// Count returns the number of pending entries, optionally for one type.
func (s *Store) Count(ctx context.Context, entryType string) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM queue_entries WHERE synced = 0 AND dead_lettered_at IS NULL`
	var args []any
	if entryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, entryType)
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, opErr("count", err)
	}
	return n, nil
}

// Stats counts entries by state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	err = db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN synced = 0 AND dead_lettered_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 0 AND dead_lettered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0)
		FROM queue_entries`).Scan(&st.Pending, &st.DeadLettered, &st.Synced)
	if err != nil {
		return Stats{}, opErr("stats", err)
	}
	return st, nil
}

// Clear deletes every entry, synced or not.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
		return opErr("clear", err)
	}
	s.logger.Info("queue cleared")
	s.changed(ctx)
	return nil
}

func (s *Store) changed(ctx context.Context) {
	if s.onChange == nil {
		return
	}
	n, err := s.Count(ctx, "")
	if err != nil {
		s.logger.Warn("count after change failed", "error", err)
		return
	}
	s.onChange(n)
}

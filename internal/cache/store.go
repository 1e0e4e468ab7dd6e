// Package cache keeps the last successful response for GET requests so
// reads can be answered while the backend is unreachable.
//
// Records live in named partitions. Each configuration generation owns an
// "api" partition for critical endpoints and a "runtime" partition for
// everything else; partitions from older generations are swept by
// ClearStale. A store that cannot be opened behaves as permanently empty.
package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned by mutating calls when the store could not be opened.
var ErrUnavailable = errors.New("cache: store unavailable")

// Record is a cached response.
type Record struct {
	Key         string    `json:"key"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"-"`
	StoredAt    time.Time `json:"storedAt"`
}

// Key builds the request identity used for GET records.
func Key(path, rawQuery string) string {
	if rawQuery == "" {
		return "GET " + path
	}
	return "GET " + path + "?" + rawQuery
}

// Generation names the partitions for one cache version.
type Generation string

// API is the partition for critical endpoints.
func (g Generation) API() string { return "fieldsync-api-" + string(g) }

// Runtime is the partition for other GET responses.
func (g Generation) Runtime() string { return "fieldsync-runtime-" + string(g) }

// Owns reports whether partition belongs to this generation.
func (g Generation) Owns(partition string) bool {
	return partition == g.API() || partition == g.Runtime()
}

// Store is a SQLite-backed response cache.
type Store struct {
	path   string
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	db      *sql.DB
	openErr error
}

// New returns a cache store for the file at path. It is opened lazily.
func New(path string, logger *slog.Logger, clock clockwork.Clock) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "cache"),
		clock:  clock,
	}
}

// Initialize opens the store. A failure is remembered: later calls degrade
// to misses until Initialize succeeds.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = nil
	_, err := s.openLocked(ctx)
	return err
}

func (s *Store) conn(ctx context.Context) *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil
	}
	db, err := s.openLocked(ctx)
	if err != nil {
		return nil
	}
	return db
}

func (s *Store) openLocked(ctx context.Context) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	db, err := open(ctx, s.path)
	if err != nil {
		s.openErr = err
		s.logger.Warn("cache unavailable, serving misses", "path", s.path, "error", err)
		return nil, fmt.Errorf("cache: open %s: %w", s.path, err)
	}
	s.db = db
	return db, nil
}

func open(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS cache_records (
			partition    TEXT NOT NULL,
			key          TEXT NOT NULL,
			status       INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			body         BLOB,
			digest       BLOB NOT NULL,
			stored_at    INTEGER NOT NULL,
			PRIMARY KEY (partition, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return db, nil
}

// Close releases the database.
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

func digest(body []byte) []byte {
	sum := blake2b.Sum256(body)
	return sum[:]
}

// Put stores rec under partition, replacing any previous record.
func (s *Store) Put(ctx context.Context, partition string, rec Record) error {
	db := s.conn(ctx)
	if db == nil {
		return ErrUnavailable
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = s.clock.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO cache_records(partition, key, status, content_type, body, digest, stored_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition, key) DO UPDATE SET
		   status = excluded.status,
		   content_type = excluded.content_type,
		   body = excluded.body,
		   digest = excluded.digest,
		   stored_at = excluded.stored_at`,
		partition, rec.Key, rec.Status, rec.ContentType, rec.Body, digest(rec.Body), rec.StoredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", rec.Key, err)
	}
	return nil
}

// Get returns the record for key. Any failure, including a record whose
// body no longer matches its digest, is reported as a miss.
func (s *Store) Get(ctx context.Context, partition, key string) (Record, bool) {
	db := s.conn(ctx)
	if db == nil {
		return Record{}, false
	}

	var (
		rec      = Record{Key: key}
		sum      []byte
		storedAt int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT status, content_type, body, digest, stored_at FROM cache_records WHERE partition = ? AND key = ?`,
		partition, key,
	).Scan(&rec.Status, &rec.ContentType, &rec.Body, &sum, &storedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return Record{}, false
	}
	if !bytes.Equal(sum, digest(rec.Body)) {
		s.logger.Warn("cache record corrupt, ignoring", "partition", partition, "key", key)
		return Record{}, false
	}
	rec.StoredAt = time.UnixMilli(storedAt)
	return rec, true
}

// Lookup tries each partition in order and returns the first hit with the
// partition it came from.
func (s *Store) Lookup(ctx context.Context, key string, partitions ...string) (Record, string, bool) {
	for _, p := range partitions {
		if rec, ok := s.Get(ctx, p, key); ok {
			return rec, p, true
		}
	}
	return Record{}, "", false
}

// Has reports whether a valid record exists for key.
func (s *Store) Has(ctx context.Context, partition, key string) bool {
	_, ok := s.Get(ctx, partition, key)
	return ok
}

// Status reports, for each key, whether it is cached in partition.
func (s *Store) Status(ctx context.Context, partition string, keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = s.Has(ctx, partition, k)
	}
	return out
}

// ClearStale drops every partition for which isCurrent is false and returns
// the names removed.
func (s *Store) ClearStale(ctx context.Context, isCurrent func(partition string) bool) ([]string, error) {
	db := s.conn(ctx)
	if db == nil {
		return nil, nil
	}

	partitions, err := s.partitions(ctx, db)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, p := range partitions {
		if isCurrent(p) {
			continue
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM cache_records WHERE partition = ?`, p); err != nil {
			return removed, fmt.Errorf("cache: clear partition %s: %w", p, err)
		}
		s.logger.Info("removed stale cache partition", "partition", p)
		removed = append(removed, p)
	}
	return removed, nil
}

// Partitions lists the partitions that currently hold records.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	db := s.conn(ctx)
	if db == nil {
		return nil, nil
	}
	return s.partitions(ctx, db)
}

func (s *Store) partitions(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT partition FROM cache_records ORDER BY partition`)
	if err != nil {
		return nil, fmt.Errorf("cache: list partitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("cache: list partitions: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

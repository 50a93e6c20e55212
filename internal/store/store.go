// Package store is the embedded relational datastore behind the pipeline.
// It is the single shared mutable resource: all writers use short
// transactions and never hold one open across a network call.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newspipe/internal/logger"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// ErrContention reports write contention that outlived the retry budget.
var ErrContention = errors.New("store contention")

const (
	txRetries    = 5
	txRetryDelay = 50 * time.Millisecond
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single conn avoids self-inflicted locking.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only queries in tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id              TEXT PRIMARY KEY,
		url             TEXT NOT NULL,
		normalized_url  TEXT NOT NULL UNIQUE,
		title           TEXT NOT NULL,
		source          TEXT NOT NULL,
		source_lang     TEXT NOT NULL DEFAULT '',
		published_at    TIMESTAMP,
		discovered_at   TIMESTAMP NOT NULL,
		content_hash    TEXT NOT NULL,
		stage           TEXT NOT NULL,
		run_id          TEXT,
		unresolved      INTEGER NOT NULL DEFAULT 0,
		failure_reason  TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_items_stage ON items(stage);
	CREATE INDEX IF NOT EXISTS idx_items_run ON items(run_id);
	CREATE INDEX IF NOT EXISTS idx_items_title ON items(title);
	CREATE INDEX IF NOT EXISTS idx_items_url ON items(url);

	CREATE TABLE IF NOT EXISTS cluster_assignments (
		cluster_id  TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		is_primary  INTEGER NOT NULL,
		similarity  REAL NOT NULL,
		PRIMARY KEY (cluster_id, item_id)
	);
	CREATE INDEX IF NOT EXISTS idx_cluster_item ON cluster_assignments(item_id);

	CREATE TABLE IF NOT EXISTS triage_results (
		item_id       TEXT NOT NULL,
		topic         TEXT NOT NULL,
		is_match      INTEGER NOT NULL,
		confidence    REAL NOT NULL,
		kept          INTEGER NOT NULL DEFAULT 0,
		reason        TEXT NOT NULL,
		model_version TEXT NOT NULL,
		triaged_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (item_id, topic)
	);

	CREATE TABLE IF NOT EXISTS articles (
		item_id      TEXT PRIMARY KEY,
		text         TEXT NOT NULL,
		summary      TEXT NOT NULL DEFAULT '',
		method       TEXT NOT NULL,
		extracted_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id           TEXT PRIMARY KEY,
		stage            TEXT NOT NULL,
		status           TEXT NOT NULL,
		started_at       TIMESTAMP NOT NULL,
		completed_at     TIMESTAMP,
		items_discovered INTEGER NOT NULL DEFAULT 0,
		items_matched    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS digests (
		topic           TEXT NOT NULL,
		day             TEXT NOT NULL,
		item_ids        TEXT NOT NULL,
		narrative       TEXT NOT NULL DEFAULT '',
		sources         TEXT NOT NULL DEFAULT '[]',
		duplicate_count INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL,
		generated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (topic, day)
	);

	CREATE TABLE IF NOT EXISTS embedding_cache (
		text_hash TEXT NOT NULL,
		model     TEXT NOT NULL,
		vector    BLOB NOT NULL,
		cached_at TIMESTAMP NOT NULL,
		PRIMARY KEY (text_hash, model)
	);

	CREATE TABLE IF NOT EXISTS resolver_failures (
		domain     TEXT PRIMARY KEY,
		failures   INTEGER NOT NULL DEFAULT 0,
		last_seen  TIMESTAMP NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a short transaction, retrying with backoff when sqlite
// reports write contention. fn must not perform network calls.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		if attempt > 0 {
			delay := txRetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		logger.Debug("store contention, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %v", ErrContention, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

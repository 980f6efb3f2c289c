// Package storage persists transfer history, resume checkpoints, and the
// peer set in a single SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "lanbeam.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS tasks (
  task_id           TEXT PRIMARY KEY,
  file_id           TEXT NOT NULL,
  file_name         TEXT NOT NULL,
  file_size         INTEGER NOT NULL,
  mime_type         TEXT NOT NULL DEFAULT '',
  file_hash         TEXT NOT NULL,
  file_path         TEXT NOT NULL DEFAULT '',
  chunks_json       TEXT NOT NULL DEFAULT '[]',
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_id           TEXT NOT NULL DEFAULT '',
  peer_name         TEXT NOT NULL DEFAULT '',
  peer_ip           TEXT NOT NULL DEFAULT '',
  peer_port         INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL CHECK(status IN ('pending','transferring','completed','failed','cancelled','interrupted')),
  transferred_bytes INTEGER NOT NULL DEFAULT 0,
  resume_offset     INTEGER NOT NULL DEFAULT 0,
  resumed           INTEGER NOT NULL DEFAULT 0,
  encrypted         INTEGER NOT NULL DEFAULT 0,
  error             TEXT NOT NULL DEFAULT '',
  created_at        INTEGER NOT NULL,
  completed_at      INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_tasks_status_created
ON tasks (status, created_at DESC, task_id);
`,
	`
CREATE TABLE IF NOT EXISTS resume_checkpoints (
  task_id          TEXT PRIMARY KEY REFERENCES tasks(task_id) ON DELETE CASCADE,
  direction        TEXT NOT NULL CHECK(direction IN ('send','receive')),
  resume_offset    INTEGER NOT NULL DEFAULT 0,
  next_chunk       INTEGER NOT NULL DEFAULT 0,
  completed_chunks TEXT NOT NULL DEFAULT '[]',
  file_hash        TEXT NOT NULL,
  temp_path        TEXT NOT NULL DEFAULT '',
  updated_at       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_resume_checkpoints_updated
ON resume_checkpoints (updated_at DESC, task_id);
`,
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id       TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  ip            TEXT NOT NULL,
  port          INTEGER NOT NULL,
  device_type   TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL CHECK(status IN ('online','offline','unknown')) DEFAULT 'unknown',
  manual        INTEGER NOT NULL DEFAULT 0,
  discovered_at INTEGER NOT NULL,
  last_seen     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_status_seen
ON peers (status, last_seen DESC, peer_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

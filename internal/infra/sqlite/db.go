// Package sqlite is the durable ledger store.
// Accounts, append-only ledger entries, daily action counters, and stakes
// live in a single SQLite file opened in WAL mode.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "cybv.db"

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite handle and implements domain.LedgerStore.
type DB struct {
	db   *sql.DB
	path string

	mu  sync.RWMutex
	now func() time.Time
}

// Open opens (or creates) the ledger database inside dir and applies
// migrations. Every write transaction takes the write lock up front
// (BEGIN IMMEDIATE) so read-modify-write sequences cannot interleave.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{db: sqlDB, path: path, now: time.Now}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases database resources.
func (db *DB) Close() error {
	if db == nil || db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// SetNow overrides the clock used for account creation stamps. Tests only.
func (db *DB) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

func (db *DB) clock() time.Time {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.now().UTC()
}

// Ping checks that the database answers.
func (db *DB) Ping() error { return db.db.Ping() }

func (db *DB) migrate() error {
	for _, stmt := range LedgerMigrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

// Copyright 2025 Stashmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Store is the injected handle to one mirror database. The sync orchestrator
// is its only entity/junction writer; queries read concurrently under WAL.
type Store struct {
	path  string
	sqlDB *sql.DB
	db    *bun.DB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, ctx DBContext) error {
	// Busy timeout MUST be set first — all subsequent PRAGMAs (especially
	// journal_mode=WAL which needs exclusive access) will wait for locks
	// instead of failing immediately with "database is locked".
	busyTimeout := GetBusyTimeout(ctx)
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: queries keep reading the prior consistent state while a sync
	// page transaction commits.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL: WAL mode with NORMAL sync is safe against process
	// crashes. A crash mid-sync leaves a valid, stale store.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Larger cache for filter-heavy queries (default is ~2MB, set to 8MB).
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	// Memory-map I/O for reads (256MB). Failure is non-fatal.
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")

	return nil
}

// Create creates a new mirror database with default context
func Create(path string) (*Store, error) {
	return CreateWithContext(path, DBContextDefault)
}

// CreateWithContext creates a new mirror database with the specified context.
func CreateWithContext(path string, dbCtx DBContext) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path, dbCtx))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	if err := applyPragmas(db, dbCtx); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}

	if err := initSchema(db); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}

	return newStore(path, db), nil
}

// Open opens an existing mirror database with default context
func Open(path string) (*Store, error) {
	return OpenWithContext(path, DBContextDefault)
}

// OpenWithContext opens an existing mirror database, applying any pending
// schema migrations.
func OpenWithContext(path string, dbCtx DBContext) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path, dbCtx))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := applyPragmas(db, dbCtx); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return newStore(path, db), nil
}

func newStore(path string, db *sql.DB) *Store {
	return &Store{
		path:  path,
		sqlDB: db,
		db:    bun.NewDB(db, sqlitedialect.New()),
	}
}

// initSchema creates the base schema, FTS triggers, and initial rows, then
// migrates forward to the latest version.
func initSchema(db *sql.DB) error {
	if err := execStatements(db, baseSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	for _, src := range ftsSources {
		if err := execStatements(db, ftsTriggerSQL(src)); err != nil {
			return fmt.Errorf("failed to create fts triggers for %s: %w", src.table, err)
		}
	}
	if err := execStatements(db, initStore, "1"); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	return migrate(db)
}

// migrate applies ordered migration scripts from the stored version up to
// SchemaVersion. Overlay tables are never touched by migration scripts.
func migrate(db *sql.DB) error {
	var raw string
	err := db.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&raw)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", version, SchemaVersion)
	}

	for v := version + 1; v <= SchemaVersion; v++ {
		script, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration script for version %d", v)
		}
		log.WithFields(log.Fields{"from": v - 1, "to": v}).Info("migrating store schema")
		if err := execStatements(db, script); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v, err)
		}
		if _, err := db.Exec(`UPDATE schema_info SET value = ? WHERE key = 'version'`, strconv.Itoa(v)); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v, err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying bun handle for query composition.
func (s *Store) DB() *bun.DB {
	return s.db
}

// SQLDB returns the raw database handle.
func (s *Store) SQLDB() *sql.DB {
	return s.sqlDB
}

// RunInTx runs fn inside one transaction. Upserts and junction replacement
// for a page of entities share a transaction so a reader never observes an
// entity row without its junction rows.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return s.db.RunInTx(ctx, nil, fn)
}

// GetInfo reads one schema_info value. Missing keys return "".
func (s *Store) GetInfo(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.NewRaw(`SELECT value FROM schema_info WHERE key = ?`, key).Scan(ctx, &value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetInfo upserts one schema_info value.
func (s *Store) SetInfo(ctx context.Context, key, value string) error {
	_, err := s.db.NewRaw(
		`INSERT INTO schema_info (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	).Exec(ctx)
	return err
}

// SchemaVersionOf reads the current schema version of the open store.
func (s *Store) SchemaVersionOf(ctx context.Context) (int, error) {
	var raw string
	err := s.db.NewRaw(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(ctx, &raw)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

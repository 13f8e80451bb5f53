package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skkmth-sudo/ai-tanken/internal/domain"
	"github.com/skkmth-sudo/ai-tanken/internal/shared"
	_ "modernc.org/sqlite"
)

// writeRetries bounds the retry loop around SQLITE_BUSY conflicts.
const writeRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY under bursts
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS profiles (
		scope TEXT PRIMARY KEY,
		grade TEXT NOT NULL,
		nickname TEXT,
		nickname_locked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		scope TEXT PRIMARY KEY,
		turns_json TEXT NOT NULL,
		turn_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_updated ON transcripts(updated_at);

	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetProfile retrieves the cached profile for a scope.
func (s *SQLiteStore) GetProfile(ctx context.Context, scope string) (*domain.Profile, error) {
	query := `SELECT grade, nickname, nickname_locked FROM profiles WHERE scope = ?`

	row := s.db.QueryRowContext(ctx, query, scope)

	var p domain.Profile
	var grade string
	var nickname sql.NullString
	var locked int

	err := row.Scan(&grade, &nickname, &locked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	if domain.ValidGrade(grade) {
		p.Grade = domain.Grade(grade)
	} else {
		p.Grade = domain.DefaultGrade
	}
	p.Nickname = nickname.String
	p.NicknameLocked = locked != 0

	return &p, nil
}

// SaveProfile creates or replaces the cached profile for a scope.
func (s *SQLiteStore) SaveProfile(ctx context.Context, scope string, p domain.Profile) error {
	query := `
	INSERT INTO profiles (scope, grade, nickname, nickname_locked, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(scope) DO UPDATE SET
		grade = excluded.grade,
		nickname = excluded.nickname,
		nickname_locked = excluded.nickname_locked,
		updated_at = excluded.updated_at`

	var nickname interface{}
	if p.Nickname != "" {
		nickname = p.Nickname
	}
	locked := 0
	if p.NicknameLocked {
		locked = 1
	}

	now := time.Now().Unix()
	err := s.execRetry(ctx, query, scope, string(p.Grade), nickname, locked, now, now)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetTranscript retrieves the ordered turn sequence for a scope.
func (s *SQLiteStore) GetTranscript(ctx context.Context, scope string) ([]domain.Turn, error) {
	query := `SELECT turns_json FROM transcripts WHERE scope = ?`

	var turnsJSON string
	err := s.db.QueryRowContext(ctx, query, scope).Scan(&turnsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript row: %w", err)
	}

	// Stored rows may predate the current turn shape; decode leniently and
	// renormalize rather than failing the load.
	var raw []any
	if err := json.Unmarshal([]byte(turnsJSON), &raw); err != nil {
		slog.Warn("transcript row is corrupt, treating as absent", "scope", scope, "error", err)
		return nil, nil
	}
	return domain.NormalizeTurns(raw), nil
}

// SaveTranscript replaces the full turn sequence for a scope.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, scope string, turns []domain.Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}

	query := `
	INSERT INTO transcripts (scope, turns_json, turn_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(scope) DO UPDATE SET
		turns_json = excluded.turns_json,
		turn_count = excluded.turn_count,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	if err := s.execRetry(ctx, query, scope, string(data), len(turns), now, now); err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// GetPref reads a global preference value.
func (s *SQLiteStore) GetPref(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan pref row: %w", err)
	}
	return value, nil
}

// SetPref writes a global preference value.
func (s *SQLiteStore) SetPref(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO prefs (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	if err := s.execRetry(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert pref: %w", err)
	}
	return nil
}

// execRetry runs a write statement, retrying on SQLite concurrency
// conflicts.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		slog.Warn("sqlite write conflict, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

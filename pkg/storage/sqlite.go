package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/berth/pkg/plugins"
)

var storageTracer = otel.Tracer("berth/storage")

const schema = `
CREATE TABLE IF NOT EXISTS installed_plugins (
	id           TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	repository   TEXT NOT NULL DEFAULT '',
	install_path TEXT NOT NULL,
	installed_at TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

// SQLiteStore implements InstalledStore on SQLite
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database described by cfg
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	path := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", path, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database and ensures the schema exists
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the database for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Put implements InstalledStore
func (s *SQLiteStore) Put(ctx context.Context, rec *plugins.InstalledRecord) error {
	ctx, span := storageTracer.Start(ctx, "SQLiteStore.Put",
		trace.WithAttributes(
			attribute.String("plugin.id", rec.ID),
			attribute.String("plugin.version", rec.Version),
		),
	)
	defer span.End()

	if rec.ID == "" || rec.Version == "" {
		return plugins.Errorf(plugins.ValidationFailure, "store installed record", "id and version are required")
	}

	now := time.Now().UTC()
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	query := `
		INSERT INTO installed_plugins (id, version, repository, install_path, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			repository = excluded.repository,
			install_path = excluded.install_path,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Version,
		rec.Repository,
		rec.InstallPath,
		rec.InstalledAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store record")
		return fmt.Errorf("failed to store installed record: %w", err)
	}
	return nil
}

// Get implements InstalledStore
func (s *SQLiteStore) Get(ctx context.Context, id string) (*plugins.InstalledRecord, error) {
	query := `
		SELECT id, version, repository, install_path, installed_at, updated_at
		FROM installed_plugins
		WHERE id = ?
	`
	var rec plugins.InstalledRecord
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Version,
		&rec.Repository,
		&rec.InstallPath,
		&rec.InstalledAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plugins.Errorf(plugins.NotFound, "installed record", "plugin is not installed").WithID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installed record: %w", err)
	}
	return &rec, nil
}

// List implements InstalledStore, ordered by id
func (s *SQLiteStore) List(ctx context.Context) ([]*plugins.InstalledRecord, error) {
	query := `
		SELECT id, version, repository, install_path, installed_at, updated_at
		FROM installed_plugins
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed records: %w", err)
	}
	defer rows.Close()

	var records []*plugins.InstalledRecord
	for rows.Next() {
		var rec plugins.InstalledRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Version,
			&rec.Repository,
			&rec.InstallPath,
			&rec.InstalledAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan installed record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list installed records: %w", err)
	}
	return records, nil
}

// Delete implements InstalledStore
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM installed_plugins WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete installed record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete installed record: %w", err)
	}
	if n == 0 {
		return plugins.Errorf(plugins.NotFound, "installed record", "plugin is not installed").WithID(id)
	}
	return nil
}

// HealthCheck verifies the database answers
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite health check failed: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

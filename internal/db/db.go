package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/migration"
	"github.com/marianozunino/opshub/internal/model"
)

// DB is the sqlite registry of stored files and cleanup runs.
type DB struct {
	*sql.DB
}

// Open connects to the sqlite file at path, creating its directory, and
// applies pending migrations.
func Open(path string, log *zap.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	m, err := migration.NewManagerWithDB(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := m.Up(); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// StoreFile inserts a stored-file record.
func (db *DB) StoreFile(ctx context.Context, f *model.StoredFile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stored_files
			(id, category, stored_name, original_name, path, size, content_type, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Category, f.StoredName, f.OriginalName, f.Path, f.Size, f.ContentType, f.SHA256, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store file record: %w", err)
	}
	return nil
}

const fileColumns = `id, category, stored_name, original_name, path, size, content_type, sha256, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (model.StoredFile, error) {
	var f model.StoredFile
	err := row.Scan(&f.ID, &f.Category, &f.StoredName, &f.OriginalName, &f.Path,
		&f.Size, &f.ContentType, &f.SHA256, &f.CreatedAt)
	return f, err
}

// GetFile retrieves a stored-file record by id.
func (db *DB) GetFile(ctx context.Context, id string) (model.StoredFile, error) {
	f, err := scanFile(db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM stored_files WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, apperr.NotFound("no stored file found with ID: %s", id)
		}
		return f, err
	}
	return f, nil
}

// ListFiles returns the newest records first, optionally filtered by
// category. A non-positive limit returns every record.
func (db *DB) ListFiles(ctx context.Context, category string, limit int) ([]model.StoredFile, error) {
	query := `SELECT ` + fileColumns + ` FROM stored_files`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []model.StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFileByPath removes the record for a file on disk and reports how
// many records were dropped.
func (db *DB) DeleteFileByPath(ctx context.Context, path string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM stored_files WHERE path = ?`, path)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupRun is one persisted cleanup summary.
type CleanupRun struct {
	ID           int64
	Trigger      string
	StartedAt    time.Time
	Duration     time.Duration
	FilesDeleted int
	BytesFreed   int64
	Errors       int
	Summary      []byte // JSON
}

// RecordCleanupRun persists a cleanup run.
func (db *DB) RecordCleanupRun(ctx context.Context, run CleanupRun) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cleanup_runs (run_trigger, started_at, duration_ms, files_deleted, bytes_freed, errors, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.Trigger, run.StartedAt.UTC(), run.Duration.Milliseconds(), run.FilesDeleted, run.BytesFreed, run.Errors, string(run.Summary))
	if err != nil {
		return fmt.Errorf("failed to record cleanup run: %w", err)
	}
	return nil
}

// LatestCleanupRun returns the most recent run, or false when none was recorded.
func (db *DB) LatestCleanupRun(ctx context.Context) (CleanupRun, bool, error) {
	var (
		run        CleanupRun
		durationMS int64
		summary    string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, run_trigger, started_at, duration_ms, files_deleted, bytes_freed, errors, summary
		FROM cleanup_runs ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(&run.ID, &run.Trigger, &run.StartedAt, &durationMS, &run.FilesDeleted, &run.BytesFreed, &run.Errors, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return run, false, nil
	}
	if err != nil {
		return run, false, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Summary = []byte(summary)
	return run, true, nil
}

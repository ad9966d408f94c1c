package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps artifacts as rows of a SQLite database, one row per
// asset id. A commit replaces the row in a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a private in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id   TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sidecars (
			id   TEXT NOT NULL,
			ext  TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (id, ext)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM artifacts WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *SQLiteStore) Create(ctx context.Context, id string) (ArtifactWriter, error) {
	return &sqliteWriter{store: s, ctx: ctx, id: id}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sidecars WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting sidecars: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) WriteSidecar(ctx context.Context, id, ext string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sidecars (id, ext, data) VALUES (?, ?, ?)",
		id, ext, data,
	)
	if err != nil {
		return fmt.Errorf("saving sidecar: %w", err)
	}
	return nil
}

// Sidecar returns a stored sidecar, or ErrNotFound.
func (s *SQLiteStore) Sidecar(ctx context.Context, id, ext string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sidecars WHERE id = ? AND ext = ?", id, ext).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

// sqliteWriter buffers the artifact and stores it on commit.
type sqliteWriter struct {
	store *SQLiteStore
	ctx   context.Context
	id    string
	buf   bytes.Buffer
}

func (w *sqliteWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *sqliteWriter) Commit() error {
	_, err := w.store.db.ExecContext(w.ctx,
		"INSERT OR REPLACE INTO artifacts (id, data) VALUES (?, ?)",
		w.id, w.buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}
	return nil
}

func (w *sqliteWriter) Abort() error {
	w.buf.Reset()
	return nil
}

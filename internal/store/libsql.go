package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore keeps workflows in an embedded libSQL (SQLite fork) database
// or a remote libSQL server.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dsn, e.g. "file:/var/lib/backfill.db".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, sqlExecer{s.db})
}

func (s *LibSQLStore) Put(ctx context.Context, name string, doc []byte) (*Record, error) {
	t := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (name, document, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET document=excluded.document, updated_at=excluded.updated_at`,
		name, string(doc), t, t,
	)
	if err != nil {
		return nil, fmt.Errorf("put workflow %q: %w", name, err)
	}
	return s.Get(ctx, name)
}

func (s *LibSQLStore) Get(ctx context.Context, name string) (*Record, error) {
	var doc string
	rec := &Record{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, document, created_at, updated_at FROM workflows WHERE name = ?`, name,
	).Scan(&rec.Name, &doc, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, err
	}
	rec.Document = []byte(doc)
	return rec, nil
}

func (s *LibSQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, document, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var doc string
		if err := rows.Scan(&rec.Name, &doc, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Document = []byte(doc)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(name)
	}
	return nil
}

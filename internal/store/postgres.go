package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps workflows in Postgres.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close closes the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, pgExecer{s.db})
}

func (s *PostgresStore) Put(ctx context.Context, name string, doc []byte) (*Record, error) {
	t := now()
	rec := &Record{}
	var body string
	err := s.db.QueryRow(ctx,
		`INSERT INTO workflows (name, document, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (name) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
		 RETURNING name, document, created_at, updated_at`,
		name, string(doc), t,
	).Scan(&rec.Name, &body, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("put workflow %q: %w", name, err)
	}
	rec.Document = []byte(body)
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*Record, error) {
	rec := &Record{}
	var body string
	err := s.db.QueryRow(ctx,
		`SELECT name, document, created_at, updated_at FROM workflows WHERE name = $1`, name,
	).Scan(&rec.Name, &body, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, err
	}
	rec.Document = []byte(body)
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name, document, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var body string
		if err := rows.Scan(&rec.Name, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Document = []byte(body)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(name)
	}
	return nil
}

// pgExecer adapts a pgx pool to the migration runner.
type pgExecer struct{ db *pgxpool.Pool }

func (e pgExecer) exec(ctx context.Context, stmt string) error {
	_, err := e.db.Exec(ctx, stmt)
	return err
}

func (e pgExecer) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := e.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

func (e pgExecer) apply(ctx context.Context, m migration) error {
	return pgx.BeginFunc(ctx, e.db, func(tx pgx.Tx) error {
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
		return err
	})
}

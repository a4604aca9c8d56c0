// Package store persists submitted workflow documents by name.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when no workflow has the requested name.
var ErrNotFound = errors.New("workflow not found")

// Record is a stored workflow document. Document holds the validated JSON
// form exactly as accepted.
type Record struct {
	Name      string    `json:"workflow_name"`
	Document  []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a registry of workflow documents keyed by workflow_name.
// Implementations are safe for concurrent use.
type Store interface {
	// Put inserts or replaces the document stored under name.
	Put(ctx context.Context, name string, doc []byte) (*Record, error)
	Get(ctx context.Context, name string) (*Record, error)
	// List returns every record ordered by name.
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// Open selects a backend from dsn:
//
//	""  or "memory"                      in-process map
//	"postgres://..." / "postgresql://..." Postgres
//	"file:...", "libsql://...", "http(s)://..." libSQL
//
// Database backends are migrated before they are returned.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	case strings.HasPrefix(dsn, "file:"), strings.HasPrefix(dsn, "libsql://"),
		strings.HasPrefix(dsn, "http://"), strings.HasPrefix(dsn, "https://"):
		s, err := NewLibSQLStore(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate libsql: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store dsn %q", dsn)
	}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

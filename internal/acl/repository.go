package acl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Repository is the durable store of ACL entries.
type Repository interface {
	Save(ctx context.Context, c Change) error
	List(ctx context.Context) ([]Entry, error)
}

type PostgresRepository struct {
	db *sql.DB
}

const createACLTable = `CREATE TABLE IF NOT EXISTS acl_entries (
    subject    TEXT NOT NULL,
    resource   TEXT NOT NULL,
    action     TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (subject, resource, action)
)`

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresRepository(ctx, db)
}

// NewPostgresRepository wraps an open pool and ensures the table exists.
func NewPostgresRepository(ctx context.Context, db *sql.DB) (*PostgresRepository, error) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(pctx, createACLTable); err != nil {
		return nil, fmt.Errorf("create acl table: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Save(ctx context.Context, c Change) error {
	e := c.Entry.normalized()
	switch c.Op {
	case OpAdd:
		_, err := r.db.ExecContext(ctx, `INSERT INTO acl_entries (subject, resource, action, updated_at)
      VALUES ($1,$2,$3,$4)
      ON CONFLICT (subject, resource, action) DO UPDATE SET updated_at=EXCLUDED.updated_at`,
			e.Subject, e.Resource, e.Action, c.At)
		return err
	case OpRemove:
		_, err := r.db.ExecContext(ctx, `DELETE FROM acl_entries WHERE subject=$1 AND resource=$2 AND action=$3`,
			e.Subject, e.Resource, e.Action)
		return err
	default:
		return fmt.Errorf("%w: op %q", ErrInvalidChange, c.Op)
	}
}

func (r *PostgresRepository) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT subject, resource, action FROM acl_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Subject, &e.Resource, &e.Action); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// MemoryRepository is a process-local Repository for tests and for running
// without a database.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[Entry]struct{}
}

func NewMemoryRepository(seed ...Entry) *MemoryRepository {
	r := &MemoryRepository{entries: make(map[Entry]struct{})}
	for _, e := range seed {
		r.entries[e.normalized()] = struct{}{}
	}
	return r
}

func (r *MemoryRepository) Save(_ context.Context, c Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := c.Entry.normalized()
	switch c.Op {
	case OpAdd:
		r.entries[e] = struct{}{}
	case OpRemove:
		delete(r.entries, e)
	default:
		return fmt.Errorf("%w: op %q", ErrInvalidChange, c.Op)
	}
	return nil
}

func (r *MemoryRepository) List(context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for e := range r.entries {
		out = append(out, e)
	}
	return out, nil
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresBackend is the durable memory store backed by pgx.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend wraps an existing connection pool.
func NewPostgresBackend(pool *pgxpool.Pool, logger *zap.Logger) *PostgresBackend {
	return &PostgresBackend{pool: pool, logger: logger}
}

// Append inserts one entry. Entries are never updated or deleted here;
// the table is the audit trail.
func (p *PostgresBackend) Append(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, scope, namespace, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, string(e.Scope), e.Namespace, e.Content, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	return nil
}

// List returns entries in creation-time ascending order, filtered by
// metadata tags via jsonb containment.
func (p *PostgresBackend) List(ctx context.Context, scope Scope, namespace string, f Filter) ([]Entry, error) {
	query := `SELECT id, scope, namespace, content, metadata, created_at
		 FROM memory_entries WHERE scope=$1 AND namespace=$2`
	args := []any{string(scope), namespace}

	if len(f.Tags) > 0 {
		tags, err := json.Marshal(f.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		query += ` AND metadata @> $3`
		args = append(args, tags)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest entries, newest first.
func (p *PostgresBackend) Recent(ctx context.Context, scope Scope, namespace string, limit int) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, scope, namespace, content, metadata, created_at
		 FROM memory_entries WHERE scope=$1 AND namespace=$2
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		string(scope), namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("recent memory entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows pgRows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var scope string
		var meta []byte
		if err := rows.Scan(&e.ID, &scope, &e.Namespace, &e.Content, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		e.Scope = Scope(scope)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

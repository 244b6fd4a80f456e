// Package pgvector provides a PostgreSQL implementation of the
// [index.Adapter] contract backed by the pgvector extension.
//
// All namespaces share one chunks table keyed by context_id, with an HNSW
// index for approximate nearest-neighbour search over inner product.
// Namespace existence is tracked in a separate table so that an empty
// namespace costs a single row and no vector storage.
package pgvector

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgvpgx "github.com/pgvector/pgvector-go/pgx"

	"github.com/mnemo-ai/mnemo/pkg/index"
)

var _ index.Adapter = (*Adapter)(nil)

// Adapter is the pgvector-backed index adapter. All methods are safe for
// concurrent use; the pool handles its own synchronisation.
type Adapter struct {
	pool *pgxpool.Pool
}

const ddlNamespaces = `
CREATE TABLE IF NOT EXISTS index_namespaces (
    context_id  TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlChunks returns the chunks DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlChunks(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS index_chunks (
    context_id   TEXT         NOT NULL REFERENCES index_namespaces (context_id) ON DELETE CASCADE,
    id           TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    embedding    vector(%d),
    role         TEXT         NOT NULL DEFAULT '',
    session_id   TEXT         NOT NULL DEFAULT '',
    model        TEXT         NOT NULL DEFAULT '',
    provider     TEXT         NOT NULL DEFAULT '',
    request_id   TEXT         NOT NULL DEFAULT '',
    token_count  INT          NOT NULL DEFAULT 0,
    content_hash TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (context_id, id)
);

CREATE INDEX IF NOT EXISTS idx_index_chunks_context_session
    ON index_chunks (context_id, session_id);

CREATE INDEX IF NOT EXISTS idx_index_chunks_created_at
    ON index_chunks (context_id, created_at);

CREATE INDEX IF NOT EXISTS idx_index_chunks_embedding
    ON index_chunks USING hnsw (embedding vector_ip_ops);
`, dimensions)
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and runs the idempotent migration.
//
// dimensions must match the output dimension of the configured embedding
// model. Changing it after the first migration requires a manual schema
// change.
func New(ctx context.Context, dsn string, dimensions int) (*Adapter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvpgx.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector index: ping: %w", err)
	}

	for _, stmt := range []string{ddlNamespaces, ddlChunks(dimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgvector index: migrate: %w", err)
		}
	}
	return &Adapter{pool: pool}, nil
}

// NewWithPool wraps an existing pool that already has pgvector types
// registered and the schema migrated. The caller keeps ownership of the pool.
func NewWithPool(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool}
}

// Close releases the connection pool.
func (a *Adapter) Close() { a.pool.Close() }

// Ping reports database reachability, for readiness checks.
func (a *Adapter) Ping(ctx context.Context) error { return a.pool.Ping(ctx) }

// Ensure implements [index.Adapter].
func (a *Adapter) Ensure(ctx context.Context, contextID string) error {
	const q = `INSERT INTO index_namespaces (context_id) VALUES ($1) ON CONFLICT DO NOTHING`
	if _, err := a.pool.Exec(ctx, q, contextID); err != nil {
		return fmt.Errorf("pgvector index: ensure %q: %w", contextID, err)
	}
	return nil
}

// exists reports whether the namespace row is present.
func (a *Adapter) exists(ctx context.Context, contextID string) (bool, error) {
	var ok bool
	err := a.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM index_namespaces WHERE context_id = $1)`, contextID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("pgvector index: namespace lookup: %w", err)
	}
	return ok, nil
}

// Add implements [index.Adapter]. Re-adding an existing ID replaces the item.
func (a *Adapter) Add(ctx context.Context, contextID string, item index.Item) error {
	const q = `
		INSERT INTO index_chunks
		    (context_id, id, content, embedding, role, session_id, model, provider,
		     request_id, token_count, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (context_id, id) DO UPDATE SET
		    content      = EXCLUDED.content,
		    embedding    = EXCLUDED.embedding,
		    role         = EXCLUDED.role,
		    session_id   = EXCLUDED.session_id,
		    model        = EXCLUDED.model,
		    provider     = EXCLUDED.provider,
		    request_id   = EXCLUDED.request_id,
		    token_count  = EXCLUDED.token_count,
		    content_hash = EXCLUDED.content_hash,
		    created_at   = EXCLUDED.created_at`

	ok, err := a.exists(ctx, contextID)
	if err != nil {
		return err
	}
	if !ok {
		return index.ErrNamespaceMissing
	}

	_, err = a.pool.Exec(ctx, q,
		contextID,
		item.ID,
		item.Content,
		pgv.NewVector(item.Vector),
		item.Meta.Role,
		item.Meta.Session,
		item.Meta.Model,
		item.Meta.Provider,
		item.Meta.RequestID,
		item.Meta.TokenCount,
		item.Meta.ContentHash,
		item.Meta.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgvector index: add: %w", err)
	}
	return nil
}

// Search implements [index.Adapter]. Session and time bounds are pushed into
// SQL; Filter.Pred is evaluated on the scanned rows, so the SQL layer
// overfetches when a predicate is present. The HNSW scan is approximate; the
// final ordering is re-established here, with ties broken by descending
// created_at then ascending id.
func (a *Adapter) Search(ctx context.Context, contextID string, query []float32, k int, filter index.Filter) ([]index.Result, error) {
	ok, err := a.exists(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, index.ErrNamespaceMissing
	}
	if k <= 0 {
		return []index.Result{}, nil
	}

	args := []any{pgv.NewVector(query), contextID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"context_id = $2"}
	if filter.Session != "" {
		conditions = append(conditions, "session_id = "+next(filter.Session))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at >= "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	// The predicate cannot be pushed down; overfetch to keep recall.
	fetch := k
	if filter.Pred != nil {
		fetch = k * 4
	}
	args = append(args, fetch)
	limitArg := fmt.Sprintf("$%d", len(args))

	// <#> is negative inner product; negate for a similarity score.
	q := fmt.Sprintf(`
		SELECT id, content, embedding, role, session_id, model, provider,
		       request_id, token_count, content_hash, created_at,
		       -(embedding <#> $1) AS score
		FROM   index_chunks
		WHERE  %s
		ORDER  BY score DESC, created_at DESC, id
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (index.Result, error) {
		var (
			r   index.Result
			vec pgv.Vector
		)
		if err := row.Scan(
			&r.Item.ID,
			&r.Item.Content,
			&vec,
			&r.Item.Meta.Role,
			&r.Item.Meta.Session,
			&r.Item.Meta.Model,
			&r.Item.Meta.Provider,
			&r.Item.Meta.RequestID,
			&r.Item.Meta.TokenCount,
			&r.Item.Meta.ContentHash,
			&r.Item.Meta.CreatedAt,
			&r.Score,
		); err != nil {
			return index.Result{}, err
		}
		r.Item.Vector = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector index: scan rows: %w", err)
	}

	if filter.Pred != nil {
		kept := results[:0]
		for _, r := range results {
			if filter.Pred(r.Item.Meta) {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []index.Result{}
	}
	return results, nil
}

// Delete implements [index.Adapter].
func (a *Adapter) Delete(ctx context.Context, contextID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `DELETE FROM index_chunks WHERE context_id = $1 AND id = ANY($2)`
	if _, err := a.pool.Exec(ctx, q, contextID, ids); err != nil {
		return fmt.Errorf("pgvector index: delete: %w", err)
	}
	return nil
}

// Clear implements [index.Adapter].
func (a *Adapter) Clear(ctx context.Context, contextID string) error {
	const q = `DELETE FROM index_chunks WHERE context_id = $1`
	if _, err := a.pool.Exec(ctx, q, contextID); err != nil {
		return fmt.Errorf("pgvector index: clear: %w", err)
	}
	return nil
}

// Drop implements [index.Adapter]. The chunks follow via ON DELETE CASCADE.
func (a *Adapter) Drop(ctx context.Context, contextID string) error {
	const q = `DELETE FROM index_namespaces WHERE context_id = $1`
	if _, err := a.pool.Exec(ctx, q, contextID); err != nil {
		return fmt.Errorf("pgvector index: drop: %w", err)
	}
	return nil
}

// ListItems implements [index.Adapter], streaming rows to fn.
func (a *Adapter) ListItems(ctx context.Context, contextID string, fn func(index.Item) error) error {
	const q = `
		SELECT id, content, embedding, role, session_id, model, provider,
		       request_id, token_count, content_hash, created_at
		FROM   index_chunks
		WHERE  context_id = $1`

	rows, err := a.pool.Query(ctx, q, contextID)
	if err != nil {
		return fmt.Errorf("pgvector index: list items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it  index.Item
			vec pgv.Vector
		)
		if err := rows.Scan(
			&it.ID,
			&it.Content,
			&vec,
			&it.Meta.Role,
			&it.Meta.Session,
			&it.Meta.Model,
			&it.Meta.Provider,
			&it.Meta.RequestID,
			&it.Meta.TokenCount,
			&it.Meta.ContentHash,
			&it.Meta.CreatedAt,
		); err != nil {
			return fmt.Errorf("pgvector index: scan item: %w", err)
		}
		it.Vector = vec.Slice()
		if err := fn(it); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("pgvector index: iterate items: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemo-ai/mnemo/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements [store.Store] over a PostgreSQL pool. Obtain one via
// [NewStore]. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the database, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool without running migrations.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── Owners ──────────────────────────────────────────────────────────────────

func (s *Store) CreateOwner(ctx context.Context, o store.Owner) error {
	const q = `
		INSERT INTO owners (id, state, has_instrument, subscription_id,
		                    cumul_tokens, cumul_tokens_reported, grace_deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q,
		o.ID, string(o.State), o.HasInstrument, o.SubscriptionID,
		o.CumulTokens, o.CumulTokensReported, o.GraceDeadline, orNow(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("postgres store: create owner: %w", err)
	}
	return nil
}

func (s *Store) GetOwner(ctx context.Context, id string) (store.Owner, error) {
	const q = `
		SELECT id, state, has_instrument, subscription_id,
		       cumul_tokens, cumul_tokens_reported, grace_deadline, created_at
		FROM   owners
		WHERE  id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return store.Owner{}, fmt.Errorf("postgres store: get owner: %w", err)
	}
	o, err := pgx.CollectOneRow(rows, scanOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Owner{}, store.ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("postgres store: get owner: %w", err)
	}
	return o, nil
}

func (s *Store) UpdateOwner(ctx context.Context, o store.Owner) error {
	const q = `
		UPDATE owners
		SET    state = $2, has_instrument = $3, subscription_id = $4, grace_deadline = $5
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, o.ID, string(o.State), o.HasInstrument, o.SubscriptionID, o.GraceDeadline)
	if err != nil {
		return fmt.Errorf("postgres store: update owner: %w", err)
	}
	return requireRow(tag)
}

func (s *Store) AddTokens(ctx context.Context, ownerID string, delta int64) (int64, error) {
	const q = `
		UPDATE owners
		SET    cumul_tokens = cumul_tokens + $2
		WHERE  id = $1
		RETURNING cumul_tokens`
	var total int64
	err := s.pool.QueryRow(ctx, q, ownerID, delta).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: add tokens: %w", err)
	}
	return total, nil
}

func (s *Store) AdvanceReported(ctx context.Context, ownerID string, delta int64) error {
	const q = `
		UPDATE owners
		SET    cumul_tokens_reported = cumul_tokens_reported + $2
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, ownerID, delta)
	if err != nil {
		return fmt.Errorf("postgres store: advance reported: %w", err)
	}
	return requireRow(tag)
}

func (s *Store) ListOwners(ctx context.Context, states ...store.BillingState) ([]store.Owner, error) {
	q := `
		SELECT id, state, has_instrument, subscription_id,
		       cumul_tokens, cumul_tokens_reported, grace_deadline, created_at
		FROM   owners`
	var args []any
	if len(states) > 0 {
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		q += ` WHERE state = ANY($1)`
		args = append(args, ss)
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list owners: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanOwner)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list owners: %w", err)
	}
	return out, nil
}

// ── Contexts ────────────────────────────────────────────────────────────────

func (s *Store) CreateContext(ctx context.Context, c store.Context) error {
	const q = `
		INSERT INTO contexts (id, owner_id, name, active, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $5)`
	_, err := s.pool.Exec(ctx, q, c.ID, c.OwnerID, c.Name, c.Active, orNow(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("postgres store: create context: %w", err)
	}
	return nil
}

func (s *Store) GetContext(ctx context.Context, id string) (store.Context, error) {
	const q = `
		SELECT id, owner_id, name, active, created_at, last_used_at
		FROM   contexts
		WHERE  id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return store.Context{}, fmt.Errorf("postgres store: get context: %w", err)
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[store.Context])
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Context{}, store.ErrNotFound
	}
	if err != nil {
		return store.Context{}, fmt.Errorf("postgres store: get context: %w", err)
	}
	return c, nil
}

func (s *Store) ListContexts(ctx context.Context, ownerID string) ([]store.Context, error) {
	const q = `
		SELECT id, owner_id, name, active, created_at, last_used_at
		FROM   contexts
		WHERE  owner_id = $1
		ORDER  BY created_at`
	rows, err := s.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list contexts: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[store.Context])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list contexts: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteContext(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM contexts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete context: %w", err)
	}
	return requireRow(tag)
}

func (s *Store) TouchContext(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE contexts SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("postgres store: touch context: %w", err)
	}
	return requireRow(tag)
}

// ── Sessions ────────────────────────────────────────────────────────────────

func (s *Store) TouchSession(ctx context.Context, contextID, sessionID string, at time.Time) error {
	const q = `
		INSERT INTO sessions (context_id, id, created_at, last_used_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (context_id, id) DO UPDATE SET last_used_at = EXCLUDED.last_used_at`
	if _, err := s.pool.Exec(ctx, q, contextID, sessionID, at); err != nil {
		return fmt.Errorf("postgres store: touch session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, contextID, sessionID string) (store.Session, error) {
	const q = `
		SELECT context_id, id, created_at, last_used_at, chunk_count, token_count
		FROM   sessions
		WHERE  context_id = $1 AND id = $2`
	rows, err := s.pool.Query(ctx, q, contextID, sessionID)
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	sess, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[store.Session])
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, contextID string) ([]store.Session, error) {
	const q = `
		SELECT context_id, id, created_at, last_used_at, chunk_count, token_count
		FROM   sessions
		WHERE  context_id = $1
		ORDER  BY last_used_at DESC`
	rows, err := s.pool.Query(ctx, q, contextID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[store.Session])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, contextID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE context_id = $1 AND id = $2`, contextID, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	return requireRow(tag)
}

func (s *Store) BumpSessionCounters(ctx context.Context, contextID, sessionID string, chunks, tokens int64) error {
	const q = `
		UPDATE sessions
		SET    chunk_count = chunk_count + $3, token_count = token_count + $4
		WHERE  context_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, contextID, sessionID, chunks, tokens)
	if err != nil {
		return fmt.Errorf("postgres store: bump session counters: %w", err)
	}
	return requireRow(tag)
}

// ── Usage ───────────────────────────────────────────────────────────────────

func (s *Store) InsertUsage(ctx context.Context, r store.UsageRecord) error {
	const q = `
		INSERT INTO usage_records
		    (id, owner_id, context_id, request_id, stored_in, stored_out,
		     retrieved, ephemeral, model, provider, cost_usd, partial_storage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.pool.Exec(ctx, q,
		r.ID, r.OwnerID, r.ContextID, r.RequestID, r.StoredInput, r.StoredOutput,
		r.Retrieved, r.Ephemeral, r.Model, r.Provider, r.CostUSD, r.PartialStorage,
		orNow(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("postgres store: insert usage: %w", err)
	}
	return nil
}

func (s *Store) ListUsage(ctx context.Context, ownerID string, f store.UsageFilter) ([]store.UsageRecord, error) {
	args := []any{ownerID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"owner_id = $1"}
	if f.ContextID != "" {
		conditions = append(conditions, "context_id = "+next(f.ContextID))
	}
	if !f.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(f.After))
	}
	if !f.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(f.Before))
	}

	q := `
		SELECT id, owner_id, context_id, request_id, stored_in, stored_out,
		       retrieved, ephemeral, model, provider, cost_usd, partial_storage, created_at
		FROM   usage_records
		WHERE  ` + strings.Join(conditions, " AND ") + `
		ORDER  BY created_at DESC`
	if f.Limit > 0 {
		q += " LIMIT " + next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list usage: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[store.UsageRecord])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list usage: %w", err)
	}
	return out, nil
}

// ── Events ──────────────────────────────────────────────────────────────────

func (s *Store) InsertEvent(ctx context.Context, e store.Event) error {
	const q = `
		INSERT INTO subscription_events (id, type, payload, processed, processed_at, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, e.ID, e.Type, e.Payload, e.Processed, e.ProcessedAt, e.Error, orNow(e.ReceivedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("postgres store: insert event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (store.Event, error) {
	const q = `
		SELECT id, type, payload, processed, processed_at, error, received_at
		FROM   subscription_events
		WHERE  id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return store.Event{}, fmt.Errorf("postgres store: get event: %w", err)
	}
	e, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[store.Event])
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Event{}, store.ErrNotFound
	}
	if err != nil {
		return store.Event{}, fmt.Errorf("postgres store: get event: %w", err)
	}
	return e, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time, procErr string) error {
	var q string
	var args []any
	if procErr == "" {
		q = `UPDATE subscription_events SET processed = TRUE, processed_at = $2, error = '' WHERE id = $1`
		args = []any{id, at}
	} else {
		q = `UPDATE subscription_events SET error = $2 WHERE id = $1`
		args = []any{id, procErr}
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres store: mark event processed: %w", err)
	}
	return requireRow(tag)
}

// ── Credentials ─────────────────────────────────────────────────────────────

func (s *Store) UpsertCredential(ctx context.Context, c store.Credential) error {
	const q = `
		INSERT INTO provider_credentials (owner_id, family, ciphertext, active, last_used_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, family) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, active = EXCLUDED.active`
	if _, err := s.pool.Exec(ctx, q, c.OwnerID, c.Family, c.Ciphertext, c.Active, c.LastUsedAt); err != nil {
		return fmt.Errorf("postgres store: upsert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, ownerID, family string) (store.Credential, error) {
	const q = `
		SELECT owner_id, family, ciphertext, active, last_used_at
		FROM   provider_credentials
		WHERE  owner_id = $1 AND family = $2`
	rows, err := s.pool.Query(ctx, q, ownerID, family)
	if err != nil {
		return store.Credential{}, fmt.Errorf("postgres store: get credential: %w", err)
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[store.Credential])
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Credential{}, store.ErrNotFound
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("postgres store: get credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, ownerID string) ([]store.Credential, error) {
	const q = `
		SELECT owner_id, family, ciphertext, active, last_used_at
		FROM   provider_credentials
		WHERE  owner_id = $1
		ORDER  BY family`
	rows, err := s.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list credentials: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[store.Credential])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list credentials: %w", err)
	}
	return out, nil
}

func (s *Store) TouchCredential(ctx context.Context, ownerID, family string, at time.Time) error {
	const q = `UPDATE provider_credentials SET last_used_at = $3 WHERE owner_id = $1 AND family = $2`
	tag, err := s.pool.Exec(ctx, q, ownerID, family, at)
	if err != nil {
		return fmt.Errorf("postgres store: touch credential: %w", err)
	}
	return requireRow(tag)
}

// ── helpers ─────────────────────────────────────────────────────────────────

// scanOwner maps an owners row; state needs the explicit string conversion.
func scanOwner(row pgx.CollectableRow) (store.Owner, error) {
	var o store.Owner
	var state string
	err := row.Scan(&o.ID, &state, &o.HasInstrument, &o.SubscriptionID,
		&o.CumulTokens, &o.CumulTokensReported, &o.GraceDeadline, &o.CreatedAt)
	o.State = store.BillingState(state)
	return o, err
}

func requireRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

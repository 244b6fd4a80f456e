// Package store defines the persisted entities of the gateway — owners,
// contexts, sessions, usage records, subscription events, and provider
// credentials — and the storage contract over them.
//
// Two implementations exist: an in-memory store for tests and single-node
// development ([github.com/mnemo-ai/mnemo/internal/store/memstore]) and a
// PostgreSQL store for production
// ([github.com/mnemo-ai/mnemo/internal/store/postgres]).
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateEvent is returned by InsertEvent when the event id has
	// already been persisted. Callers rely on this for idempotency.
	ErrDuplicateEvent = errors.New("store: duplicate event")
)

// BillingState is the owner's billing lifecycle state.
type BillingState string

const (
	StateFree       BillingState = "free"
	StateActive     BillingState = "active"
	StatePastDue    BillingState = "past_due"
	StateGrace      BillingState = "grace"
	StateSuspended  BillingState = "suspended"
	StateEnterprise BillingState = "enterprise"
)

// Valid reports whether s is a known billing state.
func (s BillingState) Valid() bool {
	switch s {
	case StateFree, StateActive, StatePastDue, StateGrace, StateSuspended, StateEnterprise:
		return true
	}
	return false
}

// Owner is the billed principal. It owns credentials, counters, and billing
// state. CumulTokens is monotonically non-decreasing.
type Owner struct {
	ID                  string
	State               BillingState
	HasInstrument       bool
	SubscriptionID      string
	CumulTokens         int64
	CumulTokensReported int64
	GraceDeadline       *time.Time
	CreatedAt           time.Time
}

// Context is an isolated memory namespace. A context id belongs to one owner
// for life.
type Context struct {
	ID         string
	OwnerID    string
	Name       string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Session is a sub-partition under a context: the retrieval scope of a
// single call. Counters are denormalised for stats endpoints.
type Session struct {
	ContextID  string
	ID         string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ChunkCount int64
	TokenCount int64
}

// UsageRecord is one append-only billing log entry per billable request.
// Retrieved and ephemeral tokens are informational, not billed.
type UsageRecord struct {
	ID             string
	OwnerID        string
	ContextID      string
	RequestID      string
	StoredInput    int64
	StoredOutput   int64
	Retrieved      int64
	Ephemeral      int64
	Model          string
	Provider       string
	CostUSD        float64
	PartialStorage bool
	CreatedAt      time.Time
}

// Event is a subscription event from the external billing system. At most
// one successful processing per event id.
type Event struct {
	ID          string
	Type        string
	Payload     []byte
	Processed   bool
	ProcessedAt *time.Time
	Error       string
	ReceivedAt  time.Time
}

// Credential is one provider credential for an owner, stored encrypted at
// rest (encryption happens before the ciphertext reaches the store).
type Credential struct {
	OwnerID    string
	Family     string
	Ciphertext string
	Active     bool
	LastUsedAt *time.Time
}

// UsageFilter narrows ListUsage. Zero fields match everything.
type UsageFilter struct {
	ContextID string
	After     time.Time
	Before    time.Time
	Limit     int
}

// Owners persists Owner rows and their counters.
type Owners interface {
	CreateOwner(ctx context.Context, o Owner) error
	GetOwner(ctx context.Context, id string) (Owner, error)
	// UpdateOwner persists the mutable billing fields (state, instrument
	// flag, subscription id, grace deadline) of an existing owner.
	UpdateOwner(ctx context.Context, o Owner) error
	// AddTokens atomically increments the owner's cumulative token counter
	// and returns the new total.
	AddTokens(ctx context.Context, ownerID string, delta int64) (int64, error)
	// AdvanceReported atomically raises cumul_tokens_reported by delta.
	// Called only after a successful external submission.
	AdvanceReported(ctx context.Context, ownerID string, delta int64) error
	// ListOwners returns owners in any of the given states; with no states
	// it returns every owner. Used by the usage reporter and retention.
	ListOwners(ctx context.Context, states ...BillingState) ([]Owner, error)
}

// Contexts persists context namespaces.
type Contexts interface {
	CreateContext(ctx context.Context, c Context) error
	GetContext(ctx context.Context, id string) (Context, error)
	ListContexts(ctx context.Context, ownerID string) ([]Context, error)
	DeleteContext(ctx context.Context, id string) error
	// TouchContext updates last_used_at.
	TouchContext(ctx context.Context, id string, at time.Time) error
}

// Sessions persists session rows under contexts.
type Sessions interface {
	// TouchSession upserts the session, creating it on first use and
	// updating last_used_at otherwise.
	TouchSession(ctx context.Context, contextID, sessionID string, at time.Time) error
	GetSession(ctx context.Context, contextID, sessionID string) (Session, error)
	ListSessions(ctx context.Context, contextID string) ([]Session, error)
	DeleteSession(ctx context.Context, contextID, sessionID string) error
	// BumpSessionCounters adds to the denormalised chunk and token counters.
	BumpSessionCounters(ctx context.Context, contextID, sessionID string, chunks, tokens int64) error
}

// Usage persists the append-only usage log.
type Usage interface {
	InsertUsage(ctx context.Context, r UsageRecord) error
	ListUsage(ctx context.Context, ownerID string, f UsageFilter) ([]UsageRecord, error)
}

// Events persists subscription events with single-writer semantics per id.
type Events interface {
	// InsertEvent persists a new unprocessed event. Returns
	// [ErrDuplicateEvent] when the id already exists.
	InsertEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	// MarkEventProcessed records the outcome: empty procErr marks the event
	// processed; a non-empty procErr records it and leaves the event
	// unprocessed for external retry.
	MarkEventProcessed(ctx context.Context, id string, at time.Time, procErr string) error
}

// Credentials persists provider credentials per (owner, family).
type Credentials interface {
	UpsertCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, ownerID, family string) (Credential, error)
	ListCredentials(ctx context.Context, ownerID string) ([]Credential, error)
	TouchCredential(ctx context.Context, ownerID, family string, at time.Time) error
}

// Store is the full persistence surface the gateway is built against.
type Store interface {
	Owners
	Contexts
	Sessions
	Usage
	Events
	Credentials
}

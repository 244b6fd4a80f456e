// Package index defines the vector-index contract the retrieval engine
// depends on.
//
// An Adapter manages one vector namespace per memory context. Namespaces are
// fully isolated: no operation on one context id may ever observe items
// belonging to another. Similarity is inner product over L2-normalised
// vectors (equivalent to cosine); implementations may be exact (brute-force
// over a flat array, fine up to a few thousand items per context) or
// approximate. Callers must not assume approximate results are ordered.
//
// All implementations must be safe for concurrent readers and writers.
package index

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNamespaceMissing is returned by operations on a context whose namespace
// has never been ensured or has been dropped.
var ErrNamespaceMissing = errors.New("index: namespace missing")

// Meta is the metadata attached to every indexed item. It is the only item
// state a search filter may inspect.
type Meta struct {
	// Role is the original speaker role of the chunk: "user" or "assistant".
	Role string

	// Session is the session partition the chunk belongs to.
	Session string

	// CreatedAt is when the chunk was stored. Temporal-window classification
	// is derived from this value at query time; it is never rewritten.
	CreatedAt time.Time

	// Model is the model identifier of the request that produced the chunk.
	Model string

	// Provider is the provider family of that request.
	Provider string

	// RequestID is the inference request that stored the chunk.
	RequestID string

	// TokenCount is the estimated token count of the chunk content.
	TokenCount int

	// ContentHash is an optional hash of the normalised content.
	ContentHash string
}

// Item is a stored vector with its content and metadata. Items are immutable
// after Add; deletion is the only mutation.
type Item struct {
	// ID is the stable unique identifier of the chunk.
	ID string

	// Vector is the L2-normalised embedding of Content.
	Vector []float32

	// Content is the chunk text.
	Content string

	// Meta carries the searchable metadata.
	Meta Meta
}

// Result pairs a retrieved item with its similarity to the query vector.
// Higher Score means more similar.
type Result struct {
	Item Item

	// Score is the inner product between the query vector and the item
	// vector. For unit vectors this is the cosine similarity in [-1, 1].
	Score float64
}

// Filter narrows a search to a subset of a namespace. Zero-valued fields are
// not applied. Session and the time bounds may be pushed into the backing
// store; Pred is always evaluated by the adapter before a result is counted
// against k.
type Filter struct {
	// Session restricts results to a single session partition.
	Session string

	// After filters items created at or after this instant.
	After time.Time

	// Before filters items created strictly before this instant.
	Before time.Time

	// Pred is an arbitrary metadata predicate. Nil accepts everything.
	Pred func(Meta) bool
}

// Match reports whether m passes every condition of f.
func (f Filter) Match(m Meta) bool {
	if f.Session != "" && m.Session != f.Session {
		return false
	}
	if !f.After.IsZero() && m.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !m.CreatedAt.Before(f.Before) {
		return false
	}
	if f.Pred != nil && !f.Pred(m) {
		return false
	}
	return true
}

// Adapter is the vector-store contract, one namespace per memory context.
type Adapter interface {
	// Ensure idempotently creates the namespace for contextID. It must be
	// cheap when the namespace is empty; no storage is allocated until the
	// first Add.
	Ensure(ctx context.Context, contextID string) error

	// Add appends an item to the namespace. IDs are unique per namespace;
	// re-adding an existing ID replaces the item.
	Add(ctx context.Context, contextID string, item Item) error

	// Search returns up to k items from the namespace that pass filter,
	// ranked by descending inner-product similarity to query. Tied scores
	// are broken by descending CreatedAt, then ascending ID.
	Search(ctx context.Context, contextID string, query []float32, k int, filter Filter) ([]Result, error)

	// Delete removes the identified items. Missing IDs are not errors.
	Delete(ctx context.Context, contextID string, ids []string) error

	// Clear removes every item in the namespace but keeps the namespace.
	Clear(ctx context.Context, contextID string) error

	// Drop removes the namespace and all its items.
	Drop(ctx context.Context, contextID string) error

	// ListItems calls fn for every item in the namespace, in unspecified
	// order, for maintenance and retention sweeps. Returning a non-nil error
	// from fn stops the iteration and is returned verbatim.
	ListItems(ctx context.Context, contextID string, fn func(Item) error) error
}

// Normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Dot returns the inner product of a and b over their common length.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

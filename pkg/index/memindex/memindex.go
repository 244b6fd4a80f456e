// Package memindex provides an exact, in-memory implementation of the
// [index.Adapter] contract: brute-force inner product over a flat slice of
// unit vectors per namespace.
//
// It is the reference implementation for tests and is adequate for small
// deployments (a few thousand items per context). All methods are safe for
// concurrent use.
package memindex

import (
	"context"
	"sort"
	"sync"

	"github.com/mnemo-ai/mnemo/pkg/index"
)

var _ index.Adapter = (*Index)(nil)

// Index is the in-memory adapter. The zero value is not usable; construct
// with [New].
type Index struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
}

type namespace struct {
	mu    sync.RWMutex
	items map[string]index.Item
}

// New creates an empty Index.
func New() *Index {
	return &Index{namespaces: make(map[string]*namespace)}
}

// Ensure implements [index.Adapter]. Creating an existing namespace is a
// no-op; an empty namespace costs one map entry.
func (ix *Index) Ensure(_ context.Context, contextID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.namespaces[contextID]; !ok {
		ix.namespaces[contextID] = &namespace{items: make(map[string]index.Item)}
	}
	return nil
}

// ns returns the namespace for contextID, or nil when absent.
func (ix *Index) ns(contextID string) *namespace {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.namespaces[contextID]
}

// Add implements [index.Adapter]. Re-adding an existing ID replaces the item.
func (ix *Index) Add(_ context.Context, contextID string, item index.Item) error {
	n := ix.ns(contextID)
	if n == nil {
		return index.ErrNamespaceMissing
	}
	n.mu.Lock()
	n.items[item.ID] = item
	n.mu.Unlock()
	return nil
}

// Search implements [index.Adapter]: exact inner product over every item in
// the namespace, descending score, ties broken by descending CreatedAt then
// ascending ID.
func (ix *Index) Search(ctx context.Context, contextID string, query []float32, k int, filter index.Filter) ([]index.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := ix.ns(contextID)
	if n == nil {
		return nil, index.ErrNamespaceMissing
	}
	if k <= 0 {
		return []index.Result{}, nil
	}

	n.mu.RLock()
	results := make([]index.Result, 0, len(n.items))
	for _, it := range n.items {
		if !filter.Match(it.Meta) {
			continue
		}
		results = append(results, index.Result{Item: it, Score: index.Dot(query, it.Vector)})
	}
	n.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.Meta.CreatedAt.Equal(b.Item.Meta.CreatedAt) {
			return a.Item.Meta.CreatedAt.After(b.Item.Meta.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete implements [index.Adapter]. Missing IDs are not errors.
func (ix *Index) Delete(_ context.Context, contextID string, ids []string) error {
	n := ix.ns(contextID)
	if n == nil {
		return index.ErrNamespaceMissing
	}
	n.mu.Lock()
	for _, id := range ids {
		delete(n.items, id)
	}
	n.mu.Unlock()
	return nil
}

// Clear implements [index.Adapter]: removes every item but keeps the
// namespace.
func (ix *Index) Clear(_ context.Context, contextID string) error {
	n := ix.ns(contextID)
	if n == nil {
		return index.ErrNamespaceMissing
	}
	n.mu.Lock()
	n.items = make(map[string]index.Item)
	n.mu.Unlock()
	return nil
}

// Drop implements [index.Adapter]: removes the namespace entirely.
func (ix *Index) Drop(_ context.Context, contextID string) error {
	ix.mu.Lock()
	delete(ix.namespaces, contextID)
	ix.mu.Unlock()
	return nil
}

// ListItems implements [index.Adapter]. Iteration order is unspecified. The
// item set is snapshotted up front so fn may call back into the index.
func (ix *Index) ListItems(ctx context.Context, contextID string, fn func(index.Item) error) error {
	n := ix.ns(contextID)
	if n == nil {
		return index.ErrNamespaceMissing
	}

	n.mu.RLock()
	snapshot := make([]index.Item, 0, len(n.items))
	for _, it := range n.items {
		snapshot = append(snapshot, it)
	}
	n.mu.RUnlock()

	for _, it := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of items stored under contextID. Used by tests and
// context stats.
func (ix *Index) Len(contextID string) int {
	n := ix.ns(contextID)
	if n == nil {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.items)
}

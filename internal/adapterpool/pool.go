// Package adapterpool maintains a bounded set of live vector-index handles,
// one per memory context, with LRU eviction. Opening a handle may be
// expensive (connection setup, namespace ensure), so concurrent lookups for
// the same context are coalesced into a single open.
package adapterpool

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mnemo-ai/mnemo/pkg/index"
)

// DefaultCapacity bounds how many context handles stay live at once.
const DefaultCapacity = 256

// Opener builds a ready-to-use adapter for one context. The returned adapter
// must already have its namespace ensured.
type Opener func(ctx context.Context, contextID string) (index.Adapter, error)

// Pool is a bounded contextID -> adapter cache. Safe for concurrent use.
type Pool struct {
	open     Opener
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	closed  bool

	flight singleflight.Group
}

type poolEntry struct {
	contextID string
	adapter   index.Adapter
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacity overrides [DefaultCapacity]. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.capacity = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New builds a Pool around open.
func New(open Opener, opts ...Option) *Pool {
	p := &Pool{
		open:     open,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Get returns the live adapter for contextID, opening one if needed.
// Concurrent callers for the same cold context share a single open; its
// error is delivered to all of them and nothing is cached.
func (p *Pool) Get(ctx context.Context, contextID string) (index.Adapter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("adapterpool: pool closed")
	}
	if el, ok := p.entries[contextID]; ok {
		p.lru.MoveToFront(el)
		a := el.Value.(*poolEntry).adapter
		p.mu.Unlock()
		return a, nil
	}
	p.mu.Unlock()

	v, err, _ := p.flight.Do(contextID, func() (any, error) {
		// Re-check: a previous flight may have installed the handle
		// between our miss and this closure running.
		p.mu.Lock()
		if el, ok := p.entries[contextID]; ok {
			p.lru.MoveToFront(el)
			a := el.Value.(*poolEntry).adapter
			p.mu.Unlock()
			return a, nil
		}
		p.mu.Unlock()

		a, err := p.open(ctx, contextID)
		if err != nil {
			return nil, fmt.Errorf("adapterpool: open %s: %w", contextID, err)
		}
		p.install(contextID, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(index.Adapter), nil
}

func (p *Pool) install(contextID string, a index.Adapter) {
	var evicted []*poolEntry

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeAdapter(p.logger, contextID, a)
		return
	}
	p.entries[contextID] = p.lru.PushFront(&poolEntry{contextID: contextID, adapter: a})
	for p.lru.Len() > p.capacity {
		oldest := p.lru.Back()
		e := oldest.Value.(*poolEntry)
		p.lru.Remove(oldest)
		delete(p.entries, e.contextID)
		evicted = append(evicted, e)
	}
	p.mu.Unlock()

	for _, e := range evicted {
		closeAdapter(p.logger, e.contextID, e.adapter)
	}
}

// Drop removes and closes the handle for contextID, if live. Called when a
// context is deleted so a stale handle cannot serve a dead namespace.
func (p *Pool) Drop(contextID string) {
	p.mu.Lock()
	el, ok := p.entries[contextID]
	if ok {
		p.lru.Remove(el)
		delete(p.entries, contextID)
	}
	p.mu.Unlock()
	if ok {
		closeAdapter(p.logger, contextID, el.Value.(*poolEntry).adapter)
	}
}

// Len reports how many handles are live.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Close closes every live handle and rejects further lookups.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var all []*poolEntry
	for el := p.lru.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*poolEntry))
	}
	p.entries = make(map[string]*list.Element)
	p.lru.Init()
	p.mu.Unlock()

	for _, e := range all {
		closeAdapter(p.logger, e.contextID, e.adapter)
	}
	return nil
}

func closeAdapter(logger *slog.Logger, contextID string, a index.Adapter) {
	c, ok := a.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("index handle close failed", "context", contextID, "error", err)
	}
}

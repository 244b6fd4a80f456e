package embedcache

import (
	"context"
	"sync"
	"time"
)

var _ Backend = (*LocalBackend)(nil)

// LocalBackend is an in-process [Backend]: a map with per-entry expiry.
// Expired entries are dropped lazily on read and swept opportunistically
// on write once the map grows past sweepThreshold.
type LocalBackend struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	vec       []float32
	expiresAt time.Time
}

const sweepThreshold = 4096

// NewLocalBackend creates an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// Get implements [Backend].
func (b *LocalBackend) Get(_ context.Context, key string) ([]float32, bool, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if b.now().After(e.expiresAt) {
		b.mu.Lock()
		delete(b.entries, key)
		b.mu.Unlock()
		return nil, false, nil
	}
	return e.vec, true, nil
}

// Set implements [Backend].
func (b *LocalBackend) Set(_ context.Context, key string, vec []float32, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= sweepThreshold {
		b.sweepLocked()
	}
	b.entries[key] = localEntry{vec: vec, expiresAt: b.now().Add(ttl)}
	return nil
}

// Len reports the number of live entries. Used by tests.
func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *LocalBackend) sweepLocked() {
	now := b.now()
	for k, e := range b.entries {
		if now.After(e.expiresAt) {
			delete(b.entries, k)
		}
	}
}

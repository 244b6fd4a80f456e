// Package memstore is the in-memory [store.Store] implementation, used by
// tests and single-node development deployments. All methods are safe for
// concurrent use; counter updates are atomic under the store lock.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/internal/store"
)

var _ store.Store = (*Store)(nil)

type sessionKey struct{ contextID, sessionID string }

type credKey struct{ ownerID, family string }

// Store holds every entity in plain maps. Construct with [New].
type Store struct {
	mu          sync.RWMutex
	owners      map[string]store.Owner
	contexts    map[string]store.Context
	sessions    map[sessionKey]store.Session
	usage       []store.UsageRecord
	events      map[string]store.Event
	credentials map[credKey]store.Credential
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		owners:      make(map[string]store.Owner),
		contexts:    make(map[string]store.Context),
		sessions:    make(map[sessionKey]store.Session),
		events:      make(map[string]store.Event),
		credentials: make(map[credKey]store.Credential),
	}
}

// ── Owners ──────────────────────────────────────────────────────────────────

func (s *Store) CreateOwner(_ context.Context, o store.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[o.ID]; ok {
		return fmt.Errorf("memstore: owner %s already exists", o.ID)
	}
	s.owners[o.ID] = o
	return nil
}

func (s *Store) GetOwner(_ context.Context, id string) (store.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[id]
	if !ok {
		return store.Owner{}, store.ErrNotFound
	}
	return o, nil
}

func (s *Store) UpdateOwner(_ context.Context, o store.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.owners[o.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.State = o.State
	cur.HasInstrument = o.HasInstrument
	cur.SubscriptionID = o.SubscriptionID
	cur.GraceDeadline = o.GraceDeadline
	s.owners[o.ID] = cur
	return nil
}

func (s *Store) AddTokens(_ context.Context, ownerID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	if !ok {
		return 0, store.ErrNotFound
	}
	o.CumulTokens += delta
	s.owners[ownerID] = o
	return o.CumulTokens, nil
}

func (s *Store) AdvanceReported(_ context.Context, ownerID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	if !ok {
		return store.ErrNotFound
	}
	o.CumulTokensReported += delta
	s.owners[ownerID] = o
	return nil
}

func (s *Store) ListOwners(_ context.Context, states ...store.BillingState) ([]store.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Owner
	for _, o := range s.owners {
		if len(states) == 0 {
			out = append(out, o)
			continue
		}
		for _, st := range states {
			if o.State == st {
				out = append(out, o)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Contexts ────────────────────────────────────────────────────────────────

func (s *Store) CreateContext(_ context.Context, c store.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[c.ID]; ok {
		return fmt.Errorf("memstore: context %s already exists", c.ID)
	}
	s.contexts[c.ID] = c
	return nil
}

func (s *Store) GetContext(_ context.Context, id string) (store.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return store.Context{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListContexts(_ context.Context, ownerID string) ([]store.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Context
	for _, c := range s.contexts {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteContext(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.contexts, id)
	for k := range s.sessions {
		if k.contextID == id {
			delete(s.sessions, k)
		}
	}
	return nil
}

func (s *Store) TouchContext(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastUsedAt = at
	s.contexts[id] = c
	return nil
}

// ── Sessions ────────────────────────────────────────────────────────────────

func (s *Store) TouchSession(_ context.Context, contextID, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{contextID, sessionID}
	sess, ok := s.sessions[k]
	if !ok {
		sess = store.Session{ContextID: contextID, ID: sessionID, CreatedAt: at}
	}
	sess.LastUsedAt = at
	s.sessions[k] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, contextID, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey{contextID, sessionID}]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ListSessions(_ context.Context, contextID string) ([]store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Session
	for k, sess := range s.sessions {
		if k.contextID == contextID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, contextID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{contextID, sessionID}
	if _, ok := s.sessions[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, k)
	return nil
}

func (s *Store) BumpSessionCounters(_ context.Context, contextID, sessionID string, chunks, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{contextID, sessionID}
	sess, ok := s.sessions[k]
	if !ok {
		return store.ErrNotFound
	}
	sess.ChunkCount += chunks
	sess.TokenCount += tokens
	s.sessions[k] = sess
	return nil
}

// ── Usage ───────────────────────────────────────────────────────────────────

func (s *Store) InsertUsage(_ context.Context, r store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, r)
	return nil
}

func (s *Store) ListUsage(_ context.Context, ownerID string, f store.UsageFilter) ([]store.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.UsageRecord
	for _, r := range s.usage {
		if r.OwnerID != ownerID {
			continue
		}
		if f.ContextID != "" && r.ContextID != f.ContextID {
			continue
		}
		if !f.After.IsZero() && !r.CreatedAt.After(f.After) {
			continue
		}
		if !f.Before.IsZero() && !r.CreatedAt.Before(f.Before) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ── Events ──────────────────────────────────────────────────────────────────

func (s *Store) InsertEvent(_ context.Context, e store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return store.ErrDuplicateEvent
	}
	s.events[e.ID] = e
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return store.Event{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, id string, at time.Time, procErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	if procErr == "" {
		e.Processed = true
		e.ProcessedAt = &at
		e.Error = ""
	} else {
		e.Error = procErr
	}
	s.events[id] = e
	return nil
}

// ── Credentials ─────────────────────────────────────────────────────────────

func (s *Store) UpsertCredential(_ context.Context, c store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credKey{c.OwnerID, c.Family}] = c
	return nil
}

func (s *Store) GetCredential(_ context.Context, ownerID, family string) (store.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credKey{ownerID, family}]
	if !ok {
		return store.Credential{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCredentials(_ context.Context, ownerID string) ([]store.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Credential
	for k, c := range s.credentials {
		if k.ownerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out, nil
}

func (s *Store) TouchCredential(_ context.Context, ownerID, family string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := credKey{ownerID, family}
	c, ok := s.credentials[k]
	if !ok {
		return store.ErrNotFound
	}
	c.LastUsedAt = &at
	s.credentials[k] = c
	return nil
}

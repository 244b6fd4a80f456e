// Package resolver turns bearer tokens into (context, owner) pairs and
// resolves provider credentials, fronting the store with a read-mostly
// cache. It is the authentication seam of the gateway: everything after it
// trusts the resolved identities.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/internal/store"
)

// ContextIDPrefix is the stable prefix of externally rendered context ids.
const ContextIDPrefix = "mk_"

// DefaultCredentialTTL bounds how long a cached credential may be served
// before the store is consulted again.
const DefaultCredentialTTL = 5 * time.Minute

var (
	// ErrUnauthorized covers unknown, malformed, and inactive context ids.
	ErrUnauthorized = errors.New("resolver: unknown or inactive context id")

	// ErrProviderKeyMissing is returned when the owner has no active
	// credential for the requested provider family.
	ErrProviderKeyMissing = errors.New("resolver: no provider credential for family")
)

// Decryptor recovers a plaintext provider key from its stored ciphertext.
// Encryption at rest is an external collaborator; the resolver only sees
// the two ends of it.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// PlainDecryptor passes ciphertext through unchanged, for development and
// tests.
type PlainDecryptor struct{}

// Decrypt implements [Decryptor].
func (PlainDecryptor) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// Identity is a resolved caller.
type Identity struct {
	Context store.Context
	Owner   store.Owner
}

// Resolver authenticates context ids and resolves credentials. Safe for
// concurrent use; credential reads are lock-free on the hot path.
type Resolver struct {
	contexts store.Contexts
	owners   store.Owners
	creds    store.Credentials
	dec      Decryptor
	ttl      time.Duration
	now      func() time.Time

	// cache maps "ownerID\x00family" to cachedCred. Readers never lock;
	// fills race benignly (last write wins, values are equal).
	cache sync.Map
}

type cachedCred struct {
	key       string
	expiresAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCredentialTTL overrides [DefaultCredentialTTL].
func WithCredentialTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New constructs a Resolver. A nil dec defaults to [PlainDecryptor].
func New(contexts store.Contexts, owners store.Owners, creds store.Credentials, dec Decryptor, opts ...Option) *Resolver {
	if dec == nil {
		dec = PlainDecryptor{}
	}
	r := &Resolver{
		contexts: contexts,
		owners:   owners,
		creds:    creds,
		dec:      dec,
		ttl:      DefaultCredentialTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve authenticates a bearer token and loads the caller's context and
// owner. Every failure mode collapses into [ErrUnauthorized] so the surface
// cannot be used to probe which ids exist.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if !strings.HasPrefix(token, ContextIDPrefix) {
		return Identity{}, ErrUnauthorized
	}
	c, err := r.contexts.GetContext(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrUnauthorized
	}
	if err != nil {
		return Identity{}, fmt.Errorf("resolver: load context: %w", err)
	}
	if !c.Active {
		return Identity{}, ErrUnauthorized
	}
	o, err := r.owners.GetOwner(ctx, c.OwnerID)
	if err != nil {
		return Identity{}, fmt.Errorf("resolver: load owner %s: %w", c.OwnerID, err)
	}
	return Identity{Context: c, Owner: o}, nil
}

// Credential returns the decrypted provider key for (ownerID, family),
// serving from cache within the TTL.
func (r *Resolver) Credential(ctx context.Context, ownerID, family string) (string, error) {
	key := ownerID + "\x00" + family
	if v, ok := r.cache.Load(key); ok {
		cc := v.(cachedCred)
		if r.now().Before(cc.expiresAt) {
			return cc.key, nil
		}
		r.cache.Delete(key)
	}

	c, err := r.creds.GetCredential(ctx, ownerID, family)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrProviderKeyMissing, family)
	}
	if err != nil {
		return "", fmt.Errorf("resolver: load credential: %w", err)
	}
	if !c.Active {
		return "", fmt.Errorf("%w: %s", ErrProviderKeyMissing, family)
	}

	plain, err := r.dec.Decrypt(c.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("resolver: decrypt credential: %w", err)
	}
	r.cache.Store(key, cachedCred{key: plain, expiresAt: r.now().Add(r.ttl)})

	// Best-effort; last-used is advisory metadata.
	_ = r.creds.TouchCredential(ctx, ownerID, family, r.now())
	return plain, nil
}

// Invalidate drops the cached credential for (ownerID, family). Called
// after credential writes.
func (r *Resolver) Invalidate(ownerID, family string) {
	r.cache.Delete(ownerID + "\x00" + family)
}

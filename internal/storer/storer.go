// Package storer persists conversation turns into the vector index. It
// decides what to keep (system messages never, ephemeral messages never,
// inputs and outputs per request flags), splits oversized text into chunks,
// embeds each chunk through the cache, and maintains session counters.
//
// The storer runs off the request's critical path: failures are returned to
// the orchestrator for logging and partial-usage flagging, never to the
// client.
package storer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	"github.com/mnemo-ai/mnemo/pkg/tokens"
)

// DefaultSoftLimit is the chunk split threshold in estimated tokens.
const DefaultSoftLimit = 4000

// Message is one inbound conversation message as the storer sees it. Memory
// false marks the message ephemeral: it is never persisted and its tokens
// are accounted separately.
type Message struct {
	Role    string
	Content string
	Memory  bool
}

// Request carries everything one store pass needs.
type Request struct {
	ContextID string
	Session   string
	Model     string
	Provider  string
	RequestID string

	Messages        []Message
	AssistantOutput string

	StoreInput    bool
	StoreResponse bool
}

// Result reports what one store pass did, in estimated tokens.
type Result struct {
	StoredInputTokens  int64
	StoredOutputTokens int64
	EphemeralTokens    int64
	StoredChunks       int
}

// Storer writes accepted chunks into the index adapter. Safe for concurrent
// use.
type Storer struct {
	adapter   index.Adapter
	embedder  embeddings.Provider
	sessions  store.Sessions
	softLimit int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Storer.
type Option func(*Storer)

// WithSoftLimit overrides [DefaultSoftLimit].
func WithSoftLimit(limit int) Option {
	return func(s *Storer) { s.softLimit = limit }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storer) { s.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storer) { s.now = now }
}

// New constructs a Storer.
func New(adapter index.Adapter, embedder embeddings.Provider, sessions store.Sessions, opts ...Option) *Storer {
	s := &Storer{
		adapter:   adapter,
		embedder:  embedder,
		sessions:  sessions,
		softLimit: DefaultSoftLimit,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store runs one persistence pass. It is called after the response is fully
// captured. Partial failures persist what they can and return the first
// error alongside the counts accumulated so far.
func (s *Storer) Store(ctx context.Context, req Request) (Result, error) {
	var res Result

	type pending struct {
		role string
		text string
	}
	var accepted []pending

	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		if !m.Memory {
			res.EphemeralTokens += int64(tokens.Estimate(m.Content))
			continue
		}
		if !req.StoreInput {
			continue
		}
		accepted = append(accepted, pending{role: m.Role, text: m.Content})
	}
	if req.StoreResponse && strings.TrimSpace(req.AssistantOutput) != "" {
		accepted = append(accepted, pending{role: "assistant", text: req.AssistantOutput})
	}
	if len(accepted) == 0 {
		return res, nil
	}

	if err := s.adapter.Ensure(ctx, req.ContextID); err != nil {
		return res, fmt.Errorf("storer: ensure namespace: %w", err)
	}

	now := s.now()
	for _, p := range accepted {
		for _, chunk := range SplitText(p.text, s.softLimit) {
			n, err := s.storeChunk(ctx, req, p.role, chunk, now)
			if err != nil {
				return res, err
			}
			res.StoredChunks++
			if p.role == "assistant" {
				res.StoredOutputTokens += int64(n)
			} else {
				res.StoredInputTokens += int64(n)
			}
		}
	}

	total := res.StoredInputTokens + res.StoredOutputTokens
	if err := s.sessions.BumpSessionCounters(ctx, req.ContextID, req.Session, int64(res.StoredChunks), total); err != nil {
		s.logger.WarnContext(ctx, "session counter update failed",
			"context_id", req.ContextID, "session", req.Session, "error", err)
	}
	return res, nil
}

// storeChunk embeds and indexes one chunk, returning its estimated tokens.
func (s *Storer) storeChunk(ctx context.Context, req Request, role, text string, at time.Time) (int, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("storer: embed chunk: %w", err)
	}
	n := tokens.Estimate(text)
	sum := sha256.Sum256([]byte(text))

	item := index.Item{
		ID:      uuid.NewString(),
		Vector:  index.Normalize(vec),
		Content: text,
		Meta: index.Meta{
			Role:        role,
			Session:     req.Session,
			CreatedAt:   at,
			Model:       req.Model,
			Provider:    req.Provider,
			RequestID:   req.RequestID,
			TokenCount:  n,
			ContentHash: hex.EncodeToString(sum[:]),
		},
	}
	if err := s.adapter.Add(ctx, req.ContextID, item); err != nil {
		return 0, fmt.Errorf("storer: add chunk: %w", err)
	}
	return n, nil
}

// SplitText splits text into pieces of at most softLimit estimated tokens.
// Paragraph boundaries are preferred, then sentence boundaries, then a hard
// character cut. Text within the limit is returned unchanged.
func SplitText(text string, softLimit int) []string {
	if tokens.Estimate(text) <= softLimit {
		return []string{text}
	}

	var out []string
	for _, piece := range packUnits(strings.Split(text, "\n\n"), "\n\n", softLimit) {
		if tokens.Estimate(piece) <= softLimit {
			out = append(out, piece)
			continue
		}
		for _, sent := range packUnits(strings.SplitAfter(piece, ". "), "", softLimit) {
			if tokens.Estimate(sent) <= softLimit {
				out = append(out, sent)
				continue
			}
			out = append(out, hardSplit(sent, softLimit)...)
		}
	}
	return out
}

// packUnits greedily joins consecutive units with sep while the running
// estimate stays under softLimit. Oversized single units pass through
// unsplit for the next stage.
func packUnits(units []string, sep string, softLimit int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, u := range units {
		if u == "" {
			continue
		}
		candidate := u
		if cur.Len() > 0 {
			candidate = cur.String() + sep + u
		}
		if tokens.Estimate(candidate) <= softLimit {
			cur.Reset()
			cur.WriteString(candidate)
			continue
		}
		flush()
		cur.WriteString(u)
	}
	flush()
	return out
}

// hardSplit cuts text into fixed-size character slices of roughly softLimit
// tokens each.
func hardSplit(text string, softLimit int) []string {
	maxChars := softLimit * tokens.CharsPerToken
	var out []string
	for len(text) > maxChars {
		out = append(out, text[:maxChars])
		text = text[maxChars:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

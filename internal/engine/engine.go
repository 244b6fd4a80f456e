// Package engine implements temporally-windowed semantic retrieval: a query
// and a (context, session) pair in, an ordered list of memory chunks out.
//
// Retrieval walks a fixed pipeline: embed the query, oversample candidates
// from the index, classify each by age window, decay similarity by recency,
// allocate result slots equally across windows with backfill, deduplicate by
// normalised content, apply the minimum-score floor, and order by effective
// score. Given the same candidates, thresholds, and clock, the result is
// deterministic.
package engine

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
)

// RecencyBias selects how strongly recent chunks are favoured over older
// ones with equal similarity.
type RecencyBias string

const (
	BiasLow    RecencyBias = "low"
	BiasMedium RecencyBias = "medium"
	BiasHigh   RecencyBias = "high"
)

// beta returns the decay weight for the bias. Unknown values fall back to
// medium.
func (b RecencyBias) beta() float64 {
	switch b {
	case BiasLow:
		return 0.1
	case BiasHigh:
		return 0.6
	default:
		return 0.3
	}
}

// Entry is one retrieved chunk with its derived window and effective score.
type Entry struct {
	Item   index.Item
	Window string
	Score  float64
}

// Defaults for engine tuning knobs.
const (
	DefaultOversample = 4
	DefaultScoreFloor = 0.1
	DefaultBudget     = 500 * time.Millisecond
)

// Engine performs windowed retrieval against an index adapter. Safe for
// concurrent use.
type Engine struct {
	adapter    index.Adapter
	embedder   embeddings.Provider
	windows    []WindowDef
	oversample int
	floor      float64
	budget     time.Duration
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindows replaces [DefaultWindows]. The definitions must pass
// [ValidateWindows]; New returns the validation error otherwise.
func WithWindows(defs []WindowDef) Option {
	return func(e *Engine) { e.windows = defs }
}

// WithOversample sets the candidate oversampling factor (minimum 2).
func WithOversample(factor int) Option {
	return func(e *Engine) { e.oversample = factor }
}

// WithScoreFloor sets the minimum effective score kept in results.
func WithScoreFloor(floor float64) Option {
	return func(e *Engine) { e.floor = floor }
}

// WithBudget caps the wall-clock time of one Retrieve call.
func WithBudget(d time.Duration) Option {
	return func(e *Engine) { e.budget = d }
}

// WithClock overrides the time source. Tests use this for deterministic
// window classification.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine over the given adapter and embedder.
func New(adapter index.Adapter, embedder embeddings.Provider, opts ...Option) (*Engine, error) {
	e := &Engine{
		adapter:    adapter,
		embedder:   embedder,
		windows:    DefaultWindows(),
		oversample: DefaultOversample,
		floor:      DefaultScoreFloor,
		budget:     DefaultBudget,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if err := ValidateWindows(e.windows); err != nil {
		return nil, err
	}
	if e.oversample < 2 {
		return nil, fmt.Errorf("engine: oversample factor %d below minimum 2", e.oversample)
	}
	return e, nil
}

// Retrieve returns up to limit chunks for query within (contextID, session),
// ordered by descending effective score. A session of "" matches all
// sessions in the context. The call is bounded by the configured budget.
func (e *Engine) Retrieve(ctx context.Context, contextID, session, query string, limit int, bias RecencyBias) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	qv, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("engine: embed query: %w", err)
	}
	qv = index.Normalize(qv)

	now := e.now()
	filter := index.Filter{Session: session}
	if h := horizon(e.windows); h > 0 {
		filter.After = now.Add(-h)
	}

	results, err := e.adapter.Search(ctx, contextID, qv, limit*e.oversample, filter)
	if err != nil {
		return nil, fmt.Errorf("engine: search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	beta := bias.beta()
	candidates := make([]Entry, 0, len(results))
	for _, r := range results {
		age := now.Sub(r.Item.Meta.CreatedAt)
		if age < 0 {
			age = 0
		}
		win := classify(e.windows, age)
		if win == "" {
			continue
		}
		candidates = append(candidates, Entry{
			Item:   r.Item,
			Window: win,
			Score:  r.Score * decay(beta, age),
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	picked := allocate(candidates, e.windows, limit)
	picked = dedupe(picked)
	picked, fellBack := e.applyFloor(picked, candidates, limit)

	// The recency fallback is already ordered; everything else orders by
	// effective score.
	if !fellBack {
		sortEntries(picked)
	}
	if len(picked) > limit {
		picked = picked[:limit]
	}
	return picked, nil
}

// decay is the recency multiplier (1 - beta) + beta * exp(-age_hours / 24).
// It is 1 at age zero and tends to (1 - beta) as the chunk ages.
func decay(beta float64, age time.Duration) float64 {
	return (1 - beta) + beta*math.Exp(-age.Hours()/24)
}

// allocate applies equal allocation with backfill: each window gets a quota
// of ceil(limit / W) filled by descending score, then unused quota is
// backfilled from the leftover candidates of any window, again by score.
func allocate(candidates []Entry, windows []WindowDef, limit int) []Entry {
	quota := (limit + len(windows) - 1) / len(windows)

	byWindow := make(map[string][]Entry, len(windows))
	for _, c := range candidates {
		byWindow[c.Window] = append(byWindow[c.Window], c)
	}

	picked := make([]Entry, 0, limit)
	var leftover []Entry
	for _, w := range windows {
		group := byWindow[w.Name]
		sortEntries(group)
		take := quota
		if take > len(group) {
			take = len(group)
		}
		picked = append(picked, group[:take]...)
		leftover = append(leftover, group[take:]...)
	}

	sortEntries(leftover)
	for _, c := range leftover {
		if len(picked) >= limit {
			break
		}
		picked = append(picked, c)
	}
	return picked
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// normalizeContent lowercases and collapses runs of whitespace so near-equal
// chunks dedupe.
func normalizeContent(s string) string {
	return whitespaceRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// dedupe drops entries whose normalised content collides with a
// higher-scored entry.
func dedupe(entries []Entry) []Entry {
	sortEntries(entries)
	seen := make(map[string]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		key := normalizeContent(e.Item.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// applyFloor drops entries below the score floor. If that would empty a
// non-empty candidate set, it falls back to the most recent candidates
// instead, so a short query against a genuine thread still yields context.
// The second return reports whether the fallback fired.
func (e *Engine) applyFloor(picked, candidates []Entry, limit int) ([]Entry, bool) {
	kept := picked[:0]
	for _, p := range picked {
		if p.Score >= e.floor {
			kept = append(kept, p)
		}
	}
	if len(kept) > 0 || len(candidates) == 0 {
		return kept, false
	}

	recent := dedupe(append([]Entry(nil), candidates...))
	sort.SliceStable(recent, func(i, j int) bool {
		a, b := recent[i], recent[j]
		if !a.Item.Meta.CreatedAt.Equal(b.Item.Meta.CreatedAt) {
			return a.Item.Meta.CreatedAt.After(b.Item.Meta.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, true
}

// sortEntries orders by descending score, ties by descending created_at,
// then ascending ID. This ordering is the engine's determinism contract.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.Meta.CreatedAt.Equal(b.Item.Meta.CreatedAt) {
			return a.Item.Meta.CreatedAt.After(b.Item.Meta.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
}

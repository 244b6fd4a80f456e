// Package gateway is the request orchestrator: it strings resolution,
// admission, retrieval, splicing, forwarding, capture, storage, and metering
// together for one inference call.
//
// The critical path ends when the provider stream is handed to the client.
// Storage and metering run on a detached task with their own deadline; the
// client never waits on them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/billing"
	"github.com/mnemo-ai/mnemo/internal/engine"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/internal/proxy"
	"github.com/mnemo-ai/mnemo/internal/resolver"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/internal/storer"
	"github.com/mnemo-ai/mnemo/internal/tee"
	"github.com/mnemo-ai/mnemo/pkg/format"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	"github.com/mnemo-ai/mnemo/pkg/tokens"
)

// DefaultAsyncDeadline bounds the detached storage-and-metering task.
const DefaultAsyncDeadline = 10 * time.Second

// DefaultContextLimit is the retrieval cap when the caller sets none.
const DefaultContextLimit = 12

// Mode selects which halves of the memory pipeline run for a call.
type Mode uint8

const (
	// ModeAuto retrieves before the call and stores after it.
	ModeAuto Mode = iota
	// ModeRead retrieves but never stores.
	ModeRead
	// ModeWrite stores but never retrieves.
	ModeWrite
	// ModeOff disables both halves; the call is a plain proxy.
	ModeOff
)

// ParseMode parses the wire form of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "read":
		return ModeRead, nil
	case "write":
		return ModeWrite, nil
	case "off":
		return ModeOff, nil
	}
	return ModeAuto, fmt.Errorf("gateway: unknown memory mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeOff:
		return "off"
	default:
		return "auto"
	}
}

func (m Mode) reads() bool  { return m == ModeAuto || m == ModeRead }
func (m Mode) writes() bool { return m == ModeAuto || m == ModeWrite }

// Controls are the per-call memory controls, already parsed from headers.
type Controls struct {
	// Session overrides the session id. Takes precedence over the body's
	// session_id; when both are empty the session defaults to the context id.
	Session       string
	Mode          Mode
	StoreInput    bool
	StoreResponse bool
	ContextLimit  int
	Bias          engine.RecencyBias
}

// DefaultControls returns the documented defaults.
func DefaultControls() Controls {
	return Controls{
		Mode:          ModeAuto,
		StoreInput:    true,
		StoreResponse: true,
		ContextLimit:  DefaultContextLimit,
		Bias:          engine.BiasMedium,
	}
}

// Kind classifies a gateway error for status mapping at the surface.
type Kind uint8

const (
	KindValidation Kind = iota
	KindAuth
	KindPayment
	KindCredentialMissing
	KindUnreachable
	KindTimeout
	KindInternal
)

// Error is a typed orchestration failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Message, e.err)
	}
	return "gateway: " + e.Message
}

func (e *Error) Unwrap() error { return e.err }

func fail(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: err}
}

// Result is a successful hand-off to the client. Body is the tee's forward
// branch (or the provider body verbatim for non-2xx passthrough); the caller
// must drain and close it.
type Result struct {
	RequestID string
	Session   string

	// Status and Header are the provider's, passed through untouched.
	Status int
	Header http.Header
	Body   io.ReadCloser

	// Retrieved is the token count of the spliced preamble entries.
	Retrieved int64

	// StoredEstimate approximates the tokens the detached storage pass will
	// persist from the inputs. The response headers carry it because the
	// exact count is not known until after the client is gone.
	StoredEstimate int64

	// Decision carries quota and billing-warning data for response headers.
	Decision billing.Decision
}

// Gateway wires the pipeline. All collaborators are process-wide singletons
// passed in at construction.
type Gateway struct {
	resolver *resolver.Resolver
	billing  *billing.Service
	pool     *adapterpool.Pool
	embedder embeddings.Provider
	router   *proxy.Router
	st       store.Store
	metrics  *observe.Metrics
	logger   *slog.Logger

	engineOpts []engine.Option
	storerOpts []storer.Option

	asyncDeadline time.Duration
	now           func() time.Time
	background    sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEngineOptions forwards tuning options to per-call engines.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(g *Gateway) { g.engineOpts = append(g.engineOpts, opts...) }
}

// WithStorerOptions forwards tuning options to per-call storers.
func WithStorerOptions(opts ...storer.Option) Option {
	return func(g *Gateway) { g.storerOpts = append(g.storerOpts, opts...) }
}

// WithAsyncDeadline overrides [DefaultAsyncDeadline].
func WithAsyncDeadline(d time.Duration) Option {
	return func(g *Gateway) { g.asyncDeadline = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New constructs a Gateway.
func New(res *resolver.Resolver, bill *billing.Service, pool *adapterpool.Pool,
	embedder embeddings.Provider, router *proxy.Router, st store.Store,
	metrics *observe.Metrics, opts ...Option) *Gateway {
	g := &Gateway{
		resolver:      res,
		billing:       bill,
		pool:          pool,
		embedder:      embedder,
		router:        router,
		st:            st,
		metrics:       metrics,
		logger:        slog.Default(),
		asyncDeadline: DefaultAsyncDeadline,
		now:           time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Drain blocks until all detached storage-and-metering tasks have finished.
// Called on shutdown so captured responses are not lost.
func (g *Gateway) Drain() {
	g.background.Wait()
}

// body is the parsed common shape of both inference surfaces.
type body struct {
	model     string
	stream    bool
	sessionID string
	messages  []storer.Message
	raw       map[string]any
}

var allowedRoles = map[string]bool{
	"system": true, "user": true, "assistant": true, "tool": true,
}

// contentText flattens a message content value to text. Structured content
// (arrays of typed parts) contributes its text parts joined by newlines.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func parseBody(raw []byte) (*body, *Error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fail(KindValidation, "INVALID_JSON", "request body is not valid JSON", err)
	}

	model, _ := m["model"].(string)
	if model == "" {
		return nil, fail(KindValidation, "MODEL_REQUIRED", "model is required", nil)
	}
	rawMsgs, ok := m["messages"].([]any)
	if !ok || len(rawMsgs) == 0 {
		return nil, fail(KindValidation, "MESSAGES_REQUIRED", "messages must be a non-empty array", nil)
	}

	b := &body{model: model, raw: m}
	b.stream, _ = m["stream"].(bool)
	b.sessionID, _ = m["session_id"].(string)

	for i, rm := range rawMsgs {
		obj, ok := rm.(map[string]any)
		if !ok {
			return nil, fail(KindValidation, "INVALID_MESSAGE", fmt.Sprintf("message %d is not an object", i), nil)
		}
		role, _ := obj["role"].(string)
		if !allowedRoles[role] {
			return nil, fail(KindValidation, "INVALID_ROLE", fmt.Sprintf("message %d has unsupported role %q", i, role), nil)
		}
		memory := true
		if v, ok := obj["memory"].(bool); ok {
			memory = v
		}
		b.messages = append(b.messages, storer.Message{
			Role:    role,
			Content: contentText(obj["content"]),
			Memory:  memory,
		})
	}
	return b, nil
}

// lastUserContent is the retrieval query: the content of the final user
// message, empty when there is none.
func (b *body) lastUserContent() string {
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Role == "user" {
			return b.messages[i].Content
		}
	}
	return ""
}

// splice injects the preamble into the request body: into the top-level
// system string when present (messages-style), otherwise merged into a
// leading system message or inserted as a new one.
func splice(m map[string]any, preamble string) {
	if preamble == "" {
		return
	}
	if sys, ok := m["system"].(string); ok {
		if sys == "" {
			m["system"] = preamble
		} else {
			m["system"] = preamble + "\n\n" + sys
		}
		return
	}
	msgs, _ := m["messages"].([]any)
	if len(msgs) > 0 {
		if first, ok := msgs[0].(map[string]any); ok {
			if role, _ := first["role"].(string); role == "system" {
				if content, ok := first["content"].(string); ok {
					head := map[string]any{"role": "system", "content": preamble + "\n\n" + content}
					m["messages"] = append([]any{head}, msgs[1:]...)
					return
				}
			}
		}
	}
	head := map[string]any{"role": "system", "content": preamble}
	m["messages"] = append([]any{head}, msgs...)
}

// Infer runs one inference call end to end. The returned *Error (nil on
// success) carries the kind the surface maps to a status code; provider
// non-2xx responses are NOT errors — they come back in Result verbatim.
func (g *Gateway) Infer(ctx context.Context, token string, rawBody []byte, ctrl Controls) (*Result, *Error) {
	requestID := uuid.NewString()
	log := g.logger.With("request", requestID)

	// 1. Resolve.
	ident, err := g.resolver.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, resolver.ErrUnauthorized) {
			return nil, fail(KindAuth, "INVALID_CONTEXT_ID", "unknown or inactive context id", err)
		}
		return nil, fail(KindInternal, "INTERNAL", "context resolution failed", err)
	}

	// 2. Admission.
	decision := g.billing.Admit(ctx, ident.Owner)
	g.metrics.RecordAdmission(ctx, string(ident.Owner.State), decision.Allowed)
	if !decision.Allowed {
		return nil, &Error{
			Kind:    KindPayment,
			Code:    decision.Code,
			Message: "request denied by billing state",
		}
	}

	// 3. Parse body and memory controls.
	b, ferr := parseBody(rawBody)
	if ferr != nil {
		return nil, ferr
	}
	session := ctrl.Session
	if session == "" {
		session = b.sessionID
	}
	if session == "" {
		session = ident.Context.ID
	}
	limit := ctrl.ContextLimit
	if limit <= 0 {
		limit = DefaultContextLimit
	}

	family, bareModel := proxy.ParseModel(b.model)

	now := g.now()
	if err := g.st.TouchContext(ctx, ident.Context.ID, now); err != nil {
		log.WarnContext(ctx, "context touch failed", "error", err)
	}
	if err := g.st.TouchSession(ctx, ident.Context.ID, session, now); err != nil {
		log.WarnContext(ctx, "session touch failed", "error", err)
	}

	// 4. Retrieve and splice. Engine failures degrade to an empty preamble.
	var retrieved int64
	if ctrl.Mode.reads() {
		entries, rerr := g.retrieve(ctx, ident.Context.ID, session, b.lastUserContent(), limit, ctrl.Bias)
		if rerr != nil {
			log.WarnContext(ctx, "retrieval degraded to empty preamble", "error", rerr)
		}
		if len(entries) > 0 {
			fentries := make([]format.Entry, len(entries))
			for i, e := range entries {
				fentries[i] = format.Entry{Role: e.Item.Meta.Role, Window: e.Window, Content: e.Item.Content}
				retrieved += int64(e.Item.Meta.TokenCount)
			}
			splice(b.raw, format.PreambleFor(b.model, fentries))
			g.metrics.RecordTokens(ctx, 0, 0, retrieved, 0)
		}
	}

	// 5. Credential.
	credential, err := g.resolver.Credential(ctx, ident.Owner.ID, string(family))
	if err != nil {
		if errors.Is(err, resolver.ErrProviderKeyMissing) {
			return nil, fail(KindCredentialMissing, "PROVIDER_KEY_MISSING",
				fmt.Sprintf("no %s credential configured for this account", family), err)
		}
		return nil, fail(KindInternal, "INTERNAL", "credential resolution failed", err)
	}

	// 6. Forward. The provider call runs on a context detached from the
	// client's: a disconnect releases the forward branch, not the provider
	// stream, so the tee's grace window can still capture what the provider
	// produced. The router's wall-clock timeout bounds the call either way.
	start := g.now()
	resp, err := g.router.Do(context.WithoutCancel(ctx), proxy.Request{
		Family:     family,
		Model:      bareModel,
		Credential: credential,
		Body:       b.raw,
		Stream:     b.stream,
	})
	g.metrics.ProviderDuration.Record(ctx, g.now().Sub(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", string(family))))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.metrics.RecordProviderError(ctx, string(family), "timeout")
			return nil, fail(KindTimeout, "PROVIDER_TIMEOUT", "provider missed its deadline", err)
		}
		g.metrics.RecordProviderError(ctx, string(family), "unreachable")
		return nil, fail(KindUnreachable, "PROVIDER_UNREACHABLE", "provider unreachable", err)
	}

	var storedEstimate int64
	if ctrl.Mode.writes() && ctrl.StoreInput {
		for _, msg := range b.messages {
			if msg.Role != "system" && msg.Memory {
				storedEstimate += int64(tokens.Estimate(msg.Content))
			}
		}
	}

	result := &Result{
		RequestID:      requestID,
		Session:        session,
		Status:         resp.StatusCode,
		Header:         resp.Header,
		Retrieved:      retrieved,
		StoredEstimate: storedEstimate,
		Decision:       decision,
	}

	// 9. Provider errors pass through verbatim: no capture, no storage.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.metrics.RecordProviderRequest(ctx, string(family), "error")
		result.Body = resp.Body
		return result, nil
	}
	g.metrics.RecordProviderRequest(ctx, string(family), "ok")

	// 7. Tee: client reads the forward branch; capture feeds extraction.
	var sink io.Writer
	var parser proxy.DeltaParser
	var buf *bytes.Buffer
	if b.stream {
		parser = proxy.NewDeltaParser(family)
		sink = parser
	} else {
		buf = &bytes.Buffer{}
		sink = buf
	}
	t := tee.New(resp.Body, sink)
	result.Body = t.Forward()

	// 8. Storage and metering, off the critical path.
	g.metrics.ActiveStreams.Add(ctx, 1)
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		defer g.metrics.ActiveStreams.Add(context.Background(), -1)
		teeRes := t.Wait()

		var output string
		if teeRes.Overflowed {
			g.metrics.CaptureOverflows.Add(context.Background(), 1)
		} else if b.stream {
			output = parser.Text()
		} else if text, xerr := proxy.ExtractText(family, buf.Bytes()); xerr == nil {
			output = text
		} else {
			log.Warn("response text extraction failed", "error", xerr)
		}

		g.finish(finishInput{
			log:       log,
			ident:     ident,
			body:      b,
			ctrl:      ctrl,
			session:   session,
			requestID: requestID,
			family:    family,
			output:    output,
			retrieved: retrieved,
			overflow:  teeRes.Overflowed,
		})
	}()

	return result, nil
}

type finishInput struct {
	log       *slog.Logger
	ident     resolver.Identity
	body      *body
	ctrl      Controls
	session   string
	requestID string
	family    proxy.Family
	output    string
	retrieved int64
	overflow  bool
}

// finish runs the storer and the meter with their own deadline, retrying
// each once. Failures are logged and flagged on the usage record; the
// client has long since moved on.
func (g *Gateway) finish(in finishInput) {
	ctx, cancel := context.WithTimeout(context.Background(), g.asyncDeadline)
	defer cancel()

	start := g.now()
	var sres storer.Result
	partial := in.overflow
	if in.ctrl.Mode.writes() && !in.overflow {
		adapter, err := g.pool.Get(ctx, in.ident.Context.ID)
		if err != nil {
			in.log.Error("storage skipped: no index handle", "error", err)
			partial = true
		} else {
			st := storer.New(adapter, g.embedder, g.st, g.storerOpts...)
			req := storer.Request{
				ContextID:       in.ident.Context.ID,
				Session:         in.session,
				Model:           in.body.model,
				Provider:        string(in.family),
				RequestID:       in.requestID,
				Messages:        in.body.messages,
				AssistantOutput: in.output,
				StoreInput:      in.ctrl.StoreInput,
				StoreResponse:   in.ctrl.StoreResponse,
			}
			sres, err = st.Store(ctx, req)
			if err != nil {
				in.log.Warn("storage pass failed, retrying once", "error", err)
				if sres, err = st.Store(ctx, req); err != nil {
					in.log.Error("storage pass failed", "error", err)
					partial = true
				}
			}
		}
	}
	g.metrics.StorageDuration.Record(ctx, g.now().Sub(start).Seconds())
	g.metrics.RecordTokens(ctx, sres.StoredInputTokens, sres.StoredOutputTokens, 0, sres.EphemeralTokens)

	meter := billing.MeterInput{
		OwnerID:        in.ident.Owner.ID,
		ContextID:      in.ident.Context.ID,
		RequestID:      in.requestID,
		RecordID:       uuid.NewString(),
		StoredInput:    sres.StoredInputTokens,
		StoredOutput:   sres.StoredOutputTokens,
		Retrieved:      in.retrieved,
		Ephemeral:      sres.EphemeralTokens,
		Model:          in.body.model,
		Provider:       string(in.family),
		PartialStorage: partial,
	}
	if err := g.billing.Meter(ctx, meter); err != nil {
		in.log.Warn("metering failed, retrying once", "error", err)
		if err := g.billing.Meter(ctx, meter); err != nil {
			in.log.Error("metering failed", "error", err)
		}
	}
}

// retrieve builds a per-call engine over the context's index handle.
func (g *Gateway) retrieve(ctx context.Context, contextID, session, query string, limit int, bias engine.RecencyBias) ([]engine.Entry, error) {
	if query == "" {
		return nil, nil
	}
	adapter, err := g.pool.Get(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("gateway: index handle: %w", err)
	}
	eng, err := engine.New(adapter, g.embedder, g.engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: engine: %w", err)
	}
	start := g.now()
	entries, err := eng.Retrieve(ctx, contextID, session, query, limit, bias)
	g.metrics.RetrievalDuration.Record(ctx, g.now().Sub(start).Seconds())
	return entries, err
}

// Package server is the HTTP surface: the two inference endpoints, the
// management and billing APIs, the subscription-events intake, and the
// health and metrics endpoints, all mounted on one chi router.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/billing"
	"github.com/mnemo-ai/mnemo/internal/engine"
	"github.com/mnemo-ai/mnemo/internal/events"
	"github.com/mnemo-ai/mnemo/internal/gateway"
	"github.com/mnemo-ai/mnemo/internal/health"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/internal/resolver"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 10 << 20

// Deps are the collaborators the server mounts routes over.
type Deps struct {
	Gateway   *gateway.Gateway
	Store     store.Store
	Billing   *billing.Service
	Resolver  *resolver.Resolver
	Pool      *adapterpool.Pool
	Embedder  embeddings.Provider
	Verifier  *events.Verifier
	Processor *events.Processor
	Health    *health.Handler
	Metrics   *observe.Metrics

	// Portal is the external billing portal; nil means [NoPortal].
	Portal Portal
}

// Server holds the handler state. Construct with [New], mount with
// [Server.Router].
type Server struct {
	deps       Deps
	engineOpts []engine.Option
	limiter    *rateLimiter
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit sets the per-caller request rate for the inference
// endpoints. Zero rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = newRateLimiter(rps, burst) }
}

// WithEngineOptions forwards tuning options to the session-search engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New constructs a Server.
func New(deps Deps, opts ...Option) *Server {
	if deps.Portal == nil {
		deps.Portal = NoPortal{}
	}
	s := &Server{
		deps:    deps,
		limiter: newRateLimiter(DefaultRPS, DefaultBurst),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.deps.Metrics))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	s.deps.Health.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.middleware)
			r.Post("/chat/completions", s.handleChatCompletions)
			r.Post("/messages", s.handleMessages)
		})

		r.Route("/contexts", func(r chi.Router) {
			r.Get("/", s.handleListContexts)
			r.Post("/", s.handleCreateContext)
			r.Delete("/{contextID}", s.handleDeleteContext)
			r.Post("/{contextID}/clear", s.handleClearContext)
			r.Get("/{contextID}/stats", s.handleContextStats)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Get("/{sessionID}/search", s.handleSearchSession)
		})

		r.Route("/billing", func(r chi.Router) {
			r.Get("/", s.handleBillingOverview)
			r.Get("/usage", s.handleBillingUsage)
			r.Get("/payment-methods", s.handlePaymentMethods)
			r.Get("/invoices", s.handleInvoices)
			r.Get("/quota", s.handleQuota)
		})
	})

	return r
}

// bearer extracts the bearer token, empty when absent or malformed.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticate resolves the bearer context id, writing a 401 on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (resolver.Identity, bool) {
	token := bearer(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "MISSING_CONTEXT_ID", "Authorization: Bearer <context-id> required")
		return resolver.Identity{}, false
	}
	ident, err := s.deps.Resolver.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CONTEXT_ID", "unknown or inactive context id")
		return resolver.Identity{}, false
	}
	return ident, true
}

// requireContext verifies that the path's context id belongs to the authed
// owner, writing a 404 otherwise (existence is not disclosed across owners).
func (s *Server) requireContext(w http.ResponseWriter, r *http.Request, ownerID, contextID string) (store.Context, bool) {
	c, err := s.deps.Store.GetContext(r.Context(), contextID)
	if err != nil || c.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "CONTEXT_NOT_FOUND", "no such context")
		return store.Context{}, false
	}
	return c, true
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// decodeJSON parses the request body into v. An empty body decodes to the
// zero value.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps gateway error kinds to HTTP statuses.
func statusFor(kind gateway.Kind) int {
	switch kind {
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindAuth:
		return http.StatusUnauthorized
	case gateway.KindPayment:
		return http.StatusPaymentRequired
	case gateway.KindCredentialMissing:
		return http.StatusUnprocessableEntity
	case gateway.KindUnreachable:
		return http.StatusBadGateway
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

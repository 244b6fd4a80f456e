package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/billing"
	"github.com/mnemo-ai/mnemo/internal/events"
	"github.com/mnemo-ai/mnemo/internal/gateway"
	"github.com/mnemo-ai/mnemo/internal/health"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/internal/proxy"
	"github.com/mnemo-ai/mnemo/internal/resolver"
	"github.com/mnemo-ai/mnemo/internal/server"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/internal/store/memstore"
	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/index/memindex"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings/mock"
)

const webhookSecret = "whsec_test"

type env struct {
	srv      *httptest.Server
	gw       *gateway.Gateway
	ms       *memstore.Store
	verifier *events.Verifier
}

func newEnv(t *testing.T, opts ...server.Option) *env {
	t.Helper()
	ctx := context.Background()

	ms := memstore.New()
	require.NoError(t, ms.CreateOwner(ctx, store.Owner{ID: "own-1", State: store.StateActive}))
	require.NoError(t, ms.CreateContext(ctx, store.Context{ID: "mk_test", OwnerID: "own-1", Active: true}))
	require.NoError(t, ms.UpsertCredential(ctx, store.Credential{
		OwnerID: "own-1", Family: "openai", Ciphertext: "sk-openai", Active: true,
	}))

	ix := memindex.New()
	pool := adapterpool.New(func(ctx context.Context, contextID string) (index.Adapter, error) {
		if err := ix.Ensure(ctx, contextID); err != nil {
			return nil, err
		}
		return ix, nil
	})
	t.Cleanup(func() { _ = pool.Close() })

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Understood."}}]}`)
	}))
	t.Cleanup(provider.Close)

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)

	res := resolver.New(ms, ms, ms, nil)
	bill := billing.New(ms, ms, billing.DefaultConfig())
	embedder := &mock.Provider{
		EmbedFunc:       func(string) ([]float32, error) { return []float32{1, 0, 0}, nil },
		DimensionsValue: 3,
	}
	gw := gateway.New(res, bill, pool, embedder,
		proxy.NewRouter(proxy.WithEndpoint(proxy.FamilyOpenAI, provider.URL)),
		ms, metrics, gateway.WithAsyncDeadline(5*time.Second))

	verifier := events.NewVerifier(webhookSecret, 0, nil)
	s := server.New(server.Deps{
		Gateway:   gw,
		Store:     ms,
		Billing:   bill,
		Resolver:  res,
		Pool:      pool,
		Embedder:  embedder,
		Verifier:  verifier,
		Processor: events.NewProcessor(ms, bill, nil),
		Health:    health.New(),
		Metrics:   metrics,
	}, opts...)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, gw: gw, ms: ms, verifier: verifier}
}

func (e *env) request(t *testing.T, method, path, token, body string, headers map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	m := decodeBody(t, resp)
	errObj, _ := m["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

const chatBody = `{"model":"openai/gpt-4","messages":[{"role":"user","content":"hi"}]}`

func TestInference_AuthAndHeaders(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "", chatBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodPost, "/v1/chat/completions", "mk_nope", chatBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CONTEXT_ID", errorCode(t, resp))

	resp = e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", chatBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mk_test", resp.Header.Get("X-Memory-Session"))
	assert.Equal(t, "unlimited", resp.Header.Get("X-Quota-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, resp.Header.Get("X-Memory-Tokens-Retrieved"))
	resp.Body.Close()
	e.gw.Drain()
}

func TestInference_SessionHeaderOverridesBody(t *testing.T) {
	e := newEnv(t)

	body := `{"model":"openai/gpt-4","session_id":"from-body","messages":[{"role":"user","content":"hi"}]}`
	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", body,
		map[string]string{"X-Session-ID": "from-header"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from-header", resp.Header.Get("X-Memory-Session"))
	resp.Body.Close()
	e.gw.Drain()
}

// Admission reads the counter before the increment: the request that
// crosses the allowance is served, the next is denied.
func TestInference_FreeTierExhaustion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.ms.CreateOwner(ctx, store.Owner{
		ID: "own-free", State: store.StateFree,
		CumulTokens: billing.DefaultFreeAllowance - 10,
	}))
	require.NoError(t, e.ms.CreateContext(ctx, store.Context{ID: "mk_free", OwnerID: "own-free", Active: true}))
	require.NoError(t, e.ms.UpsertCredential(ctx, store.Credential{
		OwnerID: "own-free", Family: "openai", Ciphertext: "sk", Active: true,
	}))

	body := `{"model":"openai/gpt-4","messages":[{"role":"user","content":"a message worth a dozen tokens at least"}]}`
	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_free", body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	e.gw.Drain()

	resp = e.request(t, http.MethodPost, "/v1/chat/completions", "mk_free", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, billing.CodeFreeTierExhausted, errorCode(t, resp))
}

func TestInference_MissingCredential(t *testing.T) {
	e := newEnv(t)
	body := `{"model":"anthropic/claude-3-opus","messages":[{"role":"user","content":"hi"}]}`
	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "PROVIDER_KEY_MISSING", errorCode(t, resp))
}

func TestInference_MessagesShapeRequiresMaxTokens(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodPost, "/v1/messages", "mk_test", chatBody, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MAX_TOKENS_REQUIRED", errorCode(t, resp))

	withMax := `{"model":"openai/gpt-4","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`
	resp = e.request(t, http.MethodPost, "/v1/messages", "mk_test", withMax, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	e.gw.Drain()
}

func TestInference_InvalidControlHeader(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", chatBody,
		map[string]string{"X-Memory-Mode": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_HEADER", errorCode(t, resp))
}

func TestRouting_NotFoundAndMethodNotAllowed(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodGet, "/v1/definitely-not-a-route", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/v1/chat/completions", "mk_test", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "METHOD_NOT_ALLOWED", errorCode(t, resp))
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, server.WithRateLimit(1, 1))

	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", chatBody, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	e.gw.Drain()

	resp = e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", chatBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, resp))
}

// ── webhook ─────────────────────────────────────────────────────────────────

func (e *env) postEvent(t *testing.T, body string) *http.Response {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return e.request(t, http.MethodPost, "/v1/events", "", body, map[string]string{
		"X-Webhook-Timestamp": ts,
		"X-Webhook-Signature": e.verifier.Sign(ts, []byte(body)),
	})
}

func TestEvents_SignatureRequired(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodPost, "/v1/events", "", `{"id":"evt_1","type":"payment_failed"}`,
		map[string]string{
			"X-Webhook-Timestamp": strconv.FormatInt(time.Now().Unix(), 10),
			"X-Webhook-Signature": "deadbeef",
		})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "SIGNATURE_INVALID", errorCode(t, resp))
}

func TestEvents_ProcessAndReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, e.ms.CreateOwner(ctx, store.Owner{
		ID: "own-grace", State: store.StateGrace, GraceDeadline: &deadline,
	}))

	body := `{"id":"evt_9","type":"payment_succeeded","data":{"owner_id":"own-grace"}}`

	resp := e.postEvent(t, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processed", decodeBody(t, resp)["status"])

	o, err := e.ms.GetOwner(ctx, "own-grace")
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, o.State)

	resp = e.postEvent(t, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_processed", decodeBody(t, resp)["status"])
}

func TestEvents_UnknownTypeAcknowledged(t *testing.T) {
	e := newEnv(t)
	resp := e.postEvent(t, `{"id":"evt_x","type":"price_updated","data":{"owner_id":"nobody"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", decodeBody(t, resp)["status"])
}

// ── management ──────────────────────────────────────────────────────────────

func TestContexts_Lifecycle(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/v1/contexts", "mk_test", `{"name":"staging"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeBody(t, resp)
	id := created["id"].(string)
	assert.True(t, strings.HasPrefix(id, "mk_"))
	assert.Equal(t, "staging", created["name"])

	resp = e.request(t, http.MethodGet, "/v1/contexts", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody(t, resp)["contexts"].([]any)
	assert.Len(t, list, 2)

	resp = e.request(t, http.MethodGet, "/v1/contexts/"+id+"/stats", "mk_test", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodDelete, "/v1/contexts/"+id, "mk_test", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/v1/contexts/"+id+"/stats", "mk_test", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSessions_ListAfterInference(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", chatBody,
		map[string]string{"X-Session-ID": "sess-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	e.gw.Drain()

	resp = e.request(t, http.MethodGet, "/v1/sessions", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decodeBody(t, resp)["sessions"].([]any)
	require.NotEmpty(t, sessions)

	resp = e.request(t, http.MethodGet, "/v1/sessions/sess-1", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeBody(t, resp)
	assert.Equal(t, "sess-1", sess["id"])
	assert.Greater(t, sess["chunk_count"].(float64), 0.0)

	resp = e.request(t, http.MethodDelete, "/v1/sessions/sess-1", "mk_test", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/v1/sessions/sess-1", "mk_test", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestContexts_ClearResetsSessions(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodPost, "/v1/chat/completions", "mk_test", chatBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	e.gw.Drain()

	resp = e.request(t, http.MethodPost, "/v1/contexts/mk_test/clear", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/v1/sessions", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody(t, resp)["sessions"])
}

func TestBilling_OverviewAndQuota(t *testing.T) {
	e := newEnv(t)

	resp := e.request(t, http.MethodGet, "/v1/billing", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	overview := decodeBody(t, resp)
	assert.Equal(t, "active", overview["state"])
	assert.EqualValues(t, billing.DefaultFreeAllowance, overview["free_allowance"])

	resp = e.request(t, http.MethodGet, "/v1/billing/quota", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	quota := decodeBody(t, resp)
	assert.Equal(t, "unlimited", quota["remaining"])

	resp = e.request(t, http.MethodGet, "/v1/billing/payment-methods", "mk_test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody(t, resp)["payment_methods"])

	resp = e.request(t, http.MethodGet, "/v1/billing/usage", "mk_test", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

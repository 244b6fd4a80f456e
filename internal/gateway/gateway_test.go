package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/billing"
	"github.com/mnemo-ai/mnemo/internal/gateway"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/internal/proxy"
	"github.com/mnemo-ai/mnemo/internal/resolver"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/internal/store/memstore"
	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/index/memindex"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings/mock"
)

// providerStub captures forwarded request bodies and plays back canned
// responses.
type providerStub struct {
	mu      sync.Mutex
	bodies  [][]byte
	respond func(w http.ResponseWriter)
}

func (p *providerStub) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.bodies = append(p.bodies, body)
	respond := p.respond
	p.mu.Unlock()
	respond(w)
}

func (p *providerStub) lastBody(t *testing.T) map[string]any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.bodies)
	var m map[string]any
	require.NoError(t, json.Unmarshal(p.bodies[len(p.bodies)-1], &m))
	return m
}

func (p *providerStub) setResponse(fn func(w http.ResponseWriter)) {
	p.mu.Lock()
	p.respond = fn
	p.mu.Unlock()
}

func jsonResponse(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

// keywordVec gives texts about the codename one axis and everything else
// another, so similarity ranking is deterministic.
func keywordVec(text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "codename") {
		return []float32{1, 0, 0}, nil
	}
	return []float32{0, 1, 0}, nil
}

type env struct {
	gw   *gateway.Gateway
	ms   *memstore.Store
	ix   index.Adapter
	stub *providerStub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	ms := memstore.New()
	require.NoError(t, ms.CreateOwner(ctx, store.Owner{ID: "own-1", State: store.StateActive}))
	require.NoError(t, ms.CreateContext(ctx, store.Context{ID: "mk_test", OwnerID: "own-1", Active: true}))
	for _, fam := range []string{"anthropic", "openai", "openrouter"} {
		require.NoError(t, ms.UpsertCredential(ctx, store.Credential{
			OwnerID: "own-1", Family: fam, Ciphertext: "sk-" + fam, Active: true,
		}))
	}

	ix := memindex.New()
	pool := adapterpool.New(func(ctx context.Context, contextID string) (index.Adapter, error) {
		if err := ix.Ensure(ctx, contextID); err != nil {
			return nil, err
		}
		return ix, nil
	})
	t.Cleanup(func() { _ = pool.Close() })

	stub := &providerStub{respond: jsonResponse(`{"choices":[{"message":{"content":"Understood."}}]}`)}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	router := proxy.NewRouter(
		proxy.WithEndpoint(proxy.FamilyAnthropic, srv.URL),
		proxy.WithEndpoint(proxy.FamilyOpenAI, srv.URL),
		proxy.WithEndpoint(proxy.FamilyOpenRouter, srv.URL),
	)

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)

	gw := gateway.New(
		resolver.New(ms, ms, ms, nil),
		billing.New(ms, ms, billing.DefaultConfig()),
		pool,
		&mock.Provider{EmbedFunc: keywordVec, DimensionsValue: 3},
		router,
		ms,
		metrics,
		gateway.WithAsyncDeadline(5*time.Second),
	)
	return &env{gw: gw, ms: ms, ix: ix, stub: stub}
}

// run drives one call to completion: drains the forward branch and waits
// for the detached storage task.
func (e *env) run(t *testing.T, body string, ctrl gateway.Controls) (*gateway.Result, string) {
	t.Helper()
	res, gerr := e.gw.Infer(context.Background(), "mk_test", []byte(body), ctrl)
	require.Nil(t, gerr)
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	e.gw.Drain()
	return res, string(out)
}

func (e *env) storedContents(t *testing.T) []string {
	t.Helper()
	var contents []string
	require.NoError(t, e.ix.ListItems(context.Background(), "mk_test", func(it index.Item) error {
		contents = append(contents, it.Content)
		return nil
	}))
	return contents
}

func TestInfer_CrossFamilyMemoryReuse(t *testing.T) {
	e := newEnv(t)

	e.stub.setResponse(jsonResponse(`{"content":[{"type":"text","text":"Noted."}]}`))
	res, _ := e.run(t, `{
		"model": "anthropic/claude-3-opus",
		"messages": [{"role": "user", "content": "Remember: my codename is Kingfisher."}]
	}`, gateway.DefaultControls())
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "mk_test", res.Session, "session defaults to the context id")

	e.stub.setResponse(jsonResponse(`{"choices":[{"message":{"content":"Kingfisher."}}]}`))
	res, _ = e.run(t, `{
		"model": "openai/gpt-4",
		"messages": [{"role": "user", "content": "What is my codename?"}]
	}`, gateway.DefaultControls())
	assert.GreaterOrEqual(t, res.Retrieved, int64(1))

	forwarded := e.stub.lastBody(t)
	msgs := forwarded["messages"].([]any)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "Kingfisher",
		"memory stored under one family is spliced into another family's request")

	// The retrieved total is metered onto the usage records, not just
	// reported back to the caller.
	records, err := e.ms.ListUsage(context.Background(), "own-1", store.UsageFilter{ContextID: "mk_test"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	var metered int64
	for _, rec := range records {
		metered += rec.Retrieved
	}
	assert.Equal(t, res.Retrieved, metered)
}

func TestInfer_ClientDisconnectGraceCapture(t *testing.T) {
	e := newEnv(t)

	e.stub.setResponse(func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, delta := range []string{"Hello, ", "world", "."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			fl.Flush()
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, gerr := e.gw.Infer(ctx, "mk_test", []byte(`{
		"model": "openai/gpt-4",
		"stream": true,
		"messages": [{"role": "user", "content": "Say hello"}]
	}`), gateway.DefaultControls())
	require.Nil(t, gerr)

	// Read the first delta, then drop the connection the way a closing
	// client does: cancel the request context and close the forward branch.
	buf := make([]byte, 64)
	_, err := res.Body.Read(buf)
	require.NoError(t, err)
	cancel()
	require.NoError(t, res.Body.Close())

	e.gw.Drain()
	assert.Contains(t, e.storedContents(t), "Hello, world.",
		"output produced after the disconnect is still captured within the grace window")
}

func TestInfer_SelectiveMemory(t *testing.T) {
	e := newEnv(t)

	e.run(t, `{
		"model": "openai/gpt-4",
		"messages": [
			{"role": "user", "content": "Here are reference docs: DOC-BODY", "memory": false},
			{"role": "user", "content": "Summarise them"}
		]
	}`, gateway.DefaultControls())

	contents := e.storedContents(t)
	var sawSummarise bool
	for _, c := range contents {
		assert.NotContains(t, c, "DOC-BODY")
		if strings.Contains(c, "Summarise them") {
			sawSummarise = true
		}
	}
	assert.True(t, sawSummarise, "the unflagged message is stored")
}

func TestInfer_StreamingCaptureAndStorage(t *testing.T) {
	e := newEnv(t)

	e.stub.setResponse(func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello, ", "world", "."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	res, raw := e.run(t, `{
		"model": "openai/gpt-4",
		"stream": true,
		"messages": [{"role": "user", "content": "Say hello"}]
	}`, gateway.DefaultControls())
	assert.Equal(t, http.StatusOK, res.Status)

	// The client sees the raw SSE bytes with the payloads in order.
	hello := strings.Index(raw, "Hello, ")
	world := strings.Index(raw, "world")
	dot := strings.LastIndex(raw, ".")
	require.GreaterOrEqual(t, hello, 0)
	assert.Greater(t, world, hello)
	assert.Greater(t, dot, world)

	assert.Contains(t, e.storedContents(t), "Hello, world.",
		"the reassembled assistant output is stored as one chunk")
}

func TestInfer_ModeOffStoresNothing(t *testing.T) {
	e := newEnv(t)

	ctrl := gateway.DefaultControls()
	ctrl.Mode = gateway.ModeOff
	e.run(t, `{
		"model": "openai/gpt-4",
		"messages": [{"role": "user", "content": "my codename is Kingfisher"}]
	}`, ctrl)

	assert.Empty(t, e.storedContents(t))
	forwarded := e.stub.lastBody(t)
	msgs := forwarded["messages"].([]any)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "user", first["role"], "no preamble spliced in off mode")
}

func TestInfer_ProviderErrorPassthrough(t *testing.T) {
	e := newEnv(t)
	e.stub.setResponse(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	})

	res, gerr := e.gw.Infer(context.Background(), "mk_test", []byte(`{
		"model": "openai/gpt-4",
		"messages": [{"role": "user", "content": "hi"}]
	}`), gateway.DefaultControls())
	require.Nil(t, gerr)
	defer res.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, res.Status)
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"type":"rate_limit_error"}}`, string(raw),
		"provider error bodies pass through verbatim")

	e.gw.Drain()
	assert.Empty(t, e.storedContents(t), "nothing is stored from failed responses")
}

func TestInfer_ErrorKinds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	valid := `{"model":"openai/gpt-4","messages":[{"role":"user","content":"hi"}]}`

	_, gerr := e.gw.Infer(ctx, "sk-bogus", []byte(valid), gateway.DefaultControls())
	require.NotNil(t, gerr)
	assert.Equal(t, gateway.KindAuth, gerr.Kind)

	_, gerr = e.gw.Infer(ctx, "mk_test", []byte(`{"messages":[{"role":"user","content":"hi"}]}`), gateway.DefaultControls())
	require.NotNil(t, gerr)
	assert.Equal(t, gateway.KindValidation, gerr.Kind)

	_, gerr = e.gw.Infer(ctx, "mk_test", []byte(`{"model":"openai/gpt-4","messages":[]}`), gateway.DefaultControls())
	require.NotNil(t, gerr)
	assert.Equal(t, gateway.KindValidation, gerr.Kind)

	// No credential for the google family.
	_, gerr = e.gw.Infer(ctx, "mk_test", []byte(`{"model":"google/gemini-pro","messages":[{"role":"user","content":"hi"}]}`), gateway.DefaultControls())
	require.NotNil(t, gerr)
	assert.Equal(t, gateway.KindCredentialMissing, gerr.Kind)
	assert.Equal(t, "PROVIDER_KEY_MISSING", gerr.Code)

	// Suspended owners are denied before anything else runs.
	require.NoError(t, e.ms.UpdateOwner(ctx, store.Owner{ID: "own-1", State: store.StateSuspended}))
	_, gerr = e.gw.Infer(ctx, "mk_test", []byte(valid), gateway.DefaultControls())
	require.NotNil(t, gerr)
	assert.Equal(t, gateway.KindPayment, gerr.Kind)
	assert.Equal(t, billing.CodeAccountSuspended, gerr.Code)
}

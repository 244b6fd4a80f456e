package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout is the wall-clock deadline for one provider call,
// including the full streaming read.
const DefaultTimeout = 120 * time.Second

// anthropicVersion is the API version header Anthropic requires.
const anthropicVersion = "2023-06-01"

// defaultMaxTokens is injected when an anthropic-bound request carries no
// explicit max_tokens (the Anthropic API rejects requests without one).
const defaultMaxTokens = 4096

// ErrUnreachable wraps transport-level failures reaching the provider.
var ErrUnreachable = errors.New("proxy: provider unreachable")

// Request is one outbound provider call, post-splice: Body already contains
// the memory preamble and every passthrough field from the client.
type Request struct {
	Family     Family
	Model      string // bare model name, family prefix trimmed
	Credential string
	Body       map[string]any
	Stream     bool
}

// Router forwards requests to provider endpoints. Safe for concurrent use.
type Router struct {
	client    *http.Client
	overrides map[Family]string
}

// Option configures a Router.
type Option func(*Router)

// WithHTTPClient replaces the default client (and its [DefaultTimeout]).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) { r.client = c }
}

// WithEndpoint overrides the full endpoint URL for one family. Tests point
// this at capturing stubs.
func WithEndpoint(f Family, url string) Option {
	return func(r *Router) { r.overrides[f] = url }
}

// NewRouter constructs a Router with production endpoints.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		client:    &http.Client{Timeout: DefaultTimeout},
		overrides: make(map[Family]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do transforms and forwards req, returning the provider response with its
// body stream untouched. Non-2xx responses are returned, not errors; only
// transport failures produce an error.
func (r *Router) Do(ctx context.Context, req Request) (*http.Response, error) {
	body, err := transformBody(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("proxy: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(req), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setCredential(httpReq.Header, req.Family, req.Credential)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, req.Family, err)
	}
	return resp, nil
}

func (r *Router) endpoint(req Request) string {
	if u, ok := r.overrides[req.Family]; ok {
		return u
	}
	switch req.Family {
	case FamilyAnthropic:
		return "https://api.anthropic.com/v1/messages"
	case FamilyGoogle:
		if req.Stream {
			return "https://generativelanguage.googleapis.com/v1beta/models/" + req.Model + ":streamGenerateContent?alt=sse"
		}
		return "https://generativelanguage.googleapis.com/v1beta/models/" + req.Model + ":generateContent"
	case FamilyMistral:
		return "https://api.mistral.ai/v1/chat/completions"
	case FamilyOpenRouter, FamilyMetaLlama:
		return "https://openrouter.ai/api/v1/chat/completions"
	default:
		return "https://api.openai.com/v1/chat/completions"
	}
}

func setCredential(h http.Header, f Family, credential string) {
	switch f {
	case FamilyAnthropic:
		h.Set("x-api-key", credential)
		h.Set("anthropic-version", anthropicVersion)
	case FamilyGoogle:
		h.Set("x-goog-api-key", credential)
	default:
		h.Set("Authorization", "Bearer "+credential)
	}
}

// transformBody applies the family's request-shape transform on a shallow
// copy of the body, leaving unrecognised passthrough fields untouched.
func transformBody(req Request) (map[string]any, error) {
	body := make(map[string]any, len(req.Body)+2)
	for k, v := range req.Body {
		body[k] = v
	}

	switch req.Family {
	case FamilyMetaLlama:
		// OpenRouter carries llama models under their fully-qualified name.
		body["model"] = "meta-llama/" + req.Model
	case FamilyGoogle:
		// The model travels in the URL, not the body.
		delete(body, "model")
	default:
		body["model"] = req.Model
	}

	if req.Family == FamilyAnthropic {
		if err := transformAnthropic(body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// transformAnthropic moves system-role entries out of the message list into
// the top-level system field and guarantees max_tokens is present.
func transformAnthropic(body map[string]any) error {
	rawMsgs, ok := body["messages"].([]any)
	if ok {
		var systems []string
		kept := make([]any, 0, len(rawMsgs))
		for _, rm := range rawMsgs {
			m, ok := rm.(map[string]any)
			if !ok {
				kept = append(kept, rm)
				continue
			}
			if role, _ := m["role"].(string); role == "system" {
				if text, ok := m["content"].(string); ok {
					systems = append(systems, text)
				}
				continue
			}
			kept = append(kept, rm)
		}
		if len(systems) > 0 {
			joined := ""
			for i, s := range systems {
				if i > 0 {
					joined += "\n\n"
				}
				joined += s
			}
			if existing, ok := body["system"].(string); ok && existing != "" {
				joined = joined + "\n\n" + existing
			}
			body["system"] = joined
			body["messages"] = kept
		}
	}

	if _, ok := body["max_tokens"]; !ok {
		body["max_tokens"] = defaultMaxTokens
	}
	return nil
}

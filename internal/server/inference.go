package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mnemo-ai/mnemo/internal/engine"
	"github.com/mnemo-ai/mnemo/internal/gateway"
)

// Memory-control request headers.
const (
	headerSession       = "X-Session-ID"
	headerMode          = "X-Memory-Mode"
	headerStore         = "X-Memory-Store"
	headerStoreResponse = "X-Memory-Store-Response"
	headerContextLimit  = "X-Memory-Context-Limit"
	headerRecencyBias   = "X-Memory-Recency-Bias"
)

// parseControls reads the memory-control headers over the documented
// defaults.
func parseControls(r *http.Request) (gateway.Controls, string) {
	ctrl := gateway.DefaultControls()
	ctrl.Session = r.Header.Get(headerSession)

	if v := r.Header.Get(headerMode); v != "" {
		mode, err := gateway.ParseMode(v)
		if err != nil {
			return ctrl, headerMode
		}
		ctrl.Mode = mode
	}
	if v := r.Header.Get(headerStore); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ctrl, headerStore
		}
		ctrl.StoreInput = b
	}
	if v := r.Header.Get(headerStoreResponse); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ctrl, headerStoreResponse
		}
		ctrl.StoreResponse = b
	}
	if v := r.Header.Get(headerContextLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return ctrl, headerContextLimit
		}
		ctrl.ContextLimit = n
	}
	if v := r.Header.Get(headerRecencyBias); v != "" {
		switch engine.RecencyBias(v) {
		case engine.BiasLow, engine.BiasMedium, engine.BiasHigh:
			ctrl.Bias = engine.RecencyBias(v)
		default:
			return ctrl, headerRecencyBias
		}
	}
	return ctrl, ""
}

// handleChatCompletions serves the chat-style inference shape.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, false)
}

// handleMessages serves the messages-style shape, which additionally
// requires max_tokens.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, true)
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request, requireMaxTokens bool) {
	token := bearer(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "MISSING_CONTEXT_ID", "Authorization: Bearer <context-id> required")
		return
	}

	ctrl, badHeader := parseControls(r)
	if badHeader != "" {
		writeError(w, http.StatusBadRequest, "INVALID_HEADER", "invalid value for "+badHeader)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BODY_TOO_LARGE", "request body unreadable or too large")
		return
	}

	if requireMaxTokens {
		var probe struct {
			MaxTokens *int `json:"max_tokens"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && probe.MaxTokens == nil {
			writeError(w, http.StatusBadRequest, "MAX_TOKENS_REQUIRED", "max_tokens is required")
			return
		}
	}

	res, gerr := s.deps.Gateway.Infer(r.Context(), token, body, ctrl)
	if gerr != nil {
		writeError(w, statusFor(gerr.Kind), gerr.Code, gerr.Message)
		return
	}
	defer res.Body.Close()

	h := w.Header()
	if ct := res.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set("X-Request-ID", res.RequestID)
	h.Set("X-Memory-Session", res.Session)
	h.Set("X-Memory-Tokens-Retrieved", strconv.FormatInt(res.Retrieved, 10))
	h.Set("X-Memory-Tokens-Stored", strconv.FormatInt(res.StoredEstimate, 10))
	h.Set("X-Quota-Used", strconv.FormatInt(res.Decision.QuotaUsed, 10))
	if res.Decision.QuotaRemaining < 0 {
		h.Set("X-Quota-Remaining", "unlimited")
	} else {
		h.Set("X-Quota-Remaining", strconv.FormatInt(res.Decision.QuotaRemaining, 10))
	}
	if res.Decision.Warning != "" {
		h.Set("X-Billing-Warning", res.Decision.Warning)
	}
	if res.Decision.GraceDeadline != nil {
		h.Set("X-Grace-Period-Ends", res.Decision.GraceDeadline.UTC().Format(time.RFC3339))
	}

	w.WriteHeader(res.Status)
	relay(w, res.Body)
}

// relay copies the provider stream to the client, flushing after every
// chunk so streamed deltas are delivered as they arrive. Once bytes have
// been written no trailing error is appended; a broken stream just ends.
func relay(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

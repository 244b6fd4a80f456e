package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/mnemo-ai/mnemo/internal/events"
)

// Subscription-event request headers.
const (
	headerEventTimestamp = "X-Webhook-Timestamp"
	headerEventSignature = "X-Webhook-Signature"
)

// handleEvents is the unauthenticated subscription-events intake. The
// signature over (timestamp, body) is the only trust anchor.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BODY_TOO_LARGE", "request body unreadable or too large")
		return
	}

	timestamp := r.Header.Get(headerEventTimestamp)
	signature := r.Header.Get(headerEventSignature)
	if err := s.deps.Verifier.Verify(timestamp, body, signature); err != nil {
		s.logger.WarnContext(r.Context(), "event signature rejected", "error", err)
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "signature verification failed")
		return
	}

	outcome, err := s.deps.Processor.Process(r.Context(), body)
	if errors.Is(err, events.ErrInvalidEnvelope) {
		writeError(w, http.StatusBadRequest, "INVALID_EVENT", "event envelope is malformed")
		return
	}
	if err != nil {
		// Handler failure: the row stays unprocessed so the sender retries.
		writeError(w, http.StatusInternalServerError, "EVENT_FAILED", "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(outcome)})
}

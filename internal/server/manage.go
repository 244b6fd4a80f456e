package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/internal/engine"
	"github.com/mnemo-ai/mnemo/internal/resolver"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/pkg/index"
)

// newContextID mints a fresh context id with the stable public prefix.
func newContextID() string {
	return resolver.ContextIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type contextView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func toContextView(c store.Context) contextView {
	return contextView{
		ID:         c.ID,
		Name:       c.Name,
		Active:     c.Active,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
	}
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	cs, err := s.deps.Store.ListContexts(r.Context(), ident.Owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "context listing failed")
		return
	}
	views := make([]contextView, len(cs))
	for i, c := range cs {
		views[i] = toContextView(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": views})
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return
	}
	c := store.Context{
		ID:         newContextID(),
		OwnerID:    ident.Owner.ID,
		Name:       req.Name,
		Active:     true,
		CreatedAt:  s.now(),
		LastUsedAt: s.now(),
	}
	if err := s.deps.Store.CreateContext(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "context creation failed")
		return
	}
	writeJSON(w, http.StatusOK, toContextView(c))
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	contextID := chi.URLParam(r, "contextID")
	if _, ok := s.requireContext(w, r, ident.Owner.ID, contextID); !ok {
		return
	}

	if adapter, err := s.deps.Pool.Get(r.Context(), contextID); err == nil {
		if err := adapter.Drop(r.Context(), contextID); err != nil {
			s.logger.WarnContext(r.Context(), "namespace drop failed", "context", contextID, "error", err)
		}
	}
	s.deps.Pool.Drop(contextID)

	if err := s.deps.Store.DeleteContext(r.Context(), contextID); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "context deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": contextID})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	contextID := chi.URLParam(r, "contextID")
	if _, ok := s.requireContext(w, r, ident.Owner.ID, contextID); !ok {
		return
	}
	adapter, err := s.deps.Pool.Get(r.Context(), contextID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "index handle unavailable")
		return
	}
	if err := adapter.Clear(r.Context(), contextID); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "memory clear failed")
		return
	}

	// The chunks are gone; the session bookkeeping goes with them.
	sessions, err := s.deps.Store.ListSessions(r.Context(), contextID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "session listing failed")
		return
	}
	for _, sess := range sessions {
		if err := s.deps.Store.DeleteSession(r.Context(), contextID, sess.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "session reset failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": contextID})
}

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	contextID := chi.URLParam(r, "contextID")
	c, ok := s.requireContext(w, r, ident.Owner.ID, contextID)
	if !ok {
		return
	}
	sessions, err := s.deps.Store.ListSessions(r.Context(), contextID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "session listing failed")
		return
	}
	var chunks, tokens int64
	for _, sess := range sessions {
		chunks += sess.ChunkCount
		tokens += sess.TokenCount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context":      toContextView(c),
		"sessions":     len(sessions),
		"chunk_count":  chunks,
		"token_count":  tokens,
		"last_used_at": c.LastUsedAt,
	})
}

// ── sessions ────────────────────────────────────────────────────────────────

type sessionView struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ChunkCount int64     `json:"chunk_count"`
	TokenCount int64     `json:"token_count"`
}

func toSessionView(s store.Session) sessionView {
	return sessionView{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ChunkCount: s.ChunkCount,
		TokenCount: s.TokenCount,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessions, err := s.deps.Store.ListSessions(r.Context(), ident.Context.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "session listing failed")
		return
	}
	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = toSessionView(sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Store.GetSession(r.Context(), ident.Context.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.deps.Store.GetSession(r.Context(), ident.Context.ID, sessionID); err != nil {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}

	// Drop the session's chunks from the index before the row goes.
	adapter, err := s.deps.Pool.Get(r.Context(), ident.Context.ID)
	if err == nil {
		var ids []string
		err = adapter.ListItems(r.Context(), ident.Context.ID, func(it index.Item) error {
			if it.Meta.Session == sessionID {
				ids = append(ids, it.ID)
			}
			return nil
		})
		if err == nil && len(ids) > 0 {
			err = adapter.Delete(r.Context(), ident.Context.ID, ids)
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "session chunk deletion failed")
		return
	}

	if err := s.deps.Store.DeleteSession(r.Context(), ident.Context.ID, sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "session deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": sessionID})
}

func (s *Server) handleSearchSession(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "QUERY_REQUIRED", "q parameter is required")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}

	adapter, err := s.deps.Pool.Get(r.Context(), ident.Context.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "index handle unavailable")
		return
	}
	eng, err := engine.New(adapter, s.deps.Embedder, s.engineOpts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "engine unavailable")
		return
	}
	entries, err := eng.Retrieve(r.Context(), ident.Context.ID, sessionID, query, limit, engine.BiasMedium)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "search failed")
		return
	}

	type hit struct {
		Content   string    `json:"content"`
		Role      string    `json:"role"`
		Window    string    `json:"window"`
		Score     float64   `json:"score"`
		CreatedAt time.Time `json:"created_at"`
	}
	hits := make([]hit, len(entries))
	for i, e := range entries {
		hits[i] = hit{
			Content:   e.Item.Content,
			Role:      e.Item.Meta.Role,
			Window:    e.Window,
			Score:     e.Score,
			CreatedAt: e.Item.Meta.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

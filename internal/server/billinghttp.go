package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/mnemo-ai/mnemo/internal/store"
)

// PaymentMethod is one stored payment instrument at the external billing
// system.
type PaymentMethod struct {
	ID      string `json:"id"`
	Brand   string `json:"brand"`
	Last4   string `json:"last4"`
	Default bool   `json:"default"`
}

// Invoice is one external invoice summary.
type Invoice struct {
	ID        string    `json:"id"`
	AmountUSD float64   `json:"amount_usd"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Portal reads payment methods and invoices from the external subscription
// system. The gateway never stores card data itself.
type Portal interface {
	PaymentMethods(ctx context.Context, ownerID string) ([]PaymentMethod, error)
	Invoices(ctx context.Context, ownerID string) ([]Invoice, error)
}

// NoPortal is the default Portal when no external system is wired: every
// listing is empty.
type NoPortal struct{}

func (NoPortal) PaymentMethods(context.Context, string) ([]PaymentMethod, error) { return nil, nil }
func (NoPortal) Invoices(context.Context, string) ([]Invoice, error)            { return nil, nil }

func (s *Server) handleBillingOverview(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	o := ident.Owner
	cfg := s.deps.Billing.Config()

	overview := map[string]any{
		"state":           o.State,
		"has_instrument":  o.HasInstrument,
		"subscription_id": o.SubscriptionID,
		"cumul_tokens":    o.CumulTokens,
		"free_allowance":  cfg.FreeAllowance,
		"price_per_mtok":  cfg.PricePerMTok,
	}
	if o.GraceDeadline != nil {
		overview["grace_deadline"] = o.GraceDeadline.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	f := store.UsageFilter{Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("context_id"); v != "" {
		f.ContextID = v
	}
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_AFTER", "after must be RFC 3339")
			return
		}
		f.After = t
	}

	records, err := s.deps.Store.ListUsage(r.Context(), ident.Owner.ID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "usage listing failed")
		return
	}

	type usageView struct {
		RequestID    string    `json:"request_id"`
		ContextID    string    `json:"context_id"`
		StoredInput  int64     `json:"stored_input"`
		StoredOutput int64     `json:"stored_output"`
		Retrieved    int64     `json:"retrieved"`
		Ephemeral    int64     `json:"ephemeral"`
		Model        string    `json:"model"`
		Provider     string    `json:"provider"`
		CostUSD      float64   `json:"cost_usd"`
		Partial      bool      `json:"partial_storage,omitempty"`
		CreatedAt    time.Time `json:"created_at"`
	}
	views := make([]usageView, len(records))
	for i, rec := range records {
		views[i] = usageView{
			RequestID:    rec.RequestID,
			ContextID:    rec.ContextID,
			StoredInput:  rec.StoredInput,
			StoredOutput: rec.StoredOutput,
			Retrieved:    rec.Retrieved,
			Ephemeral:    rec.Ephemeral,
			Model:        rec.Model,
			Provider:     rec.Provider,
			CostUSD:      rec.CostUSD,
			Partial:      rec.PartialStorage,
			CreatedAt:    rec.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": views})
}

func (s *Server) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	methods, err := s.deps.Portal.PaymentMethods(r.Context(), ident.Owner.ID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "PORTAL_UNAVAILABLE", "payment method listing failed")
		return
	}
	if methods == nil {
		methods = []PaymentMethod{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_methods": methods})
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	invoices, err := s.deps.Portal.Invoices(r.Context(), ident.Owner.ID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "PORTAL_UNAVAILABLE", "invoice listing failed")
		return
	}
	if invoices == nil {
		invoices = []Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	o := ident.Owner
	cfg := s.deps.Billing.Config()

	quota := map[string]any{
		"state": o.State,
		"used":  o.CumulTokens,
	}
	if o.State == store.StateFree {
		remaining := cfg.FreeAllowance - o.CumulTokens
		if remaining < 0 {
			remaining = 0
		}
		quota["allowance"] = cfg.FreeAllowance
		quota["remaining"] = remaining
	} else {
		quota["remaining"] = "unlimited"
	}
	writeJSON(w, http.StatusOK, quota)
}

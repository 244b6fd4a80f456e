// Package billing owns quota admission, usage metering, the owner billing
// state machine, and the periodic usage reporter.
//
// Admission and metering are deliberately not one transaction: admission
// reads the current cumulative counter, the post-response increment is
// atomic. Concurrent in-flight requests can race past the free allowance by
// at most (max in-flight × typical request tokens); the allowance is coarse
// enough to absorb that.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemo-ai/mnemo/internal/store"
)

// Defaults. The free allowance and unit price are deliberately defined once
// here: the admission gate, the billing overview endpoint, and the reporter
// all read the same configuration value.
const (
	DefaultFreeAllowance = 1_000_000
	DefaultPricePerMTok  = 0.30
	DefaultGraceWindow   = 72 * time.Hour
	TokensPerBillingUnit = 1_000_000
	UnlimitedQuota       = int64(-1)
)

// Denial codes surfaced in 402 responses.
const (
	CodeAccountSuspended  = "ACCOUNT_SUSPENDED"
	CodeFreeTierExhausted = "FREE_TIER_EXHAUSTED"
)

// Config carries the billing constants.
type Config struct {
	FreeAllowance int64
	PricePerMTok  float64
	GraceWindow   time.Duration
}

// DefaultConfig returns the standard billing configuration.
func DefaultConfig() Config {
	return Config{
		FreeAllowance: DefaultFreeAllowance,
		PricePerMTok:  DefaultPricePerMTok,
		GraceWindow:   DefaultGraceWindow,
	}
}

// Service implements admission, metering, and the state machine over the
// owner store. Safe for concurrent use.
type Service struct {
	owners store.Owners
	usage  store.Usage
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a Service.
func New(owners store.Owners, usage store.Usage, cfg Config, opts ...Option) *Service {
	s := &Service{
		owners: owners,
		usage:  usage,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the billing constants, for the overview endpoint.
func (s *Service) Config() Config { return s.cfg }

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Code is the denial code when not allowed.
	Code string
	// Warning is set for admitted-but-degraded states (GRACE).
	Warning string
	// GraceDeadline accompanies a GRACE warning.
	GraceDeadline *time.Time
	// QuotaUsed and QuotaRemaining feed the X-Quota-* response headers.
	// QuotaRemaining is [UnlimitedQuota] for paid states.
	QuotaUsed      int64
	QuotaRemaining int64
}

// Admit applies the per-request admission rules to the owner's current
// state. It never blocks on counters; reads are advisory.
func (s *Service) Admit(ctx context.Context, o store.Owner) Decision {
	// Lazy GRACE expiry: the deadline passing is itself the transition.
	if o.State == store.StateGrace && o.GraceDeadline != nil && s.now().After(*o.GraceDeadline) {
		o.State = store.StateSuspended
		o.GraceDeadline = nil
		if err := s.owners.UpdateOwner(ctx, o); err != nil {
			s.logger.WarnContext(ctx, "grace expiry transition failed", "owner", o.ID, "error", err)
		}
	}

	switch o.State {
	case store.StateEnterprise:
		return Decision{Allowed: true, QuotaUsed: o.CumulTokens, QuotaRemaining: UnlimitedQuota}

	case store.StateSuspended:
		return Decision{Code: CodeAccountSuspended, QuotaUsed: o.CumulTokens}

	case store.StateGrace:
		return Decision{
			Allowed:        true,
			Warning:        "payment failed; service continues until the grace deadline",
			GraceDeadline:  o.GraceDeadline,
			QuotaUsed:      o.CumulTokens,
			QuotaRemaining: UnlimitedQuota,
		}

	case store.StateActive, store.StatePastDue:
		return Decision{Allowed: true, QuotaUsed: o.CumulTokens, QuotaRemaining: UnlimitedQuota}

	default: // FREE
		remaining := s.cfg.FreeAllowance - o.CumulTokens
		if remaining <= 0 {
			return Decision{Code: CodeFreeTierExhausted, QuotaUsed: o.CumulTokens, QuotaRemaining: 0}
		}
		return Decision{Allowed: true, QuotaUsed: o.CumulTokens, QuotaRemaining: remaining}
	}
}

// MeterInput is what one completed request reports.
type MeterInput struct {
	OwnerID   string
	ContextID string
	RequestID string
	RecordID  string

	StoredInput  int64
	StoredOutput int64
	Retrieved    int64
	Ephemeral    int64

	Model    string
	Provider string

	// PartialStorage flags a request whose storage pass failed; the usage
	// record carries it for reconciliation.
	PartialStorage bool
}

// Meter runs post-response accounting: increments the owner's cumulative
// counter by the billable tokens and appends the usage record. Retrieved
// and ephemeral tokens ride along unbilled.
func (s *Service) Meter(ctx context.Context, in MeterInput) error {
	billable := in.StoredInput + in.StoredOutput
	if billable > 0 {
		if _, err := s.owners.AddTokens(ctx, in.OwnerID, billable); err != nil {
			return fmt.Errorf("billing: add tokens: %w", err)
		}
	}

	rec := store.UsageRecord{
		ID:             in.RecordID,
		OwnerID:        in.OwnerID,
		ContextID:      in.ContextID,
		RequestID:      in.RequestID,
		StoredInput:    in.StoredInput,
		StoredOutput:   in.StoredOutput,
		Retrieved:      in.Retrieved,
		Ephemeral:      in.Ephemeral,
		Model:          in.Model,
		Provider:       in.Provider,
		CostUSD:        float64(billable) / TokensPerBillingUnit * s.cfg.PricePerMTok,
		PartialStorage: in.PartialStorage,
		CreatedAt:      s.now(),
	}
	if err := s.usage.InsertUsage(ctx, rec); err != nil {
		return fmt.Errorf("billing: insert usage: %w", err)
	}
	return nil
}

// ── state machine ───────────────────────────────────────────────────────────

// SubscriptionCreated moves the owner to ACTIVE and stores the external
// subscription id.
func (s *Service) SubscriptionCreated(ctx context.Context, ownerID, subscriptionID string) error {
	return s.mutateOwner(ctx, ownerID, func(o *store.Owner) {
		o.State = store.StateActive
		o.SubscriptionID = subscriptionID
		o.GraceDeadline = nil
	})
}

// SubscriptionDeleted returns the owner to FREE and clears the
// subscription id.
func (s *Service) SubscriptionDeleted(ctx context.Context, ownerID string) error {
	return s.mutateOwner(ctx, ownerID, func(o *store.Owner) {
		o.State = store.StateFree
		o.SubscriptionID = ""
		o.GraceDeadline = nil
	})
}

// PaymentFailed begins the grace period.
func (s *Service) PaymentFailed(ctx context.Context, ownerID string) error {
	deadline := s.now().Add(s.cfg.GraceWindow)
	return s.mutateOwner(ctx, ownerID, func(o *store.Owner) {
		o.State = store.StateGrace
		o.GraceDeadline = &deadline
	})
}

// PaymentSucceeded recovers a GRACE or SUSPENDED owner to ACTIVE.
func (s *Service) PaymentSucceeded(ctx context.Context, ownerID string) error {
	return s.mutateOwner(ctx, ownerID, func(o *store.Owner) {
		if o.State == store.StateGrace || o.State == store.StateSuspended {
			o.State = store.StateActive
		}
		o.GraceDeadline = nil
	})
}

// InstrumentChanged updates the has-instrument flag. Attaching an
// instrument to a FREE owner whose allowance is exhausted activates the
// account.
func (s *Service) InstrumentChanged(ctx context.Context, ownerID string, attached bool) error {
	return s.mutateOwner(ctx, ownerID, func(o *store.Owner) {
		o.HasInstrument = attached
		if attached && o.State == store.StateFree && o.CumulTokens >= s.cfg.FreeAllowance {
			o.State = store.StateActive
		}
	})
}

func (s *Service) mutateOwner(ctx context.Context, ownerID string, mutate func(*store.Owner)) error {
	o, err := s.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("billing: load owner %s: %w", ownerID, err)
	}
	mutate(&o)
	if err := s.owners.UpdateOwner(ctx, o); err != nil {
		return fmt.Errorf("billing: update owner %s: %w", ownerID, err)
	}
	return nil
}

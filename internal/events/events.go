// Package events ingests subscription events from the external billing
// system: signature verification, idempotent persistence, and dispatch into
// the billing state machine.
//
// The wire contract with the external system is narrow and exact: the
// signature is HMAC-SHA-256 over "<timestamp>.<raw_body>", compared in
// constant time, with a bounded timestamp skew; and each event id has
// at-most-once side effects.
package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mnemo-ai/mnemo/internal/billing"
	"github.com/mnemo-ai/mnemo/internal/store"
)

// DefaultSkew bounds how far an event timestamp may drift from our clock.
const DefaultSkew = 5 * time.Minute

// Verification errors. All of them map to an HTTP 400 at the surface.
var (
	ErrBadSignature = errors.New("events: signature mismatch")
	ErrBadTimestamp = errors.New("events: malformed timestamp")
	ErrStaleEvent   = errors.New("events: timestamp outside skew window")
)

// Verifier checks webhook signatures.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier builds a Verifier for the shared webhook secret.
func NewVerifier(secret string, skew time.Duration, now func() time.Time) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), skew: skew, now: now}
}

// Verify checks that signature is a valid hex HMAC-SHA-256 over
// "<timestamp>.<body>" and that timestamp (unix seconds) is within the skew
// window.
func (v *Verifier) Verify(timestamp string, body []byte, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift > v.skew || drift < -v.skew {
		return ErrStaleEvent
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, expected) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the signature for (timestamp, body). Tests and local tools
// use it to forge valid deliveries.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Event types the dispatcher understands. Anything else is acknowledged and
// dropped.
const (
	TypeSubscriptionCreated = "subscription_created"
	TypeSubscriptionDeleted = "subscription_deleted"
	TypePaymentFailed       = "payment_failed"
	TypePaymentSucceeded    = "payment_succeeded"
	TypeInstrumentAttached  = "instrument_attached"
	TypeInstrumentDetached  = "instrument_detached"
)

// Envelope is the parsed webhook body.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		OwnerID        string `json:"owner_id"`
		SubscriptionID string `json:"subscription_id"`
	} `json:"data"`
}

// Outcome reports how a delivery was handled.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
)

// ErrInvalidEnvelope marks a body that parsed but lacks id or type.
var ErrInvalidEnvelope = errors.New("events: invalid envelope")

// Processor persists and dispatches verified events. Safe for concurrent
// use; per-id single-writer semantics come from the store's unique
// constraint.
type Processor struct {
	events  store.Events
	billing *billing.Service
	logger  *slog.Logger
	now     func() time.Time
}

// NewProcessor wires a Processor.
func NewProcessor(events store.Events, b *billing.Service, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{events: events, billing: b, logger: logger, now: time.Now}
}

// Process handles one verified delivery. Replays of processed events return
// [OutcomeAlreadyProcessed] without re-executing side effects; replays of
// events whose handler previously failed are retried.
func (p *Processor) Process(ctx context.Context, raw []byte) (Outcome, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.ID == "" || env.Type == "" {
		return "", fmt.Errorf("%w: missing id or type", ErrInvalidEnvelope)
	}

	err := p.events.InsertEvent(ctx, store.Event{
		ID:         env.ID,
		Type:       env.Type,
		Payload:    raw,
		ReceivedAt: p.now(),
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		existing, gerr := p.events.GetEvent(ctx, env.ID)
		if gerr != nil {
			return "", fmt.Errorf("events: load duplicate %s: %w", env.ID, gerr)
		}
		if existing.Processed {
			return OutcomeAlreadyProcessed, nil
		}
		// Previously failed; fall through and retry the handler.
	} else if err != nil {
		return "", fmt.Errorf("events: persist %s: %w", env.ID, err)
	}

	outcome, herr := p.dispatch(ctx, env)
	if herr != nil {
		if merr := p.events.MarkEventProcessed(ctx, env.ID, p.now(), herr.Error()); merr != nil {
			p.logger.ErrorContext(ctx, "event error not recorded", "event", env.ID, "error", merr)
		}
		return "", fmt.Errorf("events: handle %s (%s): %w", env.ID, env.Type, herr)
	}
	if merr := p.events.MarkEventProcessed(ctx, env.ID, p.now(), ""); merr != nil {
		return "", fmt.Errorf("events: mark processed %s: %w", env.ID, merr)
	}
	return outcome, nil
}

func (p *Processor) dispatch(ctx context.Context, env Envelope) (Outcome, error) {
	ownerID := env.Data.OwnerID
	switch env.Type {
	case TypeSubscriptionCreated:
		return OutcomeProcessed, p.billing.SubscriptionCreated(ctx, ownerID, env.Data.SubscriptionID)
	case TypeSubscriptionDeleted:
		return OutcomeProcessed, p.billing.SubscriptionDeleted(ctx, ownerID)
	case TypePaymentFailed:
		return OutcomeProcessed, p.billing.PaymentFailed(ctx, ownerID)
	case TypePaymentSucceeded:
		return OutcomeProcessed, p.billing.PaymentSucceeded(ctx, ownerID)
	case TypeInstrumentAttached:
		return OutcomeProcessed, p.billing.InstrumentChanged(ctx, ownerID, true)
	case TypeInstrumentDetached:
		return OutcomeProcessed, p.billing.InstrumentChanged(ctx, ownerID, false)
	default:
		p.logger.InfoContext(ctx, "ignoring unknown event type", "event", env.ID, "type", env.Type)
		return OutcomeIgnored, nil
	}
}

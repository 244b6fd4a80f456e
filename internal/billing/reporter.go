package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mnemo-ai/mnemo/internal/store"
)

// Submitter delivers usage units to the external subscription system.
type Submitter interface {
	// SubmitUsage reports units (1 unit = [TokensPerBillingUnit] tokens)
	// for the owner's subscription. Must be idempotent on the external
	// side; the reporter only advances its bookmark on success.
	SubmitUsage(ctx context.Context, ownerID, subscriptionID string, units int64) error
}

// DefaultReportSchedule runs the reporter at the top of every hour.
const DefaultReportSchedule = "0 * * * *"

// Reporter periodically reports unbilled usage of ACTIVE and ENTERPRISE
// owners. Unit conversion rounds up so usage is never under-reported, while
// the bookmark advances by the exact token count, keeping
// reported <= cumulative - allowance at all times.
type Reporter struct {
	svc    *Service
	sub    Submitter
	cron   *cron.Cron
	spec   string
	logger *slog.Logger
}

// NewReporter wires the reporter; call [Reporter.Start] to begin the
// schedule. spec is a cron expression, "" means [DefaultReportSchedule].
func NewReporter(svc *Service, sub Submitter, spec string, logger *slog.Logger) *Reporter {
	if spec == "" {
		spec = DefaultReportSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		svc:    svc,
		sub:    sub,
		cron:   cron.New(),
		spec:   spec,
		logger: logger,
	}
}

// Start registers the schedule and launches the cron loop.
func (r *Reporter) Start() error {
	_, err := r.cron.AddFunc(r.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.ReportOnce(ctx); err != nil {
			r.logger.Error("usage report pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("billing: reporter schedule %q: %w", r.spec, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

// ReportOnce runs one full reporting pass. Per-owner failures are logged
// and skipped so one broken subscription does not starve the rest.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	owners, err := r.svc.owners.ListOwners(ctx, store.StateActive, store.StateEnterprise)
	if err != nil {
		return fmt.Errorf("billing: list billable owners: %w", err)
	}

	for _, o := range owners {
		if err := r.reportOwner(ctx, o); err != nil {
			r.logger.WarnContext(ctx, "usage report failed", "owner", o.ID, "error", err)
		}
	}
	return nil
}

func (r *Reporter) reportOwner(ctx context.Context, o store.Owner) error {
	billable := (o.CumulTokens - r.svc.cfg.FreeAllowance) - o.CumulTokensReported
	if billable <= 0 {
		return nil
	}

	units := (billable + TokensPerBillingUnit - 1) / TokensPerBillingUnit
	if err := r.sub.SubmitUsage(ctx, o.ID, o.SubscriptionID, units); err != nil {
		return fmt.Errorf("submit usage: %w", err)
	}
	if err := r.svc.owners.AdvanceReported(ctx, o.ID, billable); err != nil {
		return fmt.Errorf("advance reported: %w", err)
	}
	r.logger.InfoContext(ctx, "usage reported",
		"owner", o.ID, "tokens", billable, "units", units)
	return nil
}

// Package retention ages memories out of the vector index. A scheduled
// sweep walks every context and deletes chunks older than the configured
// horizon, so retrieval never has to filter them and the index stays
// bounded.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/pkg/index"
)

// DefaultSchedule runs the sweep once a day, off-peak.
const DefaultSchedule = "30 3 * * *"

// deleteBatch bounds one Delete call so a huge backlog does not turn into
// one enormous statement.
const deleteBatch = 500

// Sweeper deletes expired memory chunks on a cron schedule.
type Sweeper struct {
	owners   store.Owners
	contexts store.Contexts
	pool     *adapterpool.Pool
	horizon  time.Duration
	cron     *cron.Cron
	spec     string
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a Sweeper; call [Sweeper.Start] to begin the schedule. spec is
// a cron expression, "" means [DefaultSchedule]. A horizon of zero disables
// the sweep entirely.
func New(owners store.Owners, contexts store.Contexts, pool *adapterpool.Pool, horizon time.Duration, spec string, logger *slog.Logger) *Sweeper {
	if spec == "" {
		spec = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		owners:   owners,
		contexts: contexts,
		pool:     pool,
		horizon:  horizon,
		cron:     cron.New(),
		spec:     spec,
		logger:   logger,
		now:      time.Now,
	}
}

// Start registers the schedule and launches the cron loop. With a zero
// horizon it is a no-op.
func (s *Sweeper) Start() error {
	if s.horizon <= 0 {
		return nil
	}
	_, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("retention: schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepOnce runs one full pass over every context. Per-context failures
// are logged and skipped so one broken namespace does not starve the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if s.horizon <= 0 {
		return nil
	}
	owners, err := s.owners.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("retention: list owners: %w", err)
	}

	cutoff := s.now().Add(-s.horizon)
	var total int
	for _, o := range owners {
		cs, err := s.contexts.ListContexts(ctx, o.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "retention: context listing failed", "owner", o.ID, "error", err)
			continue
		}
		for _, c := range cs {
			n, err := s.sweepContext(ctx, c.ID, cutoff)
			if err != nil {
				s.logger.WarnContext(ctx, "retention: sweep failed", "context", c.ID, "error", err)
				continue
			}
			total += n
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "retention sweep complete", "deleted", total, "cutoff", cutoff)
	}
	return nil
}

func (s *Sweeper) sweepContext(ctx context.Context, contextID string, cutoff time.Time) (int, error) {
	adapter, err := s.pool.Get(ctx, contextID)
	if err != nil {
		return 0, fmt.Errorf("index handle: %w", err)
	}

	var expired []string
	err = adapter.ListItems(ctx, contextID, func(it index.Item) error {
		if it.Meta.CreatedAt.Before(cutoff) {
			expired = append(expired, it.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}

	for start := 0; start < len(expired); start += deleteBatch {
		end := min(start+deleteBatch, len(expired))
		if err := adapter.Delete(ctx, contextID, expired[start:end]); err != nil {
			return start, fmt.Errorf("delete batch: %w", err)
		}
	}
	return len(expired), nil
}

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultPurgeCron runs the purge daily at 03:00 UTC.
const DefaultPurgeCron = "0 3 * * *"

// Retention purges soft-deleted messages on a cron schedule.
type Retention struct {
	store *Store
	cron  string
	keep  time.Duration
	log   zerolog.Logger
}

// NewRetention validates cronExpr and returns a purger that removes messages
// deleted more than keep ago. An empty cronExpr uses DefaultPurgeCron.
func NewRetention(store *Store, cronExpr string, keep time.Duration, log zerolog.Logger) (*Retention, error) {
	if cronExpr == "" {
		cronExpr = DefaultPurgeCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid purge cron expression %q", cronExpr)
	}
	return &Retention{store: store, cron: cronExpr, keep: keep, log: log}, nil
}

// RunOnce purges immediately.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	return r.store.PurgeDeleted(ctx, r.store.now().Add(-r.keep))
}

// Run sleeps until each cron tick and purges, until ctx is cancelled.
func (r *Retention) Run(ctx context.Context) {
	r.log.Info().Str("cron", r.cron).Dur("keep", r.keep).Msg("retention_scheduler_started")
	for {
		next, err := gronx.NextTickAfter(r.cron, time.Now().UTC(), false)
		if err != nil {
			r.log.Error().Err(err).Str("cron", r.cron).Msg("retention_nexttick_failed")
			next = time.Now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info().Msg("retention_scheduler_stopping")
			return
		case <-timer.C:
		}
		if err == nil {
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("retention_run_failed")
			}
		}
	}
}

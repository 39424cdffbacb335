package queue

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zerodha/logf"
)

// Reaper returns lease-expired RUNNING jobs to PENDING, treating them as a
// crashed worker (spec.md §4.D: "Background reaper"). Expiry already
// incremented attempts at lease time, so a reaped job counts against its
// max_attempts without any extra bookkeeping here.
type Reaper struct {
	db    *sqlx.DB
	log   logf.Logger
	grace time.Duration
}

// NewReaper builds a Reaper. grace is added on top of lease_until before a
// job is considered abandoned, to tolerate clock skew between workers.
func NewReaper(db *sqlx.DB, log logf.Logger, grace time.Duration) *Reaper {
	return &Reaper{db: db, log: log.With("component", "reaper"), grace: grace}
}

// Run blocks, reaping every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.reapOnce(ctx); err != nil {
				r.log.Error("reap failed", "error", err)
			} else if n > 0 {
				r.log.Info("reaped abandoned jobs", "count", n)
			}
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.grace)
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'PENDING', lease_until = NULL
		WHERE status = 'RUNNING' AND lease_until < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return n, err
}

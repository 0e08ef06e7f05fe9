// Package maintenance runs the periodic background sweeps: idle sessions,
// archival of old completed swaps and rating reconciliation.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
	"github.com/skillswap/swapcore/internal/models"
)

var log = logger.New("maintenance")

// repairBatch caps how many dirty aggregates one pass recomputes
const repairBatch = 500

type Store interface {
	RecomputeUserRating(ctx context.Context, userID uuid.UUID) (*models.RatingAggregate, error)
	ListDirtyRatings(ctx context.Context, limit int) ([]uuid.UUID, error)
	ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Presence is the part of the presence registry the sweeps use
type Presence interface {
	Sweep(ctx context.Context) ([]uuid.UUID, error)
	StatusEvents(ctx context.Context, userID uuid.UUID, online bool) ([]events.Event, error)
}

type Runner struct {
	db         Store
	presence   Presence
	dispatcher events.Dispatcher
	interval   time.Duration
	now        func() time.Time
}

// Report summarises one pass
type Report struct {
	WentOffline int
	Archived    int64
	Repaired    int
}

func NewRunner(db Store, presence Presence, dispatcher events.Dispatcher, interval time.Duration) *Runner {
	return &Runner{
		db:         db,
		presence:   presence,
		dispatcher: dispatcher,
		interval:   interval,
		now:        time.Now,
	}
}

// WithClock replaces the time source
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run sweeps every interval until ctx is done
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info("Maintenance running every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				log.Error("Maintenance pass failed: %v", err)
			}
			if report.WentOffline+report.Repaired > 0 || report.Archived > 0 {
				log.Info("Maintenance: %d offline, %d archived, %d ratings repaired",
					report.WentOffline, report.Archived, report.Repaired)
			}
		}
	}
}

// RunOnce runs every sweep concurrently. A failing sweep does not stop the
// others; the first error is returned.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var g errgroup.Group

	if r.presence != nil {
		g.Go(func() error {
			n, err := r.sweepSessions(ctx)
			report.WentOffline = n
			return err
		})
	}
	g.Go(func() error {
		n, err := r.db.ArchiveCompletedBefore(ctx, r.now().Add(-models.ArchiveAfter))
		if err != nil {
			return fmt.Errorf("archive completed swaps: %w", err)
		}
		report.Archived = n
		return nil
	})
	g.Go(func() error {
		n, err := r.repairRatings(ctx)
		report.Repaired = n
		return err
	})

	err := g.Wait()
	return report, err
}

func (r *Runner) sweepSessions(ctx context.Context) (int, error) {
	offline, err := r.presence.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	for _, userID := range offline {
		evts, err := r.presence.StatusEvents(ctx, userID, false)
		if err != nil {
			log.Warn("Failed to build status events for %s: %v", userID, err)
			continue
		}
		if r.dispatcher != nil {
			r.dispatcher.Dispatch(ctx, evts...)
		}
	}
	return len(offline), nil
}

// repairRatings recomputes users flagged dirty in the store from their
// source ratings. A failed recompute leaves the flag for the next pass.
func (r *Runner) repairRatings(ctx context.Context) (int, error) {
	users, err := r.db.ListDirtyRatings(ctx, repairBatch)
	if err != nil {
		return 0, fmt.Errorf("list dirty ratings: %w", err)
	}
	if len(users) == 0 {
		return 0, nil
	}

	var repaired atomic.Int64
	var g errgroup.Group
	g.SetLimit(4)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			if _, err := r.db.RecomputeUserRating(ctx, userID); err != nil {
				return fmt.Errorf("recompute rating of %s: %w", userID, err)
			}
			repaired.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(repaired.Load()), err
}

// Package watchdog sweeps overdue pending jobs so no reservation is
// held forever, regardless of executor crashes or restarts. It is the
// correctness backstop behind the poller: both race through the same
// compare-and-set finalizer, so whichever reaches a job first wins and
// the other no-ops.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glazeai/backend/internal/classify"
	"github.com/glazeai/backend/internal/models"
)

// JobSource is the slice of the jobs service the watchdog needs.
type JobSource interface {
	ListOverduePending(ctx context.Context, now time.Time) ([]*models.Job, error)
	FailJob(ctx context.Context, jobID uuid.UUID, c classify.Classification) error
}

type Watchdog struct {
	jobs     JobSource
	interval time.Duration
	logger   *slog.Logger
}

func New(jobs JobSource, interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{jobs: jobs, interval: interval, logger: logger}
}

// Run sweeps on a fixed period until the context is cancelled. Started
// as a goroutine from main; cancelling the context at shutdown stops
// the timer.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep finalizes every pending job past its deadline as failed(timeout)
// and releases its reservation. A job the normal execution path already
// finalized loses the compare-and-set inside FailJob and is left
// untouched.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	overdue, err := w.jobs.ListOverduePending(ctx, now)
	if err != nil {
		w.logger.Error("watchdog: list overdue jobs failed", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}

	reclaimed := 0
	for _, job := range overdue {
		c := classify.FromKind(classify.KindTimeout,
			fmt.Sprintf("watchdog: job pending %s past %ds deadline", now.Sub(job.CreatedAt).Round(time.Second), job.DeadlineSeconds))
		if err := w.jobs.FailJob(ctx, job.ID, c); err != nil {
			w.logger.Error("watchdog: finalize overdue job failed", "job_id", job.ID, "error", err)
			continue
		}
		reclaimed++
		w.logger.Warn("watchdog reclaimed overdue job",
			"job_id", job.ID, "owner_id", job.OwnerID, "price", job.PriceCredits,
			"source", job.CreditSource, "deadline_seconds", job.DeadlineSeconds)
	}
	w.logger.Info("watchdog sweep done", "overdue", len(overdue), "reclaimed", reclaimed)
}

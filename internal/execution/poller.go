package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glazeai/backend/internal/provider"
)

// Outcome is the terminal state of one polling run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// PollResult carries the outcome plus its payload: results on
// completion, the provider error on failure.
type PollResult struct {
	Outcome Outcome
	Results []provider.Result
	Err     error
}

// Poller drives a submitted queue request to a terminal outcome. It
// holds no long-lived connection: each iteration sleeps, re-reads the
// job row for a cancel request, then asks the provider for status. Only
// the request id and elapsed time matter, so a restarted process can
// resume, and the watchdog reconciles if the poller dies outright.
type Poller struct {
	Queue    provider.Queued
	Jobs     JobService
	Interval time.Duration
	Logger   *slog.Logger
}

// Run polls until the request completes, fails, is cancelled, or
// outlives maxWait. probeJobID is the batch's first row, re-read each
// iteration for the cancellation flag; a cancel on the probe row aborts
// the whole upstream request. A non-nil error means the context was
// cancelled mid-run and no outcome was reached.
func (p *Poller) Run(ctx context.Context, probeJobID uuid.UUID, requestID string, maxWait time.Duration) (PollResult, error) {
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-time.After(p.Interval):
		}

		job, err := p.Jobs.GetJob(ctx, probeJobID)
		if err != nil {
			p.Logger.Error("poller: fetch job failed", "job_id", probeJobID, "error", err)
		} else if job.CancelRequestedAt != nil {
			// Best-effort upstream cancellation; a failure here only
			// means the provider keeps computing work nobody collects.
			if err := p.Queue.Cancel(ctx, requestID); err != nil {
				p.Logger.Warn("poller: upstream cancel failed", "request_id", requestID, "error", err)
			}
			return PollResult{Outcome: OutcomeCancelled}, nil
		}

		state, err := p.Queue.Status(ctx, requestID)
		switch {
		case state == provider.StateFailed:
			return PollResult{Outcome: OutcomeFailed, Err: err}, nil
		case err != nil:
			// Transient status-check failure: keep polling, the
			// deadline bounds how long we tolerate it.
			p.Logger.Warn("poller: status check failed", "request_id", requestID, "error", err)
		case state == provider.StateCompleted:
			results, err := p.Queue.Result(ctx, requestID)
			if err != nil {
				return PollResult{Outcome: OutcomeFailed, Err: err}, nil
			}
			return PollResult{Outcome: OutcomeCompleted, Results: results}, nil
		}

		if time.Since(start) > maxWait {
			return PollResult{Outcome: OutcomeTimedOut}, nil
		}
	}
}

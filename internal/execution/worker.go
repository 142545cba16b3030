// Package execution runs accepted batches in the background: one River
// job per batch, a kind→capability table instead of kind switches, and
// a polling loop for queue-based providers. Every failure path resolves
// the batch's job rows through the compare-and-set finalizers, so a
// worker never exits with money left in limbo.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/glazeai/backend/internal/classify"
	"github.com/glazeai/backend/internal/models"
	"github.com/glazeai/backend/internal/provider"
)

// GenerateBatchArgs is the River payload for one accepted batch. One
// external call serves every job row in JobIDs.
type GenerateBatchArgs struct {
	JobIDs          []uuid.UUID     `json:"job_ids"`
	JobKind         string          `json:"kind"`
	ModelSpec       string          `json:"model_spec"`
	Prompt          string          `json:"prompt"`
	Options         json.RawMessage `json:"options,omitempty"`
	RefURLs         []string        `json:"ref_urls,omitempty"`
	DeadlineSeconds int             `json:"deadline_seconds"`
}

func (GenerateBatchArgs) Kind() string { return "generate_batch" }

// JobService is the contract the worker needs to finalize jobs and
// resolve their reservations. Implemented by the jobs service.
type JobService interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	AttachExternalRequest(ctx context.Context, jobIDs []uuid.UUID, requestID string) error
	CompleteJob(ctx context.Context, jobID uuid.UUID, resultURL string) error
	FailJob(ctx context.Context, jobID uuid.UUID, c classify.Classification) error
}

// Registry maps a job kind to its generation capability. New kinds are
// added here, not in a conditional.
type Registry map[string]provider.Capability

type GenerateBatchWorker struct {
	river.WorkerDefaults[GenerateBatchArgs]
	jobs         JobService
	capabilities Registry
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewGenerateBatchWorker(jobs JobService, capabilities Registry, pollInterval time.Duration, logger *slog.Logger) *GenerateBatchWorker {
	return &GenerateBatchWorker{
		jobs:         jobs,
		capabilities: capabilities,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (w *GenerateBatchWorker) Work(ctx context.Context, job *river.Job[GenerateBatchArgs]) error {
	args := job.Args

	capability, ok := w.capabilities[args.JobKind]
	if !ok {
		return w.failAll(ctx, args.JobIDs,
			classify.FromKind(classify.KindUnknown, fmt.Sprintf("no capability registered for kind %q", args.JobKind)))
	}

	req := provider.Request{
		ModelSpec: args.ModelSpec,
		Prompt:    args.Prompt,
		Options:   args.Options,
		RefURLs:   args.RefURLs,
		Count:     len(args.JobIDs),
	}

	if capability.Direct != nil {
		return w.workDirect(ctx, args, capability.Direct, req)
	}
	return w.workQueued(ctx, args, capability.Queued, req)
}

func (w *GenerateBatchWorker) workDirect(ctx context.Context, args GenerateBatchArgs, direct provider.Direct, req provider.Request) error {
	results, err := direct.Generate(ctx, req)
	if err != nil {
		return w.failAll(ctx, args.JobIDs, classifyError(err))
	}
	return w.completeAll(ctx, args.JobIDs, results)
}

func (w *GenerateBatchWorker) workQueued(ctx context.Context, args GenerateBatchArgs, queued provider.Queued, req provider.Request) error {
	requestID, err := queued.Submit(ctx, req)
	if err != nil {
		return w.failAll(ctx, args.JobIDs, classifyError(err))
	}
	if err := w.jobs.AttachExternalRequest(ctx, args.JobIDs, requestID); err != nil {
		return fmt.Errorf("attach external request id: %w", err)
	}

	poller := &Poller{
		Queue:    queued,
		Jobs:     w.jobs,
		Interval: w.pollInterval,
		Logger:   w.logger,
	}
	outcome, err := poller.Run(ctx, args.JobIDs[0], requestID, time.Duration(args.DeadlineSeconds)*time.Second)
	if err != nil {
		// Interrupted (shutdown). River retries after restart; the
		// compare-and-set finalizers and the watchdog keep it safe.
		return err
	}

	switch outcome.Outcome {
	case OutcomeCompleted:
		return w.completeAll(ctx, args.JobIDs, outcome.Results)
	case OutcomeFailed:
		return w.failAll(ctx, args.JobIDs, classifyError(outcome.Err))
	case OutcomeTimedOut:
		return w.failAll(ctx, args.JobIDs,
			classify.FromKind(classify.KindTimeout, fmt.Sprintf("request %s exceeded %ds deadline", requestID, args.DeadlineSeconds)))
	case OutcomeCancelled:
		// The cancel request finalized and refunded its own row. The
		// siblings can never be delivered now, so resolve them here;
		// the compare-and-set skips the row the cancel already settled.
		w.logger.Info("batch cancelled during polling", "request_id", requestID)
		return w.failAll(ctx, args.JobIDs,
			classify.FromKind(classify.KindCancelled, fmt.Sprintf("request %s cancelled while in flight", requestID)))
	default:
		return fmt.Errorf("unexpected poll outcome %q", outcome.Outcome)
	}
}

// completeAll maps results onto job rows positionally. When the
// provider returns fewer results than requested rows, unmatched rows
// reuse the first result instead of failing the batch.
func (w *GenerateBatchWorker) completeAll(ctx context.Context, jobIDs []uuid.UUID, results []provider.Result) error {
	if len(results) == 0 {
		return w.failAll(ctx, jobIDs,
			classify.FromKind(classify.KindAPIError, "provider returned no outputs"))
	}
	var firstErr error
	for i, id := range jobIDs {
		url := results[0].URL
		if i < len(results) {
			url = results[i].URL
		}
		if err := w.jobs.CompleteJob(ctx, id, url); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("complete job %s: %w", id, err)
		}
	}
	return firstErr
}

func (w *GenerateBatchWorker) failAll(ctx context.Context, jobIDs []uuid.UUID, c classify.Classification) error {
	var firstErr error
	for _, id := range jobIDs {
		if err := w.jobs.FailJob(ctx, id, c); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("fail job %s: %w", id, err)
		}
	}
	return firstErr
}

func classifyError(err error) classify.Classification {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return classify.Classify(perr.StatusCode, perr.Message)
	}
	if err == nil {
		return classify.FromKind(classify.KindUnknown, "provider failed without detail")
	}
	return classify.Classify(0, err.Error())
}

// Package jobs owns the job lifecycle: acceptance (validate → reserve →
// persist → enqueue), cancellation, status reads, and the
// compare-and-set finalizers every terminal path funnels through. A
// job's reservation is resolved by exactly one commit or release, gated
// on winning the pending→terminal transition.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glazeai/backend/internal/classify"
	"github.com/glazeai/backend/internal/execution"
	"github.com/glazeai/backend/internal/ledger"
	"github.com/glazeai/backend/internal/models"
)

// ErrNotOwner is returned when a caller touches a job they do not own.
var ErrNotOwner = errors.New("job belongs to another account")

// ErrAlreadyFinal is returned when cancelling a job that has already
// reached a terminal state. No credits move.
var ErrAlreadyFinal = errors.New("job already finalized")

// AcceptRequest is one generation request; price is precomputed by the
// pricing collaborator and cardinality is the number of outputs wanted.
type AcceptRequest struct {
	OwnerID     uuid.UUID       `json:"owner_id"`
	WorkspaceID *uuid.UUID      `json:"workspace_id,omitempty"`
	Kind        string          `json:"kind"`
	ModelSpec   string          `json:"model_spec"`
	Prompt      string          `json:"prompt"`
	Options     json.RawMessage `json:"options,omitempty"`
	RefURLs     []string        `json:"ref_urls,omitempty"`
	Price       int64           `json:"price"`
	Cardinality int             `json:"cardinality"`
}

// Acceptance is returned to the caller before execution begins.
type Acceptance struct {
	JobIDs         []uuid.UUID `json:"job_ids"`
	CreditSource   string      `json:"credit_source"`
	AvailableAfter int64       `json:"available_after"`
}

// StatusView is the caller-facing view of one job.
type StatusView struct {
	Status       string  `json:"status"`
	ResultURL    *string `json:"result_url,omitempty"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Store is the repository surface the service needs. *Repository
// satisfies it; tests use an in-memory implementation.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Insert(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	SetExternalRequestID(ctx context.Context, jobIDs []uuid.UUID, requestID string) error
	FinalizeCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) (bool, error)
	FinalizeFailed(ctx context.Context, jobID uuid.UUID, errorKind, errorMessage string) (bool, error)
	FinalizeCancelled(ctx context.Context, jobID uuid.UUID, at time.Time) (bool, error)
	ListOverduePending(ctx context.Context, now time.Time) ([]*models.Job, error)
}

// Ledger is the credit ledger surface the service needs.
type Ledger interface {
	Reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, workspaceID *uuid.UUID, amount int64) (*ledger.Reservation, error)
	Commit(ctx context.Context, accountID uuid.UUID, workspaceID *uuid.UUID, amount int64, source string) error
	Release(ctx context.Context, accountID uuid.UUID, workspaceID *uuid.UUID, amount int64, source string) error
}

// DeadlineResolver supplies the model-specific max wait. config.Config
// implements it.
type DeadlineResolver interface {
	MaxWaitSeconds(kind, modelSpec string) int
}

// InsertBatchTxFunc enqueues the batch execution job within the given
// transaction. Provided by main as a closure over river.Client.InsertTx.
type InsertBatchTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateBatchArgs) error

type Service struct {
	store       Store
	ledger      Ledger
	deadlines   DeadlineResolver
	validator   *Validator
	insertBatch InsertBatchTxFunc
	logger      *slog.Logger
}

// NewService creates the jobs service. Returns *Service so it can also
// serve as execution.JobService and the watchdog's job source.
func NewService(store Store, lg Ledger, deadlines DeadlineResolver, validator *Validator, insertBatch InsertBatchTxFunc, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: lg, deadlines: deadlines, validator: validator, insertBatch: insertBatch, logger: logger}
}

var _ execution.JobService = (*Service)(nil)

// Accept validates the request, reserves the full price, persists one
// pending job row per requested output, and enqueues a single batch
// execution — all in one transaction. On any failure nothing persists
// and no credits move.
func (s *Service) Accept(ctx context.Context, req *AcceptRequest) (*Acceptance, error) {
	if err := s.validator.ValidateRequest(req); err != nil {
		return nil, err
	}
	deadline := s.deadlines.MaxWaitSeconds(req.Kind, req.ModelSpec)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.ledger.Reserve(ctx, tx, req.OwnerID, req.WorkspaceID, req.Price)
	if err != nil {
		return nil, err
	}

	// Per-unit price; the first row absorbs the division remainder so
	// the rows sum back to the reserved total.
	unit := req.Price / int64(req.Cardinality)
	remainder := req.Price - unit*int64(req.Cardinality)

	jobIDs := make([]uuid.UUID, req.Cardinality)
	for i := 0; i < req.Cardinality; i++ {
		price := unit
		if i == 0 {
			price += remainder
		}
		j := &models.Job{
			ID:              uuid.New(),
			OwnerID:         req.OwnerID,
			WorkspaceID:     req.WorkspaceID,
			Kind:            req.Kind,
			ModelSpec:       req.ModelSpec,
			Prompt:          req.Prompt,
			Options:         req.Options,
			PriceCredits:    price,
			Status:          models.JobStatusPending,
			CreditSource:    res.Source,
			DeadlineSeconds: deadline,
		}
		if err := s.store.Insert(ctx, tx, j); err != nil {
			return nil, fmt.Errorf("insert job row: %w", err)
		}
		jobIDs[i] = j.ID
	}

	if err := s.insertBatch(ctx, tx, execution.GenerateBatchArgs{
		JobIDs:          jobIDs,
		JobKind:         req.Kind,
		ModelSpec:       req.ModelSpec,
		Prompt:          req.Prompt,
		Options:         req.Options,
		RefURLs:         req.RefURLs,
		DeadlineSeconds: deadline,
	}); err != nil {
		return nil, fmt.Errorf("enqueue batch execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit accept tx: %w", err)
	}

	s.logger.Info("batch accepted",
		"owner_id", req.OwnerID, "kind", req.Kind, "model", req.ModelSpec,
		"jobs", len(jobIDs), "price", req.Price, "source", res.Source)

	return &Acceptance{JobIDs: jobIDs, CreditSource: res.Source, AvailableAfter: res.AvailableAfter}, nil
}

// Cancel finalizes a still-pending job as cancelled and releases its
// reservation. The compare-and-set guarantees the refund happens at
// most once even if the executor finishes concurrently; losing the race
// returns ErrAlreadyFinal and refunds nothing.
func (s *Service) Cancel(ctx context.Context, jobID, requesterID uuid.UUID) (refunded int64, err error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.OwnerID != requesterID {
		return 0, ErrNotOwner
	}
	if job.Terminal() {
		return 0, ErrAlreadyFinal
	}
	won, err := s.store.FinalizeCancelled(ctx, jobID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if !won {
		return 0, ErrAlreadyFinal
	}
	if err := s.ledger.Release(ctx, job.OwnerID, job.WorkspaceID, job.PriceCredits, job.CreditSource); err != nil {
		return 0, fmt.Errorf("release on cancel: %w", err)
	}
	s.logger.Info("job cancelled", "job_id", jobID, "refunded", job.PriceCredits, "source", job.CreditSource)
	return job.PriceCredits, nil
}

// Status returns the caller-facing view of one job.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*StatusView, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		Status:       job.Status,
		ResultURL:    job.ResultURL,
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
	}, nil
}

// GetJob implements execution.JobService.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetByID(ctx, jobID)
}

// AttachExternalRequest implements execution.JobService.
func (s *Service) AttachExternalRequest(ctx context.Context, jobIDs []uuid.UUID, requestID string) error {
	return s.store.SetExternalRequestID(ctx, jobIDs, requestID)
}

// CompleteJob implements execution.JobService: pending → completed plus
// commit of the job's reservation. Losing the compare-and-set means the
// watchdog or a cancel got there first; that path already resolved the
// credits, so this is a no-op.
func (s *Service) CompleteJob(ctx context.Context, jobID uuid.UUID, resultURL string) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	won, err := s.store.FinalizeCompleted(ctx, jobID, resultURL)
	if err != nil {
		return err
	}
	if !won {
		s.logger.Info("complete skipped, job already finalized", "job_id", jobID)
		return nil
	}
	if err := s.ledger.Commit(ctx, job.OwnerID, job.WorkspaceID, job.PriceCredits, job.CreditSource); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// FailJob implements execution.JobService: pending → failed plus
// release when the classified kind refunds (all kinds do). The raw
// internal detail is logged, never stored on the row.
func (s *Service) FailJob(ctx context.Context, jobID uuid.UUID, c classify.Classification) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	won, err := s.store.FinalizeFailed(ctx, jobID, string(c.Kind), c.UserMessage)
	if err != nil {
		return err
	}
	if !won {
		s.logger.Info("fail skipped, job already finalized", "job_id", jobID, "kind", c.Kind)
		return nil
	}
	s.logger.Warn("job failed", "job_id", jobID, "kind", c.Kind, "detail", c.Internal)
	if !classify.Refundable(c.Kind) {
		return nil
	}
	if err := s.ledger.Release(ctx, job.OwnerID, job.WorkspaceID, job.PriceCredits, job.CreditSource); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ListOverduePending exposes the watchdog's sweep query.
func (s *Service) ListOverduePending(ctx context.Context, now time.Time) ([]*models.Job, error) {
	return s.store.ListOverduePending(ctx, now)
}

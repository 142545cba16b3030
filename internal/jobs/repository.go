package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glazeai/backend/internal/models"
)

const jobColumns = `id, owner_id, workspace_id, kind, model_spec, prompt, options, price_credits,
	status, credit_source, external_request_id, deadline_seconds, result_url, error_kind,
	error_message, cancel_requested_at, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, workspace_id, kind, model_spec, prompt, options,
			price_credits, status, credit_source, deadline_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ID, j.OwnerID, j.WorkspaceID, j.Kind, j.ModelSpec, j.Prompt, j.Options,
		j.PriceCredits, j.Status, j.CreditSource, j.DeadlineSeconds)
	return err
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// SetExternalRequestID records the provider request id on every row of
// a batch once the queued submit has returned.
func (r *Repository) SetExternalRequestID(ctx context.Context, jobIDs []uuid.UUID, requestID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET external_request_id = $1, updated_at = now() WHERE id = ANY($2)
	`, requestID, jobIDs)
	return err
}

// FinalizeCompleted transitions pending → completed. Zero rows affected
// means another path finalized the job first; the caller must then skip
// its ledger resolution.
func (r *Repository) FinalizeCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, result_url = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, models.JobStatusCompleted, resultURL, jobID, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeFailed transitions pending → failed with the classified kind
// and user-safe message. Same compare-and-set contract as
// FinalizeCompleted.
func (r *Repository) FinalizeFailed(ctx context.Context, jobID uuid.UUID, errorKind, errorMessage string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, error_kind = $2, error_message = $3, updated_at = now()
		WHERE id = $4 AND status = $5
	`, models.JobStatusFailed, errorKind, errorMessage, jobID, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeCancelled transitions pending → cancelled and stamps the
// cancel request time so an in-flight poller sees the flag.
func (r *Repository) FinalizeCancelled(ctx context.Context, jobID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, cancel_requested_at = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, models.JobStatusCancelled, at, jobID, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListOverduePending returns pending jobs whose deadline has passed.
func (r *Repository) ListOverduePending(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND created_at + deadline_seconds * interval '1 second' < $2
		ORDER BY created_at
	`, models.JobStatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.WorkspaceID, &j.Kind, &j.ModelSpec, &j.Prompt, &j.Options,
		&j.PriceCredits, &j.Status, &j.CreditSource, &j.ExternalRequestID, &j.DeadlineSeconds,
		&j.ResultURL, &j.ErrorKind, &j.ErrorMessage, &j.CancelRequestedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

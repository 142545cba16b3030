package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glazeai/backend/internal/models"
)

// Repository owns the SQL for the three credit pools. Every debit is a
// single conditional UPDATE guarded by the balance check, so concurrent
// reservations on the same row serialize in the database and can never
// overdraw.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) GetAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	row := tx.QueryRow(ctx, `
		SELECT id, email, default_workspace_id, personal_balance, personal_reserved, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
	err := row.Scan(&a.ID, &a.Email, &a.DefaultWorkspaceID, &a.PersonalBalance, &a.PersonalReserved, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetWorkspace(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Workspace, error) {
	var w models.Workspace
	row := tx.QueryRow(ctx, `
		SELECT id, owner_id, name, credit_mode, shared_balance, shared_reserved, created_at, updated_at
		FROM workspaces WHERE id = $1
	`, id)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Name, &w.CreditMode, &w.SharedBalance, &w.SharedReserved, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) GetMembership(ctx context.Context, tx pgx.Tx, workspaceID, accountID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	row := tx.QueryRow(ctx, `
		SELECT workspace_id, account_id, role, allocated_balance, allocated_reserved, created_at
		FROM memberships WHERE workspace_id = $1 AND account_id = $2
	`, workspaceID, accountID)
	err := row.Scan(&m.WorkspaceID, &m.AccountID, &m.Role, &m.AllocatedBalance, &m.AllocatedReserved, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DebitPersonal moves amount from personal_balance to personal_reserved
// iff the balance covers it. Runs in the caller's transaction. When the
// balance is short it returns ok=false and the current balance so the
// caller can report the shortfall.
func (r *Repository) DebitPersonal(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) (balance int64, ok bool, err error) {
	row := tx.QueryRow(ctx, `
		UPDATE accounts
		SET personal_balance = personal_balance - $1, personal_reserved = personal_reserved + $1, updated_at = now()
		WHERE id = $2 AND personal_balance >= $1
		RETURNING personal_balance
	`, amount, accountID)
	err = row.Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	row = tx.QueryRow(ctx, `SELECT personal_balance FROM accounts WHERE id = $1`, accountID)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("account %s not found", accountID)
		}
		return 0, false, err
	}
	return balance, false, nil
}

// DebitWorkspace is DebitPersonal for the workspace shared pool.
func (r *Repository) DebitWorkspace(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, amount int64) (balance int64, ok bool, err error) {
	row := tx.QueryRow(ctx, `
		UPDATE workspaces
		SET shared_balance = shared_balance - $1, shared_reserved = shared_reserved + $1, updated_at = now()
		WHERE id = $2 AND shared_balance >= $1
		RETURNING shared_balance
	`, amount, workspaceID)
	err = row.Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	row = tx.QueryRow(ctx, `SELECT shared_balance FROM workspaces WHERE id = $1`, workspaceID)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrWorkspaceNotFound
		}
		return 0, false, err
	}
	return balance, false, nil
}

// DebitAllocated is DebitPersonal for a member's allocated pool.
func (r *Repository) DebitAllocated(ctx context.Context, tx pgx.Tx, workspaceID, accountID uuid.UUID, amount int64) (balance int64, ok bool, err error) {
	row := tx.QueryRow(ctx, `
		UPDATE memberships
		SET allocated_balance = allocated_balance - $1, allocated_reserved = allocated_reserved + $1
		WHERE workspace_id = $2 AND account_id = $3 AND allocated_balance >= $1
		RETURNING allocated_balance
	`, amount, workspaceID, accountID)
	err = row.Scan(&balance)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	row = tx.QueryRow(ctx, `
		SELECT allocated_balance FROM memberships WHERE workspace_id = $1 AND account_id = $2
	`, workspaceID, accountID)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrNotAMember
		}
		return 0, false, err
	}
	return balance, false, nil
}

// CommitPersonal clears amount from personal_reserved. Funds were
// already debited at reserve time, so no balance moves.
func (r *Repository) CommitPersonal(ctx context.Context, accountID uuid.UUID, amount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET personal_reserved = personal_reserved - $1, updated_at = now() WHERE id = $2
	`, amount, accountID)
	return err
}

func (r *Repository) CommitWorkspace(ctx context.Context, workspaceID uuid.UUID, amount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET shared_reserved = shared_reserved - $1, updated_at = now() WHERE id = $2
	`, amount, workspaceID)
	return err
}

func (r *Repository) CommitAllocated(ctx context.Context, workspaceID, accountID uuid.UUID, amount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE memberships SET allocated_reserved = allocated_reserved - $1
		WHERE workspace_id = $2 AND account_id = $3
	`, amount, workspaceID, accountID)
	return err
}

// ReleasePersonal returns amount to personal_balance and clears it from
// personal_reserved in one atomic statement.
func (r *Repository) ReleasePersonal(ctx context.Context, accountID uuid.UUID, amount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET personal_balance = personal_balance + $1, personal_reserved = personal_reserved - $1, updated_at = now()
		WHERE id = $2
	`, amount, accountID)
	return err
}

func (r *Repository) ReleaseWorkspace(ctx context.Context, workspaceID uuid.UUID, amount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workspaces
		SET shared_balance = shared_balance + $1, shared_reserved = shared_reserved - $1, updated_at = now()
		WHERE id = $2
	`, amount, workspaceID)
	return err
}

func (r *Repository) ReleaseAllocated(ctx context.Context, workspaceID, accountID uuid.UUID, amount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE memberships
		SET allocated_balance = allocated_balance + $1, allocated_reserved = allocated_reserved - $1
		WHERE workspace_id = $2 AND account_id = $3
	`, amount, workspaceID, accountID)
	return err
}

// Package ledger implements atomic reserve/commit/release bookkeeping
// over the three credit pools: personal, workspace-shared, and
// per-member allocated. Reserve runs inside the caller's transaction so
// job rows and the reservation land together; commit and release are
// single-statement updates that run on their own.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glazeai/backend/internal/models"
)

// ErrInsufficientFunds is returned (wrapped in a *ShortfallError) when
// no eligible pool covers the requested amount.
var ErrInsufficientFunds = errors.New("insufficient credits")

// ErrWorkspaceNotFound is returned when the named workspace does not exist.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// ErrNotAMember is returned when the account has no membership in the workspace.
var ErrNotAMember = errors.New("not a workspace member")

// ErrInvalidCreditMode is returned for a workspace with an unknown credit_mode.
var ErrInvalidCreditMode = errors.New("invalid workspace credit mode")

// ErrUnknownSource is returned when commit/release receive a source tag
// that reserve never produces.
var ErrUnknownSource = errors.New("unknown credit source")

// PoolShortfall records how much one probed pool was missing.
type PoolShortfall struct {
	Pool    string `json:"pool"`
	Needed  int64  `json:"needed"`
	Balance int64  `json:"balance"`
	Missing int64  `json:"missing"`
}

// ShortfallError carries per-pool shortfall detail for every pool the
// reserve call probed. It matches ErrInsufficientFunds under errors.Is.
type ShortfallError struct {
	Shortfalls []PoolShortfall
}

func (e *ShortfallError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("%s pool short %d (have %d, need %d)", s.Pool, s.Missing, s.Balance, s.Needed)
	}
	return "insufficient credits: " + strings.Join(parts, "; ")
}

func (e *ShortfallError) Unwrap() error { return ErrInsufficientFunds }

// Reservation is the successful result of Reserve.
type Reservation struct {
	Source         string `json:"source"`
	AvailableAfter int64  `json:"available_after"`
}

// Store is the minimal repository surface the ledger service needs.
// *Repository satisfies it; tests use an in-memory implementation.
type Store interface {
	GetAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	GetWorkspace(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Workspace, error)
	GetMembership(ctx context.Context, tx pgx.Tx, workspaceID, accountID uuid.UUID) (*models.Membership, error)
	DebitPersonal(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) (balance int64, ok bool, err error)
	DebitWorkspace(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, amount int64) (balance int64, ok bool, err error)
	DebitAllocated(ctx context.Context, tx pgx.Tx, workspaceID, accountID uuid.UUID, amount int64) (balance int64, ok bool, err error)
	CommitPersonal(ctx context.Context, accountID uuid.UUID, amount int64) error
	CommitWorkspace(ctx context.Context, workspaceID uuid.UUID, amount int64) error
	CommitAllocated(ctx context.Context, workspaceID, accountID uuid.UUID, amount int64) error
	ReleasePersonal(ctx context.Context, accountID uuid.UUID, amount int64) error
	ReleaseWorkspace(ctx context.Context, workspaceID uuid.UUID, amount int64) error
	ReleaseAllocated(ctx context.Context, workspaceID, accountID uuid.UUID, amount int64) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Reserve debits amount from exactly one pool and records it as
// reserved. Pool selection:
//   - no workspace, or the account's default workspace → personal
//   - credit_mode=shared → workspace pool, personal on shortfall
//   - credit_mode=individual → member's allocated pool, personal on shortfall
//
// Call within the transaction that persists the job rows.
func (s *Service) Reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, workspaceID *uuid.UUID, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	if workspaceID == nil {
		return s.reservePersonal(ctx, tx, accountID, amount, models.SourcePersonal, nil)
	}

	acc, err := s.store.GetAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if *workspaceID == acc.DefaultWorkspaceID {
		return s.reservePersonal(ctx, tx, accountID, amount, models.SourcePersonal, nil)
	}

	ws, err := s.store.GetWorkspace(ctx, tx, *workspaceID)
	if err != nil {
		return nil, err
	}

	switch ws.CreditMode {
	case models.CreditModeShared:
		balance, ok, err := s.store.DebitWorkspace(ctx, tx, ws.ID, amount)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Reservation{Source: models.SourceWorkspace, AvailableAfter: balance}, nil
		}
		short := []PoolShortfall{poolShort("workspace", amount, balance)}
		return s.reservePersonal(ctx, tx, accountID, amount, models.SourcePersonalFallback, short)

	case models.CreditModeIndividual:
		if _, err := s.store.GetMembership(ctx, tx, ws.ID, accountID); err != nil {
			return nil, err
		}
		balance, ok, err := s.store.DebitAllocated(ctx, tx, ws.ID, accountID, amount)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Reservation{Source: models.SourceAllocated, AvailableAfter: balance}, nil
		}
		short := []PoolShortfall{poolShort("allocated", amount, balance)}
		return s.reservePersonal(ctx, tx, accountID, amount, models.SourcePersonalFallback, short)

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCreditMode, ws.CreditMode)
	}
}

// reservePersonal debits the personal pool, folding any earlier pool
// shortfalls into the error when it is short too.
func (s *Service) reservePersonal(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, source string, prior []PoolShortfall) (*Reservation, error) {
	balance, ok, err := s.store.DebitPersonal(ctx, tx, accountID, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ShortfallError{Shortfalls: append(prior, poolShort("personal", amount, balance))}
	}
	return &Reservation{Source: source, AvailableAfter: balance}, nil
}

// Commit clears amount from the reserved counter of the pool named by
// source. The balance was debited at reserve time, so no funds move.
func (s *Service) Commit(ctx context.Context, accountID uuid.UUID, workspaceID *uuid.UUID, amount int64, source string) error {
	switch source {
	case models.SourcePersonal, models.SourcePersonalFallback:
		return s.store.CommitPersonal(ctx, accountID, amount)
	case models.SourceWorkspace:
		if workspaceID == nil {
			return fmt.Errorf("commit source %q requires a workspace id", source)
		}
		return s.store.CommitWorkspace(ctx, *workspaceID, amount)
	case models.SourceAllocated:
		if workspaceID == nil {
			return fmt.Errorf("commit source %q requires a workspace id", source)
		}
		return s.store.CommitAllocated(ctx, *workspaceID, accountID, amount)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
}

// Release reverses a reservation: amount returns to the pool's balance
// and leaves its reserved counter. Used for failure, cancellation and
// timeout.
func (s *Service) Release(ctx context.Context, accountID uuid.UUID, workspaceID *uuid.UUID, amount int64, source string) error {
	switch source {
	case models.SourcePersonal, models.SourcePersonalFallback:
		return s.store.ReleasePersonal(ctx, accountID, amount)
	case models.SourceWorkspace:
		if workspaceID == nil {
			return fmt.Errorf("release source %q requires a workspace id", source)
		}
		return s.store.ReleaseWorkspace(ctx, *workspaceID, amount)
	case models.SourceAllocated:
		if workspaceID == nil {
			return fmt.Errorf("release source %q requires a workspace id", source)
		}
		return s.store.ReleaseAllocated(ctx, *workspaceID, accountID, amount)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
}

func poolShort(pool string, needed, balance int64) PoolShortfall {
	missing := needed - balance
	if missing < 0 {
		missing = 0
	}
	return PoolShortfall{Pool: pool, Needed: needed, Balance: balance, Missing: missing}
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Workspace credit_mode enums.
const (
	CreditModeShared     = "shared"
	CreditModeIndividual = "individual"
)

// Credit source enums: which pool a job's reservation was debited from.
const (
	SourcePersonal         = "personal"
	SourceWorkspace        = "workspace"
	SourceAllocated        = "allocated"
	SourcePersonalFallback = "personal_fallback"
)

// Account holds the personal credit pool. Balance and reserved counters
// are mutated only through ledger operations.
type Account struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	DefaultWorkspaceID uuid.UUID `json:"default_workspace_id"`
	PersonalBalance    int64     `json:"personal_balance"`
	PersonalReserved   int64     `json:"personal_reserved"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Workspace holds the shared credit pool. CreditMode decides whether
// members draw from the shared pool or from per-member allocations.
type Workspace struct {
	ID             uuid.UUID `json:"id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Name           string    `json:"name"`
	CreditMode     string    `json:"credit_mode"` // shared | individual
	SharedBalance  int64     `json:"shared_balance"`
	SharedReserved int64     `json:"shared_reserved"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Membership links an account to a workspace and carries the
// per-member allocated pool used in individual credit mode.
type Membership struct {
	WorkspaceID       uuid.UUID `json:"workspace_id"`
	AccountID         uuid.UUID `json:"account_id"`
	Role              string    `json:"role"`
	AllocatedBalance  int64     `json:"allocated_balance"`
	AllocatedReserved int64     `json:"allocated_reserved"`
	CreatedAt         time.Time `json:"created_at"`
}

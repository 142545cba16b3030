package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status enums. A job leaves pending exactly once and never
// changes status again.
const (
	JobStatusPending   = "pending"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job kind enums.
const (
	KindImage   = "image"
	KindVideo   = "video"
	KindChat    = "chat"
	KindUpscale = "upscale"
)

// KnownKinds is the set of kinds the engine accepts.
var KnownKinds = map[string]bool{
	KindImage:   true,
	KindVideo:   true,
	KindChat:    true,
	KindUpscale: true,
}

// Job is one billable unit of asynchronous generative work. A batch
// request persists one Job per requested output; all rows of a batch
// share the same reservation source and external request id.
type Job struct {
	ID                uuid.UUID       `json:"id"`
	OwnerID           uuid.UUID       `json:"owner_id"`
	WorkspaceID       *uuid.UUID      `json:"workspace_id,omitempty"`
	Kind              string          `json:"kind"`
	ModelSpec         string          `json:"model_spec"`
	Prompt            string          `json:"prompt"`
	Options           json.RawMessage `json:"options,omitempty"`
	PriceCredits      int64           `json:"price_credits"`
	Status            string          `json:"status"`
	CreditSource      string          `json:"credit_source"`
	ExternalRequestID *string         `json:"external_request_id,omitempty"`
	DeadlineSeconds   int             `json:"deadline_seconds"`
	ResultURL         *string         `json:"result_url,omitempty"`
	ErrorKind         *string         `json:"error_kind,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Deadline returns the instant after which the job is considered
// overdue and eligible for the watchdog sweep.
func (j *Job) Deadline() time.Time {
	return j.CreatedAt.Add(time.Duration(j.DeadlineSeconds) * time.Second)
}

// Terminal reports whether the job has left the pending state.
func (j *Job) Terminal() bool {
	return j.Status != JobStatusPending
}

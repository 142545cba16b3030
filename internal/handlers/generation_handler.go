package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glazeai/backend/internal/jobs"
	"github.com/glazeai/backend/internal/ledger"
)

// GenerationService is the slice of the jobs service the handlers use.
type GenerationService interface {
	Accept(ctx context.Context, req *jobs.AcceptRequest) (*jobs.Acceptance, error)
	Cancel(ctx context.Context, jobID, requesterID uuid.UUID) (int64, error)
	Status(ctx context.Context, jobID uuid.UUID) (*jobs.StatusView, error)
}

// GenerationHandler serves /v1/generations. Authentication lives in the
// gateway upstream; it sets X-Account-ID after verifying the caller.
type GenerationHandler struct {
	Jobs   GenerationService
	Logger *slog.Logger
}

type createGenerationRequest struct {
	WorkspaceID *uuid.UUID      `json:"workspace_id,omitempty"`
	Kind        string          `json:"kind"`
	ModelSpec   string          `json:"model_spec"`
	Prompt      string          `json:"prompt"`
	Options     json.RawMessage `json:"options,omitempty"`
	RefURLs     []string        `json:"ref_urls,omitempty"`
	Price       int64           `json:"price"`
	Cardinality int             `json:"cardinality"`
}

// Create handles POST /v1/generations: accept → 202 with the job ids,
// shortfall → 402 with per-pool detail.
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := accountID(w, r)
	if !ok {
		return
	}

	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Cardinality == 0 {
		req.Cardinality = 1
	}

	acc, err := h.Jobs.Accept(r.Context(), &jobs.AcceptRequest{
		OwnerID:     ownerID,
		WorkspaceID: req.WorkspaceID,
		Kind:        req.Kind,
		ModelSpec:   req.ModelSpec,
		Prompt:      req.Prompt,
		Options:     req.Options,
		RefURLs:     req.RefURLs,
		Price:       req.Price,
		Cardinality: req.Cardinality,
	})
	if err != nil {
		h.writeAcceptError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

// Cancel handles POST /v1/generations/{id}/cancel.
func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := accountID(w, r)
	if !ok {
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}

	refunded, err := h.Jobs.Cancel(r.Context(), jobID, requesterID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
	case errors.Is(err, jobs.ErrNotOwner):
		http.Error(w, `{"error":"job belongs to another account"}`, http.StatusForbidden)
	case errors.Is(err, jobs.ErrAlreadyFinal):
		http.Error(w, `{"error":"job already finalized"}`, http.StatusConflict)
	case err != nil:
		h.Logger.Error("cancel job", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"cancel failed"}`, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]int64{"refunded": refunded})
	}
}

// Status handles GET /v1/generations/{id}.
func (h *GenerationHandler) Status(w http.ResponseWriter, r *http.Request) {
	if _, ok := accountID(w, r); !ok {
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}

	view, err := h.Jobs.Status(r.Context(), jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("job status", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"status lookup failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *GenerationHandler) writeAcceptError(w http.ResponseWriter, err error) {
	var shortfall *ledger.ShortfallError
	switch {
	case errors.Is(err, jobs.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.As(err, &shortfall):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":      "insufficient credits",
			"shortfalls": shortfall.Shortfalls,
		})
	case errors.Is(err, ledger.ErrWorkspaceNotFound):
		http.Error(w, `{"error":"workspace not found"}`, http.StatusNotFound)
	case errors.Is(err, ledger.ErrNotAMember):
		http.Error(w, `{"error":"not a workspace member"}`, http.StatusForbidden)
	default:
		h.Logger.Error("accept generation", "error", err)
		http.Error(w, `{"error":"accept failed"}`, http.StatusInternalServerError)
	}
}

// accountID reads the gateway-verified account header.
func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Account-ID")
	if raw == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, `{"error":"invalid account id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

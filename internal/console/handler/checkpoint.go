package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance/internal/checkpoint"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
)

// CheckpointService Описываем, что нам нужно от Checkpoint Manager
type CheckpointService interface {
	Create(ctx context.Context, spec domain.CheckpointSpec) (*domain.Checkpoint, error)
	Get(ctx context.Context, id string) (*domain.Checkpoint, error)
	List(ctx context.Context, f checkpoint.Filter) []*domain.Checkpoint
	Approve(ctx context.Context, id, resolvedBy string) (*domain.Checkpoint, error)
	Reject(ctx context.Context, id, resolvedBy, reason string) (*domain.Checkpoint, error)
	BatchApprove(ctx context.Context, ids []string, resolvedBy string) []checkpoint.BatchResult
	BatchReject(ctx context.Context, ids []string, resolvedBy, reason string) []checkpoint.BatchResult
	Metrics() domain.CheckpointMetrics
}

type CheckpointHandler struct {
	service CheckpointService
}

func NewCheckpointHandler(s CheckpointService) *CheckpointHandler {
	return &CheckpointHandler{service: s}
}

type CreateCheckpointRequest struct {
	domain.CheckpointSpec
	ExpiresInSeconds int64 `json:"expires_in_seconds,omitempty"`
}

// Create POST /v1/checkpoints. Без identity_id владельцем становится автор токена.
func (h *CheckpointHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if !decode(w, r, &req) {
		return
	}
	spec := req.CheckpointSpec
	if req.ExpiresInSeconds > 0 {
		spec.ExpiresIn = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	if spec.IdentityID == "" {
		spec.IdentityID = auth.ActorFrom(r.Context()).ID
	}

	cp, err := h.service.Create(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

// List GET /v1/checkpoints?status=pending&priority=high...
func (h *CheckpointHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := checkpoint.Filter{
		Status:     domain.CheckpointStatus(q.Get("status")),
		IdentityID: q.Get("identity_id"),
		ActionKind: domain.ActionKind(q.Get("action_kind")),
		Priority:   domain.Priority(q.Get("priority")),
		SphereID:   q.Get("sphere_id"),
		AgentID:    q.Get("agent_id"),
		ThreadID:   q.Get("thread_id"),
	}
	writeJSON(w, http.StatusOK, h.service.List(r.Context(), f))
}

func (h *CheckpointHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	cp, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (h *CheckpointHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Metrics())
}

// Approve — решающий берется из токена (подотчетность), а не из тела запроса.
func (h *CheckpointHandler) Approve(w http.ResponseWriter, r *http.Request) {
	cp, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

func (h *CheckpointHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decode(w, r, &req) {
		return
	}
	cp, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context()).ID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type BatchRequest struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason,omitempty"`
}

// BatchApprove всегда 200: итог по каждому ID в теле ответа.
func (h *CheckpointHandler) BatchApprove(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeBadRequest(w, "ids are required")
		return
	}
	writeJSON(w, http.StatusOK, h.service.BatchApprove(r.Context(), req.IDs, auth.ActorFrom(r.Context()).ID))
}

func (h *CheckpointHandler) BatchReject(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeBadRequest(w, "ids are required")
		return
	}
	writeJSON(w, http.StatusOK, h.service.BatchReject(r.Context(), req.IDs, auth.ActorFrom(r.Context()).ID, req.Reason))
}

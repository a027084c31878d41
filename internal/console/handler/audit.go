package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/engine"
)

// AuditService — чтение Audit Trail и архива (service.AuditService).
type AuditService interface {
	FetchLogs(ctx context.Context, f domain.AuditFilter, fromArchive bool) ([]domain.AuditEntry, error)
	Export(w io.Writer, f domain.AuditFilter) (int, error)
}

// Snapshotter отдает все сущности ядра (engine.Core).
type Snapshotter interface {
	Snapshot(ctx context.Context) engine.Snapshot
}

type AuditHandler struct {
	service  AuditService
	snapshot Snapshotter
	now      func() time.Time
}

func NewAuditHandler(s AuditService, snap Snapshotter) *AuditHandler {
	return &AuditHandler{service: s, snapshot: snap, now: time.Now}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /v1/audit?budget_id=...&severity=...&source=archive
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	logs, err := h.service.FetchLogs(r.Context(), f, r.URL.Query().Get("source") == "archive")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Export GET /v1/audit/export — JSON-массив вложением audit-trail-<date>.json.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	// Буферизуем, чтобы ошибка сериализации не ушла клиенту половиной файла
	var buf bytes.Buffer
	if _, err := h.service.Export(&buf, f); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, audit.ExportFileName(h.now())))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *AuditHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot.Snapshot(r.Context()))
}

func auditFilter(w http.ResponseWriter, r *http.Request) (domain.AuditFilter, bool) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeBadRequest(w, "limit must be a positive number")
		return domain.AuditFilter{}, false
	}
	from, okFrom := queryTime(r, "from")
	to, okTo := queryTime(r, "to")
	if !okFrom || !okTo {
		writeBadRequest(w, "from/to must be RFC3339")
		return domain.AuditFilter{}, false
	}
	q := r.URL.Query()
	return domain.AuditFilter{
		IdentityID:   q.Get("identity_id"),
		ActorID:      q.Get("actor_id"),
		SphereID:     q.Get("sphere_id"),
		AgentID:      q.Get("agent_id"),
		ThreadID:     q.Get("thread_id"),
		CheckpointID: q.Get("checkpoint_id"),
		BudgetID:     q.Get("budget_id"),
		Severity:     domain.Severity(q.Get("severity")),
		Action:       domain.AuditAction(q.Get("action")),
		From:         from,
		To:           to,
		Limit:        limit,
	}, true
}

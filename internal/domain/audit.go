package domain

import (
	"fmt"
	"time"
)

// AuditEntry — неизменяемая запись события, прошедшего через governance.
type AuditEntry struct {
	ID         string      `json:"id"`
	Action     AuditAction `json:"action"`
	Severity   Severity    `json:"severity"`
	IdentityID string      `json:"identity_id,omitempty"`
	ActorID    string      `json:"actor_id"`
	ActorType  ActorType   `json:"actor_type"`

	SphereID     string `json:"sphere_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	BudgetID     string `json:"budget_id,omitempty"`

	TokensConsumed int64          `json:"tokens_consumed"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Validate — единственная валидация Audit Trail: обязательные поля.
func (e *AuditEntry) Validate() error {
	switch {
	case !e.Action.Valid():
		return fmt.Errorf("%w: unknown audit action %q", ErrValidation, e.Action)
	case !e.Severity.Valid():
		return fmt.Errorf("%w: unknown audit severity %q", ErrValidation, e.Severity)
	case e.ActorID == "":
		return fmt.Errorf("%w: audit actor is required", ErrValidation)
	case !e.ActorType.Valid():
		return fmt.Errorf("%w: unknown actor type %q", ErrValidation, e.ActorType)
	}
	return nil
}

// AuditFilter фильтры запроса к Audit Trail. Пустое поле — без фильтра.
type AuditFilter struct {
	IdentityID   string
	ActorID      string
	SphereID     string
	AgentID      string
	ThreadID     string
	CheckpointID string
	BudgetID     string
	Severity     Severity
	Action       AuditAction
	From         time.Time
	To           time.Time
	Limit        int
}

// Match проверяет запись на соответствие фильтру.
func (f AuditFilter) Match(e *AuditEntry) bool {
	switch {
	case f.IdentityID != "" && e.IdentityID != f.IdentityID:
		return false
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.SphereID != "" && e.SphereID != f.SphereID:
		return false
	case f.AgentID != "" && e.AgentID != f.AgentID:
		return false
	case f.ThreadID != "" && e.ThreadID != f.ThreadID:
		return false
	case f.CheckpointID != "" && e.CheckpointID != f.CheckpointID:
		return false
	case f.BudgetID != "" && e.BudgetID != f.BudgetID:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && e.Timestamp.After(f.To):
		return false
	}
	return true
}

// Actor — кто выполняет операцию. Используется всеми сервисами ядра для аудита.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

// SystemActor — действия, инициированные самим ядром (sweeper, компенсации).
var SystemActor = Actor{ID: "system", Type: ActorSystem}

// OrSystem подставляет системного актора, если ID не задан.
func (a Actor) OrSystem() Actor {
	if a.ID == "" {
		return SystemActor
	}
	if a.Type == "" {
		a.Type = ActorUser
	}
	return a
}

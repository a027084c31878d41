package domain

import (
	"fmt"
	"time"
)

// Статусы State Machine
type CheckpointStatus string

const (
	StatusPending      CheckpointStatus = "pending"
	StatusApproved     CheckpointStatus = "approved"
	StatusRejected     CheckpointStatus = "rejected"
	StatusExpired      CheckpointStatus = "expired"
	StatusAutoApproved CheckpointStatus = "auto_approved"
)

// IsTerminal — из терминального статуса переходов нет.
func (s CheckpointStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusAutoApproved:
		return true
	}
	return false
}

// Checkpoint — шлюз подтверждения для чувствительного действия.
// Запись никогда не удаляется, только разрешается.
type Checkpoint struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	ActionKind  ActionKind `json:"action_kind"`
	Priority    Priority   `json:"priority"`
	IdentityID  string     `json:"identity_id"` // Владелец

	SphereID string `json:"sphere_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	BudgetID string `json:"budget_id,omitempty"` // Бюджет, который оплачивает TokensRequired

	Payload        map[string]any `json:"payload,omitempty"`
	TokensRequired int64          `json:"tokens_required"` // Фиксируется при создании
	ReservedTokens int64          `json:"reserved_tokens"` // Живой резерв в бюджете

	Status          CheckpointStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата
func (c *Checkpoint) CanTransitionTo(next CheckpointStatus) error {
	if c.Status != StatusPending {
		return fmt.Errorf("%w: checkpoint %s is already %s", ErrInvalidTransition, c.ID, c.Status)
	}
	if !next.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	return nil
}

// IsExpiredAt true, если у Checkpoint есть срок и он прошел.
func (c *Checkpoint) IsExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Clone отдает копию, безопасную для передачи наружу из менеджера.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	if c.Payload != nil {
		cp.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			cp.Payload[k] = v
		}
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CheckpointSpec — параметры создания Checkpoint. Используется и UI, и Agent workflow.
type CheckpointSpec struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	ActionKind  ActionKind     `json:"action_kind"`
	Priority    Priority       `json:"priority,omitempty"`
	IdentityID  string         `json:"identity_id"`
	SphereID    string         `json:"sphere_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	BudgetID    string         `json:"budget_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`

	TokensRequired int64         `json:"tokens_required,omitempty"`
	ExpiresIn      time.Duration `json:"expires_in,omitempty"`

	// AutoApprove — вызывающий просит авто-подтверждение, если правила это допускают.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

// Validate проверяет обязательные поля.
func (s *CheckpointSpec) Validate() error {
	switch {
	case s.Title == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case s.Description == "":
		return fmt.Errorf("%w: description is required", ErrValidation)
	case !s.ActionKind.Valid():
		return fmt.Errorf("%w: unknown action kind %q", ErrValidation, s.ActionKind)
	case s.IdentityID == "":
		return fmt.Errorf("%w: identity is required", ErrValidation)
	case s.Priority != "" && !s.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, s.Priority)
	case s.TokensRequired < 0:
		return fmt.Errorf("%w: tokens_required must be >= 0", ErrInvalidAmount)
	case s.TokensRequired > 0 && s.BudgetID == "":
		return fmt.Errorf("%w: tokens_required needs a budget_id", ErrValidation)
	case s.ExpiresIn < 0:
		return fmt.Errorf("%w: expires_in must be >= 0", ErrValidation)
	}
	return nil
}

// CheckpointMetrics агрегаты для Decision Queue.
type CheckpointMetrics struct {
	Pending           int           `json:"pending"`
	CriticalPending   int           `json:"critical_pending"`
	Resolved          int           `json:"resolved"`
	ApprovalRate      float64       `json:"approval_rate"`
	AvgResolutionTime time.Duration `json:"avg_resolution_time"`
}

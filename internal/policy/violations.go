package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// ViolationFilter фильтр для compliance-выборки.
type ViolationFilter struct {
	RuleID       string
	IdentityID   string
	BudgetID     string
	OnlyOpen     bool
	OnlyBlocking bool
}

func (e *Engine) recordViolation(ctx context.Context, r *domain.GovernanceRule, req CheckRequest, msg string) string {
	v := domain.RuleViolation{
		ID:         uuid.New().String(),
		RuleID:     r.ID,
		IdentityID: req.IdentityID,
		BudgetID:   req.BudgetID,
		ActionKind: req.ActionKind,
		Amount:     req.Amount,
		Blocking:   r.Mode == domain.ModeBlocking,
		Details:    msg,
		OccurredAt: e.now(),
	}

	e.vmu.Lock()
	e.violations = append(e.violations, v)
	e.vmu.Unlock()

	if e.auditor != nil {
		_, err := e.auditor.Append(domain.AuditEntry{
			Action:     domain.AuditRuleViolation,
			Severity:   r.Severity,
			IdentityID: req.IdentityID,
			ActorID:    domain.SystemActor.ID,
			ActorType:  domain.SystemActor.Type,
			BudgetID:   req.BudgetID,
			Details: map[string]any{
				"violation_id": v.ID,
				"rule_id":      r.ID,
				"action_kind":  string(req.ActionKind),
				"amount":       req.Amount,
				"blocking":     v.Blocking,
				"details":      msg,
			},
		})
		if err != nil {
			e.logger.Error("failed to audit rule violation", zap.String("violation_id", v.ID), zap.Error(err))
		}
	}
	return v.ID
}

// ListViolations от старых к новым.
func (e *Engine) ListViolations(f ViolationFilter) []domain.RuleViolation {
	e.vmu.RLock()
	defer e.vmu.RUnlock()

	out := make([]domain.RuleViolation, 0)
	for _, v := range e.violations {
		switch {
		case f.RuleID != "" && v.RuleID != f.RuleID:
			continue
		case f.IdentityID != "" && v.IdentityID != f.IdentityID:
			continue
		case f.BudgetID != "" && v.BudgetID != f.BudgetID:
			continue
		case f.OnlyOpen && v.Resolved:
			continue
		case f.OnlyBlocking && !v.Blocking:
			continue
		}
		out = append(out, v)
	}
	return out
}

// ResolveViolation закрывает нарушение вручную (разбор инцидента).
func (e *Engine) ResolveViolation(ctx context.Context, id string, actor domain.Actor) (domain.RuleViolation, error) {
	actor = actor.OrSystem()

	e.vmu.Lock()
	idx := -1
	for i := range e.violations {
		if e.violations[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.vmu.Unlock()
		return domain.RuleViolation{}, fmt.Errorf("%w: %s", domain.ErrViolationNotFound, id)
	}
	v := &e.violations[idx]
	if v.Resolved {
		resolved := *v
		e.vmu.Unlock()
		return resolved, nil
	}
	now := e.now()
	v.Resolved = true
	v.ResolvedBy = actor.ID
	v.ResolvedAt = &now
	resolved := *v
	e.vmu.Unlock()

	if e.auditor != nil {
		if _, err := e.auditor.Append(domain.AuditEntry{
			Action:     domain.AuditViolationResolved,
			Severity:   domain.SeverityInfo,
			IdentityID: resolved.IdentityID,
			ActorID:    actor.ID,
			ActorType:  actor.Type,
			BudgetID:   resolved.BudgetID,
			Details:    map[string]any{"violation_id": id, "rule_id": resolved.RuleID},
		}); err != nil {
			e.logger.Error("failed to audit violation resolution", zap.String("violation_id", id), zap.Error(err))
		}
	}
	return resolved, nil
}

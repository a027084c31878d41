package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// CreateBudget заводит бюджет. Начальное выделение — обычная транзакция allocation,
// поэтому итоги всегда восстанавливаются из ленты.
func (l *Ledger) CreateBudget(ctx context.Context, spec domain.BudgetSpec) (domain.TokenBudget, error) {
	if err := spec.Validate(); err != nil {
		return domain.TokenBudget{}, err
	}
	if spec.Period == "" {
		spec.Period = domain.PeriodUnlimited
	}
	actor := domain.Actor{ID: spec.CreatedBy}.OrSystem()
	now := l.now()

	a := &account{budget: domain.TokenBudget{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		OwnerID:   spec.OwnerID,
		Scope:     spec.Scope,
		Period:    spec.Period,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	var txs []domain.TokenTransaction
	if spec.TotalAllocated > 0 {
		txs = append(txs, l.newTx(&a.budget, domain.TxAllocation, spec.TotalAllocated, "initial allocation", actor.ID))
	}
	e := entry(domain.AuditBudgetCreated, domain.SeverityInfo, &a.budget, actor)
	e.Details["total_allocated"] = spec.TotalAllocated
	e.Details["scope"] = spec.Scope
	e.Details["period"] = string(spec.Period)

	// Новый бюджет еще никому не виден, блокировка не нужна
	if err := l.record(a, e, txs...); err != nil {
		return domain.TokenBudget{}, err
	}

	l.mu.Lock()
	l.accounts[a.budget.ID] = a
	l.mu.Unlock()

	l.logger.Info("budget created",
		zap.String("budget_id", a.budget.ID),
		zap.String("owner_id", a.budget.OwnerID),
		zap.Int64("allocated", a.budget.TotalAllocated))
	return a.budget, nil
}

// DeleteBudget удаляет только неиспользованный бюджет без живых резервов.
func (l *Ledger) DeleteBudget(ctx context.Context, id string, actor domain.Actor) error {
	a, err := l.lock(id)
	if err != nil {
		return err
	}
	defer a.mu.Unlock()

	if a.budget.TotalUsed != 0 || a.budget.TotalReserved != 0 {
		return fmt.Errorf("%w: %s (used=%d reserved=%d)", domain.ErrBudgetInUse, id, a.budget.TotalUsed, a.budget.TotalReserved)
	}
	if err := l.record(a, entry(domain.AuditBudgetDeleted, domain.SeverityMedium, &a.budget, actor)); err != nil {
		return err
	}
	a.deleted = true

	l.mu.Lock()
	delete(l.accounts, id)
	l.mu.Unlock()

	l.logger.Info("budget deleted", zap.String("budget_id", id))
	return nil
}

// Lock — ручной kill-switch бюджета: потребление и резервы запрещены.
func (l *Ledger) Lock(ctx context.Context, id, reason string, actor domain.Actor) (domain.TokenBudget, error) {
	if reason == "" {
		reason = "locked by operator"
	}
	return l.setFlags(id, actor, domain.AuditBudgetLocked, domain.SeverityHigh, func(b *domain.TokenBudget) bool {
		if b.IsLocked && b.LockedReason == reason {
			return false
		}
		b.IsLocked, b.LockedReason = true, reason
		return true
	})
}

func (l *Ledger) Unlock(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error) {
	return l.setFlags(id, actor, domain.AuditBudgetUnlocked, domain.SeverityMedium, func(b *domain.TokenBudget) bool {
		if !b.IsLocked {
			return false
		}
		b.IsLocked, b.LockedReason = false, ""
		return true
	})
}

func (l *Ledger) Activate(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error) {
	return l.setFlags(id, actor, domain.AuditBudgetActivated, domain.SeverityInfo, func(b *domain.TokenBudget) bool {
		if b.IsActive {
			return false
		}
		b.IsActive = true
		return true
	})
}

func (l *Ledger) Deactivate(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error) {
	return l.setFlags(id, actor, domain.AuditBudgetDeactivated, domain.SeverityMedium, func(b *domain.TokenBudget) bool {
		if !b.IsActive {
			return false
		}
		b.IsActive = false
		return true
	})
}

// setFlags меняет флаги бюджета; повтор того же состояния — no-op без аудита.
func (l *Ledger) setFlags(id string, actor domain.Actor, action domain.AuditAction, sev domain.Severity, mutate func(*domain.TokenBudget) bool) (domain.TokenBudget, error) {
	a, err := l.lock(id)
	if err != nil {
		return domain.TokenBudget{}, err
	}
	defer a.mu.Unlock()

	next := a.budget
	if !mutate(&next) {
		return a.budget, nil
	}
	next.UpdatedAt = l.now()

	e := entry(action, sev, &next, actor)
	if next.LockedReason != "" {
		e.Details["reason"] = next.LockedReason
	}
	if l.auditor != nil {
		if _, err := l.auditor.Append(e); err != nil {
			return domain.TokenBudget{}, fmt.Errorf("audit: %w", err)
		}
	}
	a.budget = next

	l.logger.Info("budget state changed",
		zap.String("budget_id", id),
		zap.String("action", string(action)),
		zap.Bool("locked", next.IsLocked),
		zap.Bool("active", next.IsActive))
	return next, nil
}

// RequestIncrease не трогает леджер: создает Checkpoint вида budget_change,
// увеличение применится через Allocate только после подтверждения.
func (l *Ledger) RequestIncrease(ctx context.Context, id string, amount int64, justification string, actor domain.Actor) (*domain.Checkpoint, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, nil
	}

	// Снимок под блокировкой, сама блокировка отпускается до вызова Checkpoint Manager
	b, err := l.GetBudget(id)
	if err != nil {
		return nil, err
	}

	l.cpMu.RLock()
	creator := l.checkpoints
	l.cpMu.RUnlock()
	if creator == nil {
		return nil, fmt.Errorf("%w: checkpoint manager is not attached", domain.ErrValidation)
	}

	actor = actor.OrSystem()
	desc := justification
	if desc == "" {
		desc = fmt.Sprintf("Increase budget %q by %d tokens", b.Name, amount)
	}
	cp, err := creator.Create(ctx, domain.CheckpointSpec{
		Title:       fmt.Sprintf("Budget increase: %s", b.Name),
		Description: desc,
		ActionKind:  domain.ActionBudgetChange,
		Priority:    domain.PriorityMedium,
		IdentityID:  b.OwnerID,
		BudgetID:    b.ID,
		Payload: map[string]any{
			domain.PayloadBudgetID: b.ID,
			domain.PayloadAmount:   amount,
			domain.PayloadReason:   justification,
		},
	})
	if err != nil {
		return nil, err
	}

	if l.auditor != nil {
		e := entry(domain.AuditIncreaseRequested, domain.SeverityLow, &b, actor)
		e.CheckpointID = cp.ID
		e.Details["amount"] = amount
		e.Details["justification"] = justification
		if _, err := l.auditor.Append(e); err != nil {
			l.logger.Error("failed to audit increase request", zap.String("checkpoint_id", cp.ID), zap.Error(err))
		}
	}
	return cp, nil
}

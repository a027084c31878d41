package service

import (
	"context"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/ledger"
	"go.uber.org/zap"
)

// LockSignaler транслирует смену блокировки остальным инстансам (engine.LockSwitch).
type LockSignaler interface {
	Broadcast(ctx context.Context, budgetID string, on bool) error
}

// BudgetService — Token Ledger для консоли. Все операции идут в леджер как есть,
// Lock/Unlock дополнительно рассылают сигнал kill-switch.
type BudgetService struct {
	*ledger.Ledger
	signals LockSignaler // nil без Redis
	logger  *zap.Logger
}

func NewBudgetService(l *ledger.Ledger, signals LockSignaler, logger *zap.Logger) *BudgetService {
	return &BudgetService{
		Ledger:  l,
		signals: signals,
		logger:  logger.Named("budget-service"),
	}
}

func (s *BudgetService) Lock(ctx context.Context, id, reason string, actor domain.Actor) (domain.TokenBudget, error) {
	b, err := s.Ledger.Lock(ctx, id, reason, actor)
	if err != nil {
		return b, err
	}
	s.signal(ctx, id, true, "budget-lock")
	return b, nil
}

func (s *BudgetService) Unlock(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error) {
	b, err := s.Ledger.Unlock(ctx, id, actor)
	if err != nil {
		return b, err
	}
	s.signal(ctx, id, false, "budget-unlock")
	return b, nil
}

// signal — локальное состояние уже изменено и записано в аудит,
// поэтому сбой доставки только логируется.
func (s *BudgetService) signal(ctx context.Context, id string, on bool, actionName string) {
	if s.signals == nil {
		return
	}
	if err := s.signals.Broadcast(ctx, id, on); err != nil {
		s.logger.Warn("runtime signal delivery failed",
			zap.String("budget_id", id),
			zap.String("action", actionName),
			zap.Error(err))
		return
	}
	s.logger.Info("budget lock state broadcast",
		zap.String("budget_id", id),
		zap.String("action", actionName))
}

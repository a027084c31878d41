package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

// RemoteLockReason — причина блокировки, пришедшей по Redis.
const RemoteLockReason = "remote kill-switch"

// LockState — часть redis.Client, которой хватает kill-switch бюджетов.
type LockState interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// BudgetLocker — операции леджера, которые дергает kill-switch.
type BudgetLocker interface {
	GetBudget(id string) (domain.TokenBudget, error)
	Lock(ctx context.Context, id, reason string, actor domain.Actor) (domain.TokenBudget, error)
	Unlock(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error)
}

// LockSwitch синхронизирует блокировки бюджетов между инстансами через Redis:
// set govern:budgets:locked_set хранит состояние, канал lock-signal — изменения.
type LockSwitch struct {
	state  LockState
	ledger BudgetLocker
	logger *zap.Logger
}

func NewLockSwitch(state LockState, ledger BudgetLocker, logger *zap.Logger) *LockSwitch {
	return &LockSwitch{
		state:  state,
		ledger: ledger,
		logger: logger.Named("lock-switch"),
	}
}

// Init применяет сохраненное в Redis состояние к леджеру (старт и каждый реконнект).
func (s *LockSwitch) Init(ctx context.Context) error {
	ids, err := s.state.SMembers(ctx, infra.RedisKeyLockedBudgets).Result()
	if err != nil {
		return fmt.Errorf("load locked budgets: %w", err)
	}
	for _, id := range ids {
		s.Apply(ctx, id, true)
	}
	s.logger.Info("lock state synchronized", zap.Int("locked", len(ids)))
	return nil
}

// Apply — реакция на удаленный сигнал. Бюджет в нужном состоянии не трогаем,
// чтобы собственный Broadcast не порождал повторных записей аудита.
func (s *LockSwitch) Apply(ctx context.Context, id string, on bool) {
	b, err := s.ledger.GetBudget(id)
	if err != nil {
		if !errors.Is(err, domain.ErrBudgetNotFound) {
			s.logger.Error("lock signal lookup failed", zap.String("budget_id", id), zap.Error(err))
		}
		return
	}
	if b.IsLocked == on {
		return
	}

	if on {
		_, err = s.ledger.Lock(ctx, id, RemoteLockReason, domain.SystemActor)
	} else {
		_, err = s.ledger.Unlock(ctx, id, domain.SystemActor)
	}
	if err != nil {
		s.logger.Error("failed to apply lock signal", zap.String("budget_id", id), zap.Bool("on", on), zap.Error(err))
		return
	}
	s.logger.Warn("budget lock applied from signal", zap.String("budget_id", id), zap.Bool("on", on))
}

// Broadcast сохраняет состояние в Redis и рассылает сигнал остальным инстансам.
func (s *LockSwitch) Broadcast(ctx context.Context, id string, on bool) error {
	var err error
	if on {
		err = s.state.SAdd(ctx, infra.RedisKeyLockedBudgets, id).Err()
	} else {
		err = s.state.SRem(ctx, infra.RedisKeyLockedBudgets, id).Err()
	}
	if err != nil {
		return fmt.Errorf("persist lock state: %w", err)
	}
	if err := s.state.Publish(ctx, infra.RedisChanBudgetLock, infra.LockSignal(id, on)).Err(); err != nil {
		return fmt.Errorf("publish lock signal: %w", err)
	}
	return nil
}

// Listen блокируется до отмены ctx.
func (s *LockSwitch) Listen(ctx context.Context, rdb *redis.Client) {
	s.logger.Info("budget lock listener started", zap.String("chan", infra.RedisChanBudgetLock))
	ListenStateResilient(ctx, rdb, s.logger, infra.RedisChanBudgetLock, s.Init, s.Apply)
	s.logger.Info("budget lock listener stopped")
}

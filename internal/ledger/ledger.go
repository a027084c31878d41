// Package ledger — Token Ledger: бюджеты токенов, журнал транзакций,
// резервы под Checkpoint и переводы между бюджетами.
//
// Каждый бюджет — отдельная критическая секция (свой мьютекс). Проверка и
// мутация выполняются под одной блокировкой, поэтому CanConsume — только подсказка.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"go.uber.org/zap"
)

// DefaultWarnRatio — порог предупреждения о расходе бюджета (80%).
const DefaultWarnRatio = 0.8

// Rules — Rule Engine с точки зрения леджера.
type Rules interface {
	CheckRules(ctx context.Context, req policy.CheckRequest) domain.CheckResult
}

type Auditor interface {
	Append(entry domain.AuditEntry) (domain.AuditEntry, error)
}

// CheckpointCreator создает Checkpoint для requestIncrease (Checkpoint Manager).
type CheckpointCreator interface {
	Create(ctx context.Context, spec domain.CheckpointSpec) (*domain.Checkpoint, error)
}

type account struct {
	mu      sync.Mutex
	budget  domain.TokenBudget
	txs     []domain.TokenTransaction
	deleted bool
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	cpMu        sync.RWMutex
	checkpoints CheckpointCreator

	rules     Rules
	auditor   Auditor
	warnRatio float64
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithWarnRatio(ratio float64) Option {
	return func(l *Ledger) {
		if ratio > 0 && ratio <= 1 {
			l.warnRatio = ratio
		}
	}
}

func New(rules Rules, auditor Auditor, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		accounts:  make(map[string]*account),
		rules:     rules,
		auditor:   auditor,
		warnRatio: DefaultWarnRatio,
		now:       time.Now,
		logger:    logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetCheckpointCreator разрывает цикл Ledger <-> Checkpoint Manager при сборке ядра.
func (l *Ledger) SetCheckpointCreator(c CheckpointCreator) {
	l.cpMu.Lock()
	l.checkpoints = c
	l.cpMu.Unlock()
}

// lock находит бюджет и захватывает его мьютекс. Вызывающий обязан сделать a.mu.Unlock().
func (l *Ledger) lock(id string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBudgetNotFound, id)
	}
	a.mu.Lock()
	if a.deleted {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrBudgetNotFound, id)
	}
	return a, nil
}

// lockPair захватывает два бюджета в порядке ID, чтобы встречные переводы не взаимоблокировались.
func (l *Ledger) lockPair(a, b string) (first, second *account, err error) {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	x, err := l.lock(lo)
	if err != nil {
		return nil, nil, err
	}
	y, err := l.lock(hi)
	if err != nil {
		x.mu.Unlock()
		return nil, nil, err
	}
	if lo == a {
		return x, y, nil
	}
	return y, x, nil
}

func validAmount(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	return nil
}

// spendable — активен, не заблокирован и хватает свободного остатка.
func spendable(b *domain.TokenBudget, amount int64) error {
	switch {
	case !b.IsActive:
		return fmt.Errorf("%w: %s", domain.ErrBudgetInactive, b.ID)
	case b.IsLocked:
		return fmt.Errorf("%w: %s: %s", domain.ErrBudgetLocked, b.ID, b.LockedReason)
	case amount > b.Available():
		return fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientTokens, amount, b.Available())
	}
	return nil
}

// dailyTotal — сколько потрачено с начала текущих суток (UTC) плюс живые резервы:
// при подтверждении Checkpoint резерв станет расходом без повторной проверки правил.
func (l *Ledger) dailyTotal(a *account) int64 {
	now := l.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var total int64
	for i := len(a.txs) - 1; i >= 0; i-- {
		tx := a.txs[i]
		if tx.Timestamp.Before(start) {
			break
		}
		switch tx.Type {
		case domain.TxConsumption, domain.TxRefund:
			total -= tx.Amount
		}
	}
	if total < 0 {
		total = 0
	}
	return total + a.budget.TotalReserved
}

func (l *Ledger) checkRules(ctx context.Context, a *account, amount int64, cc domain.ConsumeContext, dryRun bool) domain.CheckResult {
	if l.rules == nil {
		return domain.CheckResult{Allowed: true}
	}
	return l.rules.CheckRules(ctx, policy.CheckRequest{
		ActionKind: cc.ActionKind,
		Scope:      a.budget.Scope,
		BudgetID:   a.budget.ID,
		IdentityID: cc.IdentityID,
		Amount:     amount,
		DailyTotal: l.dailyTotal(a),
		DryRun:     dryRun,
	})
}

func (l *Ledger) newTx(b *domain.TokenBudget, typ domain.TransactionType, amount int64, desc, by string) domain.TokenTransaction {
	return domain.TokenTransaction{
		ID:          uuid.New().String(),
		BudgetID:    b.ID,
		Type:        typ,
		Amount:      amount,
		Description: desc,
		CreatedBy:   by,
		Timestamp:   l.now(),
	}
}

// project — итоги бюджета после транзакций, с проверкой закона сохранения.
func (l *Ledger) project(b domain.TokenBudget, txs []domain.TokenTransaction) (domain.TokenBudget, error) {
	t := domain.Totals{Allocated: b.TotalAllocated, Used: b.TotalUsed, Reserved: b.TotalReserved}
	for _, tx := range txs {
		if err := t.Apply(tx); err != nil {
			return b, err
		}
	}
	b.TotalAllocated, b.TotalUsed, b.TotalReserved = t.Allocated, t.Used, t.Reserved
	b.Remaining = t.Remaining()
	b.UpdatedAt = l.now()
	if err := b.CheckInvariants(); err != nil {
		return b, err
	}
	return b, nil
}

// record пишет аудит и затем применяет транзакции: без записи в Audit Trail мутации нет.
func (l *Ledger) record(a *account, e domain.AuditEntry, txs ...domain.TokenTransaction) error {
	next, err := l.project(a.budget, txs)
	if err != nil {
		return err
	}
	if l.auditor != nil {
		if _, err := l.auditor.Append(e); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	a.budget = next
	a.txs = append(a.txs, txs...)
	return nil
}

func entry(action domain.AuditAction, sev domain.Severity, b *domain.TokenBudget, actor domain.Actor) domain.AuditEntry {
	actor = actor.OrSystem()
	return domain.AuditEntry{
		Action:     action,
		Severity:   sev,
		IdentityID: b.OwnerID,
		ActorID:    actor.ID,
		ActorType:  actor.Type,
		BudgetID:   b.ID,
		Details:    map[string]any{"budget_name": b.Name},
	}
}

func consumerActor(cc domain.ConsumeContext) domain.Actor {
	if cc.ActorID == "" && cc.AgentID != "" {
		return domain.Actor{ID: cc.AgentID, Type: domain.ActorAgent}
	}
	return domain.Actor{ID: cc.ActorID, Type: cc.ActorType}
}

func withContext(e domain.AuditEntry, cc domain.ConsumeContext) domain.AuditEntry {
	if cc.IdentityID != "" {
		e.IdentityID = cc.IdentityID
	}
	e.SphereID = cc.SphereID
	e.AgentID = cc.AgentID
	e.ThreadID = cc.ThreadID
	e.CheckpointID = cc.CheckpointID
	if cc.ActionKind != "" {
		e.Details["action_kind"] = string(cc.ActionKind)
	}
	return e
}

func txContext(tx domain.TokenTransaction, cc domain.ConsumeContext) domain.TokenTransaction {
	tx.AgentID = cc.AgentID
	tx.ThreadID = cc.ThreadID
	tx.CheckpointID = cc.CheckpointID
	return tx
}

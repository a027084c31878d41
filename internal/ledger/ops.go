package ledger

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// Allocate увеличивает total_allocated.
func (l *Ledger) Allocate(ctx context.Context, id string, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error) {
	return l.credit(id, domain.TxAllocation, amount, description, actor)
}

// Bonus — выделение, помеченное как бонус (отдельный тип в ленте).
func (l *Ledger) Bonus(ctx context.Context, id string, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error) {
	return l.credit(id, domain.TxBonus, amount, description, actor)
}

func (l *Ledger) credit(id string, typ domain.TransactionType, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, nil
	}
	a, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	actor = actor.OrSystem()
	tx := l.newTx(&a.budget, typ, amount, description, actor.ID)
	e := entry(domain.AuditTokensAllocated, domain.SeverityInfo, &a.budget, actor)
	e.Details["amount"] = amount
	e.Details["type"] = string(typ)
	e.Details["transaction_id"] = tx.ID
	if err := l.record(a, e, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CanConsume — совет для UI. Consume все равно перепроверяет условия под блокировкой.
func (l *Ledger) CanConsume(ctx context.Context, id string, amount int64, cc domain.ConsumeContext) (domain.ConsumeCheck, error) {
	if err := validAmount(amount); err != nil {
		return domain.ConsumeCheck{}, err
	}
	a, err := l.lock(id)
	if err != nil {
		return domain.ConsumeCheck{}, err
	}
	defer a.mu.Unlock()

	if err := spendable(&a.budget, amount); err != nil {
		return domain.ConsumeCheck{Allowed: false, Reason: err.Error(), Kind: domain.Kind(err)}, nil
	}
	res := l.checkRules(ctx, a, amount, cc, true)
	check := domain.ConsumeCheck{Allowed: res.Allowed, Warnings: res.WarningMessages()}
	if err := res.Err(); err != nil {
		check.Reason = err.Error()
		check.Kind = domain.Kind(err)
		check.RuleID = domain.BlockingRuleID(err)
	}
	if w := l.usageWarning(&a.budget, amount); w != "" {
		check.Warnings = append(check.Warnings, w)
	}
	return check, nil
}

// usageWarning — расход после операции достигнет warn ratio.
func (l *Ledger) usageWarning(b *domain.TokenBudget, amount int64) string {
	if b.TotalAllocated <= 0 {
		return ""
	}
	ratio := float64(b.TotalUsed+b.TotalReserved+amount) / float64(b.TotalAllocated)
	if ratio < l.warnRatio {
		return ""
	}
	return fmt.Sprintf("budget %s usage would reach %.0f%% of allocation", b.Name, ratio*100)
}

// Consume — атомарная команда: проверка активности, блокировки, остатка и правил
// выполняется в той же критической секции, что и списание.
func (l *Ledger) Consume(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, nil
	}
	a, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	if err := spendable(&a.budget, amount); err != nil {
		return nil, err
	}
	res := l.checkRules(ctx, a, amount, cc, false)
	if err := res.Err(); err != nil {
		return nil, err
	}

	actor := consumerActor(cc).OrSystem()
	tx := txContext(l.newTx(&a.budget, domain.TxConsumption, -amount, description, actor.ID), cc)
	e := withContext(entry(domain.AuditTokensConsumed, domain.SeverityInfo, &a.budget, actor), cc)
	e.TokensConsumed = amount
	e.Details["transaction_id"] = tx.ID
	if w := res.WarningMessages(); len(w) > 0 {
		e.Details["warnings"] = w
	}
	if err := l.record(a, e, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Reserve откладывает токены под Checkpoint, total_used не меняется.
func (l *Ledger) Reserve(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, nil
	}
	a, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	if err := spendable(&a.budget, amount); err != nil {
		return nil, err
	}
	if err := l.checkRules(ctx, a, amount, cc, false).Err(); err != nil {
		return nil, err
	}

	actor := consumerActor(cc).OrSystem()
	tx := txContext(l.newTx(&a.budget, domain.TxReservation, -amount, description, actor.ID), cc)
	e := withContext(entry(domain.AuditTokensReserved, domain.SeverityInfo, &a.budget, actor), cc)
	e.Details["amount"] = amount
	e.Details["transaction_id"] = tx.ID
	if err := l.record(a, e, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Release возвращает резерв; сумма обрезается до total_reserved, ниже нуля резерв не уходит.
// Работает и для заблокированного бюджета: это путь отката.
func (l *Ledger) Release(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	a, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	amount = min(amount, a.budget.TotalReserved)
	if amount == 0 {
		return nil, nil
	}

	actor := consumerActor(cc).OrSystem()
	tx := txContext(l.newTx(&a.budget, domain.TxRelease, amount, description, actor.ID), cc)
	e := withContext(entry(domain.AuditTokensReleased, domain.SeverityInfo, &a.budget, actor), cc)
	e.Details["amount"] = amount
	e.Details["transaction_id"] = tx.ID
	if err := l.record(a, e, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CommitReservation превращает резерв Checkpoint в потребление в одной критической секции.
// Покрытая резервом часть уже прошла правила при резервировании (dailyTotal учитывает
// и чужие резервы). Если резерв бюджета меньше заявленного (его вернули вручную),
// непокрытый остаток проходит правила заново, с записью нарушения.
func (l *Ledger) CommitReservation(ctx context.Context, id string, reserved, amount int64, description string, cc domain.ConsumeContext) ([]domain.TokenTransaction, error) {
	if err := validAmount(reserved); err != nil {
		return nil, err
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	a, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	held := min(reserved, a.budget.TotalReserved)
	if held == 0 && amount == 0 {
		return nil, nil
	}

	released := a.budget
	released.TotalReserved -= held
	if err := spendable(&released, amount); err != nil {
		return nil, err
	}
	if uncovered := amount - held; held < reserved && uncovered > 0 {
		if err := l.checkRules(ctx, a, uncovered, cc, false).Err(); err != nil {
			return nil, err
		}
	}
	reserved = held

	actor := consumerActor(cc).OrSystem()
	txs := make([]domain.TokenTransaction, 0, 2)
	if reserved > 0 {
		txs = append(txs, txContext(l.newTx(&a.budget, domain.TxRelease, reserved, description, actor.ID), cc))
	}
	if amount > 0 {
		txs = append(txs, txContext(l.newTx(&a.budget, domain.TxConsumption, -amount, description, actor.ID), cc))
	}
	e := withContext(entry(domain.AuditTokensConsumed, domain.SeverityInfo, &a.budget, actor), cc)
	e.TokensConsumed = amount
	e.Details["reservation_committed"] = reserved
	if err := l.record(a, e, txs...); err != nil {
		return nil, err
	}
	return txs, nil
}

// Transfer — обе ноги или ни одной: исходящая нога как потребление, входящая как выделение.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount int64, description string, actor domain.Actor) ([]domain.TokenTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	if amount == 0 {
		return nil, nil
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: %w: source and destination are the same budget", domain.ErrTransferFailed, domain.ErrValidation)
	}
	from, to, err := l.lockPair(fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	defer from.mu.Unlock()
	defer to.mu.Unlock()

	if err := spendable(&from.budget, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	switch {
	case !to.budget.IsActive:
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrTransferFailed, domain.ErrBudgetInactive, toID)
	case to.budget.IsLocked:
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrTransferFailed, domain.ErrBudgetLocked, toID)
	}

	actor = actor.OrSystem()
	out := l.newTx(&from.budget, domain.TxTransfer, -amount, description, actor.ID)
	out.CounterpartyID = toID
	in := l.newTx(&to.budget, domain.TxTransfer, amount, description, actor.ID)
	in.CounterpartyID = fromID

	nextFrom, err := l.project(from.budget, []domain.TokenTransaction{out})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	nextTo, err := l.project(to.budget, []domain.TokenTransaction{in})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}

	if l.auditor != nil {
		e := entry(domain.AuditTokensTransferred, domain.SeverityInfo, &from.budget, actor)
		e.TokensConsumed = amount
		e.Details["to_budget_id"] = toID
		e.Details["amount"] = amount
		if _, err := l.auditor.Append(e); err != nil {
			return nil, fmt.Errorf("%w: audit: %w", domain.ErrTransferFailed, err)
		}
	}
	from.budget, to.budget = nextFrom, nextTo
	from.txs = append(from.txs, out)
	to.txs = append(to.txs, in)

	l.logger.Info("tokens transferred",
		zap.String("from", fromID), zap.String("to", toID), zap.Int64("amount", amount))
	return []domain.TokenTransaction{out, in}, nil
}

// Refund сторнирует уже потраченное: amount <= total_used.
// Допускается и на заблокированном бюджете, это компенсация.
func (l *Ledger) Refund(ctx context.Context, id string, amount int64, reason string, cc domain.ConsumeContext) (*domain.TokenTransaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, nil
	}
	a, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer a.mu.Unlock()

	if amount > a.budget.TotalUsed {
		return nil, fmt.Errorf("%w: refund %d exceeds used %d", domain.ErrInvalidAmount, amount, a.budget.TotalUsed)
	}

	actor := consumerActor(cc).OrSystem()
	tx := txContext(l.newTx(&a.budget, domain.TxRefund, amount, reason, actor.ID), cc)
	e := withContext(entry(domain.AuditTokensRefunded, domain.SeverityLow, &a.budget, actor), cc)
	e.Details["amount"] = amount
	e.Details["reason"] = reason
	e.Details["transaction_id"] = tx.ID
	if err := l.record(a, e, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

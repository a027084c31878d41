package domain

import (
	"fmt"
	"math"
	"time"
)

// TokenTransaction — неизменяемая запись одной операции леджера.
// Знак Amount: кредит остатку/резерву "+", дебет "-".
type TokenTransaction struct {
	ID          string          `json:"id"`
	BudgetID    string          `json:"budget_id"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"created_by"`

	ThreadID       string    `json:"thread_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	CheckpointID   string    `json:"checkpoint_id,omitempty"`
	CounterpartyID string    `json:"counterparty_budget_id,omitempty"` // Для transfer
	Timestamp      time.Time `json:"timestamp"`
}

// Totals — суммарное состояние бюджета, восстановленное из ленты.
type Totals struct {
	Allocated int64 `json:"allocated"`
	Used      int64 `json:"used"`
	Reserved  int64 `json:"reserved"`
}

func (t Totals) Remaining() int64 { return t.Allocated - t.Used }

// Apply добавляет эффект одной транзакции. Переполнение итога — ErrInvalidAmount.
func (t *Totals) Apply(tx TokenTransaction) error {
	var field *int64
	delta := tx.Amount
	switch tx.Type {
	case TxAllocation, TxBonus:
		field = &t.Allocated
	case TxConsumption, TxRefund:
		field, delta = &t.Used, -tx.Amount
	case TxReservation, TxRelease:
		field, delta = &t.Reserved, -tx.Amount
	case TxTransfer:
		if tx.Amount < 0 {
			field, delta = &t.Used, -tx.Amount
		} else {
			field = &t.Allocated
		}
	default:
		return fmt.Errorf("transaction %s: unknown type %q", tx.ID, tx.Type)
	}
	if tx.Amount == math.MinInt64 {
		return fmt.Errorf("%w: transaction %s amount overflows", ErrInvalidAmount, tx.ID)
	}
	sum := *field + delta
	if (delta > 0 && sum < *field) || (delta < 0 && sum > *field) {
		return fmt.Errorf("%w: transaction %s overflows budget totals", ErrInvalidAmount, tx.ID)
	}
	*field = sum
	return nil
}

// Replay восстанавливает итоги бюджета только из истории транзакций.
func Replay(txs []TokenTransaction) (Totals, error) {
	var t Totals
	for _, tx := range txs {
		if err := t.Apply(tx); err != nil {
			return Totals{}, err
		}
	}
	return t, nil
}

// TxFilter фильтр истории транзакций.
type TxFilter struct {
	BudgetID     string
	OwnerID      string
	Type         TransactionType
	CheckpointID string
	AgentID      string
	ThreadID     string
	From         time.Time
	To           time.Time
}

// ConsumeContext — кто и зачем тратит токены. ActionKind используется Rule Engine.
type ConsumeContext struct {
	ActionKind   ActionKind `json:"action_kind,omitempty"`
	ActorID      string     `json:"actor_id,omitempty"`
	ActorType    ActorType  `json:"actor_type,omitempty"`
	IdentityID   string     `json:"identity_id,omitempty"`
	SphereID     string     `json:"sphere_id,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	ThreadID     string     `json:"thread_id,omitempty"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
}

// ConsumeCheck результат canConsume (совет для UI, не гарантия).
type ConsumeCheck struct {
	Allowed  bool     `json:"allowed"`
	Reason   string   `json:"reason,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	RuleID   string   `json:"rule_id,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

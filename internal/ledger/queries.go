package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// DefaultAnalyticsDays окно тренда по умолчанию.
const DefaultAnalyticsDays = 30

func (l *Ledger) GetBudget(id string) (domain.TokenBudget, error) {
	a, err := l.lock(id)
	if err != nil {
		return domain.TokenBudget{}, err
	}
	defer a.mu.Unlock()
	return a.budget, nil
}

// snapshot — копии всех бюджетов и их лент. Бюджеты берутся по одному,
// глобально согласованного среза нет.
func (l *Ledger) snapshot() []*account {
	l.mu.RLock()
	accs := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accs = append(accs, a)
	}
	l.mu.RUnlock()

	out := make([]*account, 0, len(accs))
	for _, a := range accs {
		a.mu.Lock()
		if !a.deleted {
			out = append(out, &account{budget: a.budget, txs: append([]domain.TokenTransaction(nil), a.txs...)})
		}
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].budget.CreatedAt.Equal(out[j].budget.CreatedAt) {
			return out[i].budget.CreatedAt.Before(out[j].budget.CreatedAt)
		}
		return out[i].budget.ID < out[j].budget.ID
	})
	return out
}

// ListBudgets бюджеты владельца (пустой owner — все) в порядке создания.
func (l *Ledger) ListBudgets(ownerID string) []domain.TokenBudget {
	out := make([]domain.TokenBudget, 0)
	for _, a := range l.snapshot() {
		if ownerID == "" || a.budget.OwnerID == ownerID {
			out = append(out, a.budget)
		}
	}
	return out
}

// GetGlobalBalance агрегирует все бюджеты владельца.
func (l *Ledger) GetGlobalBalance(ownerID string) domain.GlobalBalance {
	g := domain.GlobalBalance{OwnerID: ownerID}
	for _, b := range l.ListBudgets(ownerID) {
		g.Budgets++
		g.TotalAllocated += b.TotalAllocated
		g.TotalUsed += b.TotalUsed
		g.TotalReserved += b.TotalReserved
		g.Remaining += b.Remaining
		g.Available += b.Available()
	}
	return g
}

// GetTransactionHistory от новых к старым; limit <= 0 — без ограничения.
func (l *Ledger) GetTransactionHistory(f domain.TxFilter, limit int) []domain.TokenTransaction {
	out := make([]domain.TokenTransaction, 0)
	for _, a := range l.snapshot() {
		if f.BudgetID != "" && a.budget.ID != f.BudgetID {
			continue
		}
		if f.OwnerID != "" && a.budget.OwnerID != f.OwnerID {
			continue
		}
		for _, tx := range a.txs {
			if matchTx(&tx, f) {
				out = append(out, tx)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchTx(tx *domain.TokenTransaction, f domain.TxFilter) bool {
	switch {
	case f.Type != "" && tx.Type != f.Type:
		return false
	case f.CheckpointID != "" && tx.CheckpointID != f.CheckpointID:
		return false
	case f.AgentID != "" && tx.AgentID != f.AgentID:
		return false
	case f.ThreadID != "" && tx.ThreadID != f.ThreadID:
		return false
	case !f.From.IsZero() && tx.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && tx.Timestamp.After(f.To):
		return false
	}
	return true
}

// Replay восстанавливает итоги бюджета только из его ленты.
func (l *Ledger) Replay(id string) (domain.Totals, error) {
	a, err := l.lock(id)
	if err != nil {
		return domain.Totals{}, err
	}
	txs := append([]domain.TokenTransaction(nil), a.txs...)
	a.mu.Unlock()
	return domain.Replay(txs)
}

// Verify сверяет сохраненные итоги каждого бюджета с реплеем ленты.
func (l *Ledger) Verify() error {
	for _, a := range l.snapshot() {
		t, err := domain.Replay(a.txs)
		if err != nil {
			return err
		}
		b := a.budget
		if t.Allocated != b.TotalAllocated || t.Used != b.TotalUsed || t.Reserved != b.TotalReserved {
			return fmt.Errorf("budget %s: replay %+v does not match totals (allocated=%d used=%d reserved=%d)",
				b.ID, t, b.TotalAllocated, b.TotalUsed, b.TotalReserved)
		}
		if err := b.CheckInvariants(); err != nil {
			return err
		}
	}
	return nil
}

// GetAnalytics дневной тренд потребления и оценка эффективности за последние days суток.
func (l *Ledger) GetAnalytics(id string, days int) (domain.BudgetAnalytics, error) {
	if days <= 0 {
		days = DefaultAnalyticsDays
	}
	a, err := l.lock(id)
	if err != nil {
		return domain.BudgetAnalytics{}, err
	}
	b := a.budget
	txs := append([]domain.TokenTransaction(nil), a.txs...)
	a.mu.Unlock()

	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	first := today.AddDate(0, 0, -(days - 1))

	perDay := make(map[string]int64, days)
	var consumed, refunded, window int64
	for _, tx := range txs {
		switch tx.Type {
		case domain.TxConsumption:
			consumed -= tx.Amount
			if !tx.Timestamp.UTC().Before(first) {
				perDay[tx.Timestamp.UTC().Format(time.DateOnly)] -= tx.Amount
				window -= tx.Amount
			}
		case domain.TxRefund:
			refunded += tx.Amount
		}
	}

	res := domain.BudgetAnalytics{
		BudgetID:   b.ID,
		DailyUsage: make([]domain.UsagePoint, 0, days),
		UsageRatio: b.UsageRatio(),
	}
	for d := first; !d.After(today); d = d.AddDate(0, 0, 1) {
		day := d.Format(time.DateOnly)
		res.DailyUsage = append(res.DailyUsage, domain.UsagePoint{Day: day, Tokens: perDay[day]})
	}
	res.AverageDaily = float64(window) / float64(days)
	if consumed > 0 {
		res.RefundRatio = float64(refunded) / float64(consumed)
	}
	res.EfficiencyScore = efficiency(res.RefundRatio)
	if res.AverageDaily > 0 {
		left := float64(b.Available()) / res.AverageDaily
		res.ProjectedDays = &left
	}
	return res, nil
}

// efficiency — доля потребления, которую не пришлось возвращать, в процентах.
func efficiency(refundRatio float64) float64 {
	score := 100 * (1 - refundRatio)
	return math.Round(math.Max(0, math.Min(100, score))*100) / 100
}

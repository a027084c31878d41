package domain

import (
	"fmt"
	"time"
)

// TokenBudget — именованный пул токенов для одного владельца/скоупа.
type TokenBudget struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	OwnerID string       `json:"owner_id"`
	Scope   string       `json:"scope"`
	Period  BudgetPeriod `json:"period"`

	TotalAllocated int64 `json:"total_allocated"`
	TotalUsed      int64 `json:"total_used"`
	TotalReserved  int64 `json:"total_reserved"`
	Remaining      int64 `json:"remaining"` // Всегда TotalAllocated - TotalUsed

	IsActive     bool   `json:"is_active"`
	IsLocked     bool   `json:"is_locked"`
	LockedReason string `json:"locked_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available — сколько можно потратить прямо сейчас (за вычетом резервов).
func (b *TokenBudget) Available() int64 {
	return b.Remaining - b.TotalReserved
}

// UsageRatio доля израсходованного от выделенного, 0 для пустого бюджета.
func (b *TokenBudget) UsageRatio() float64 {
	if b.TotalAllocated <= 0 {
		return 0
	}
	return float64(b.TotalUsed) / float64(b.TotalAllocated)
}

// CheckInvariants проверяет закон сохранения токенов.
func (b *TokenBudget) CheckInvariants() error {
	switch {
	case b.TotalAllocated < 0 || b.TotalUsed < 0 || b.TotalReserved < 0:
		return fmt.Errorf("budget %s: negative totals (allocated=%d used=%d reserved=%d)",
			b.ID, b.TotalAllocated, b.TotalUsed, b.TotalReserved)
	case b.Remaining != b.TotalAllocated-b.TotalUsed:
		return fmt.Errorf("budget %s: remaining %d != allocated %d - used %d",
			b.ID, b.Remaining, b.TotalAllocated, b.TotalUsed)
	case b.TotalReserved > b.Remaining:
		return fmt.Errorf("budget %s: reserved %d exceeds remaining %d", b.ID, b.TotalReserved, b.Remaining)
	}
	return nil
}

// BudgetSpec параметры создания бюджета.
type BudgetSpec struct {
	Name           string       `json:"name"`
	OwnerID        string       `json:"owner_id"`
	Scope          string       `json:"scope"`
	TotalAllocated int64        `json:"total_allocated"`
	Period         BudgetPeriod `json:"period"`
	CreatedBy      string       `json:"created_by,omitempty"`
}

func (s *BudgetSpec) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: budget name is required", ErrValidation)
	case s.OwnerID == "":
		return fmt.Errorf("%w: budget owner is required", ErrValidation)
	case s.TotalAllocated < 0:
		return fmt.Errorf("%w: total_allocated must be >= 0", ErrInvalidAmount)
	case s.Period != "" && !s.Period.Valid():
		return fmt.Errorf("%w: unknown period %q", ErrValidation, s.Period)
	}
	return nil
}

// GlobalBalance агрегат по всем бюджетам владельца.
type GlobalBalance struct {
	OwnerID        string `json:"owner_id"`
	Budgets        int    `json:"budgets"`
	TotalAllocated int64  `json:"total_allocated"`
	TotalUsed      int64  `json:"total_used"`
	TotalReserved  int64  `json:"total_reserved"`
	Remaining      int64  `json:"remaining"`
	Available      int64  `json:"available"`
}

// UsagePoint — точка дневного тренда.
type UsagePoint struct {
	Day    string `json:"day"` // 2006-01-02
	Tokens int64  `json:"tokens"`
}

// BudgetAnalytics аналитика для дашборда бюджета.
type BudgetAnalytics struct {
	BudgetID        string       `json:"budget_id"`
	DailyUsage      []UsagePoint `json:"daily_usage"`
	AverageDaily    float64      `json:"average_daily"`
	UsageRatio      float64      `json:"usage_ratio"`
	RefundRatio     float64      `json:"refund_ratio"`
	EfficiencyScore float64      `json:"efficiency_score"` // 0..100
	ProjectedDays   *float64     `json:"projected_days_left,omitempty"`
}

package domain

import (
	"fmt"
	"slices"
	"time"
)

// RuleMode определяет, что делать при нарушении порога.
type RuleMode string

const (
	ModeBlocking RuleMode = "blocking" // Нарушение запрещает действие
	ModeWarn     RuleMode = "warn"     // Нарушение только помечается
)

func (m RuleMode) Valid() bool {
	switch m {
	case ModeBlocking, ModeWarn:
		return true
	}
	return false
}

// Thresholds — лимиты правила. Ноль означает "не задано".
type Thresholds struct {
	MaxSingleConsumption int64   `json:"max_single_consumption,omitempty" yaml:"max_single_consumption,omitempty"`
	MaxDailyTotal        int64   `json:"max_daily_total,omitempty" yaml:"max_daily_total,omitempty"`
	WarnRatio            float64 `json:"warn_ratio,omitempty" yaml:"warn_ratio,omitempty"` // Например 0.8 от лимита
}

// GovernanceRule — предикат политики над видом действия и/или количеством токенов.
type GovernanceRule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	ActionTypes []ActionKind `json:"action_types,omitempty" yaml:"action_types,omitempty"` // Пусто = все
	Scopes      []string     `json:"scopes,omitempty" yaml:"scopes,omitempty"`             // Скоупы бюджетов, пусто = все

	IsActive           bool       `json:"is_active" yaml:"is_active"`
	RequiresCheckpoint bool       `json:"requires_checkpoint" yaml:"requires_checkpoint"`
	Mode               RuleMode   `json:"mode" yaml:"mode"`
	Thresholds         Thresholds `json:"thresholds" yaml:"thresholds"`
	Severity           Severity   `json:"severity" yaml:"severity"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Matches true, если правило применяется к виду действия и скоупу бюджета.
func (r *GovernanceRule) Matches(kind ActionKind, scope string) bool {
	if len(r.ActionTypes) > 0 && !slices.Contains(r.ActionTypes, kind) {
		return false
	}
	if len(r.Scopes) > 0 && !slices.Contains(r.Scopes, scope) {
		return false
	}
	return true
}

// Validate нормализует дефолты и проверяет поля.
func (r *GovernanceRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrValidation)
	}
	if r.Mode == "" {
		r.Mode = ModeBlocking
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown rule mode %q", ErrValidation, r.Mode)
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, r.Severity)
	}
	for _, k := range r.ActionTypes {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown action kind %q", ErrValidation, k)
		}
	}
	t := r.Thresholds
	if t.MaxSingleConsumption < 0 || t.MaxDailyTotal < 0 {
		return fmt.Errorf("%w: thresholds must be >= 0", ErrInvalidAmount)
	}
	if t.WarnRatio < 0 || t.WarnRatio > 1 {
		return fmt.Errorf("%w: warn_ratio must be within [0, 1]", ErrValidation)
	}
	return nil
}

// Clone глубокая копия для отдачи наружу.
func (r GovernanceRule) Clone() GovernanceRule {
	r.ActionTypes = slices.Clone(r.ActionTypes)
	r.Scopes = slices.Clone(r.Scopes)
	return r
}

// RuleViolation — запись о том, что правило заблокировало или пометило действие.
type RuleViolation struct {
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	IdentityID string     `json:"identity_id,omitempty"`
	BudgetID   string     `json:"budget_id,omitempty"`
	ActionKind ActionKind `json:"action_kind,omitempty"`
	Amount     int64      `json:"amount"`
	Blocking   bool       `json:"blocking"`
	Details    string     `json:"details"`
	OccurredAt time.Time  `json:"occurred_at"`

	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Finding — одна сработка правила в результате проверки.
type Finding struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	ViolationID string   `json:"violation_id,omitempty"`
}

// CheckResult результат checkRules.
type CheckResult struct {
	Allowed  bool      `json:"allowed"`
	Blockers []Finding `json:"blockers"`
	Warnings []Finding `json:"warnings"`
}

// Err превращает первый блокер в RuleViolationError.
func (r CheckResult) Err() error {
	if r.Allowed || len(r.Blockers) == 0 {
		return nil
	}
	b := r.Blockers[0]
	rv := &RuleViolationError{RuleID: b.RuleID, Reason: b.Message}
	for _, f := range r.Blockers {
		if f.ViolationID != "" {
			rv.Records = append(rv.Records, f.ViolationID)
		}
	}
	return rv
}

// WarningMessages плоский список предупреждений для UI.
func (r CheckResult) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Message)
	}
	return out
}

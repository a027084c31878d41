// Package policy — Rule Engine: набор правил governance, проверка действий
// и потребления токенов, учет нарушений.
package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// Auditor — запись в Audit Trail.
type Auditor interface {
	Append(entry domain.AuditEntry) (domain.AuditEntry, error)
}

// CheckRequest — предлагаемое действие или потребление.
type CheckRequest struct {
	ActionKind domain.ActionKind
	Scope      string // Скоуп бюджета, если проверяется потребление
	BudgetID   string
	IdentityID string
	Amount     int64
	DailyTotal int64 // Потрачено за текущие сутки плюс живые резервы (считает леджер)
	// DryRun — проверка без создания RuleViolation (canConsume, UI-подсказки)
	DryRun bool
}

// Engine держит правила в RAM. Это Hot Path: каждое создание Checkpoint
// и каждое потребление токенов проходит через CheckRules.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]domain.GovernanceRule

	vmu        sync.RWMutex
	violations []domain.RuleViolation

	store   RuleStore // Может быть nil: тогда правила живут только в памяти
	auditor Auditor
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Engine)

func WithStore(s RuleStore) Option {
	return func(e *Engine) { e.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(auditor Auditor, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:   make(map[string]domain.GovernanceRule),
		auditor: auditor,
		now:     time.Now,
		logger:  logger.Named("rule-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckRules проверяет активные правила, подходящие под вид действия и скоуп.
func (e *Engine) CheckRules(ctx context.Context, req CheckRequest) domain.CheckResult {
	res := domain.CheckResult{
		Allowed:  true,
		Blockers: make([]domain.Finding, 0),
		Warnings: make([]domain.Finding, 0),
	}

	for _, r := range e.matching(req.ActionKind, req.Scope) {
		msg, violated := evaluate(&r, req)
		if !violated {
			if hint := approaching(&r, req); hint != "" {
				res.Warnings = append(res.Warnings, finding(&r, hint))
			}
			continue
		}

		f := finding(&r, msg)
		if !req.DryRun {
			f.ViolationID = e.recordViolation(ctx, &r, req, msg)
		}
		if r.Mode == domain.ModeBlocking {
			res.Allowed = false
			res.Blockers = append(res.Blockers, f)
		} else {
			res.Warnings = append(res.Warnings, f)
		}
	}

	if !res.Allowed {
		e.logger.Warn("action blocked by rules",
			zap.String("action_kind", string(req.ActionKind)),
			zap.String("budget_id", req.BudgetID),
			zap.Int64("amount", req.Amount),
			zap.Int("blockers", len(res.Blockers)),
			zap.Bool("dry_run", req.DryRun))
	}
	return res
}

// RequiresCheckpoint true, если хоть одно активное правило для вида действия требует подтверждения.
func (e *Engine) RequiresCheckpoint(kind domain.ActionKind) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if !r.IsActive || !r.RequiresCheckpoint {
			continue
		}
		// Скоупы бюджетов здесь не участвуют: у Checkpoint нет скоупа
		if len(r.ActionTypes) == 0 || slices.Contains(r.ActionTypes, kind) {
			return true
		}
	}
	return false
}

// matching — снимок подходящих правил в детерминированном порядке.
func (e *Engine) matching(kind domain.ActionKind, scope string) []domain.GovernanceRule {
	e.mu.RLock()
	out := make([]domain.GovernanceRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.IsActive && r.Matches(kind, scope) {
			out = append(out, r.Clone())
		}
	}
	e.mu.RUnlock()
	sortRules(out)
	return out
}

func evaluate(r *domain.GovernanceRule, req CheckRequest) (string, bool) {
	t := r.Thresholds
	if t.MaxSingleConsumption > 0 && req.Amount > t.MaxSingleConsumption {
		return fmt.Sprintf("amount %d exceeds max single consumption %d", req.Amount, t.MaxSingleConsumption), true
	}
	if t.MaxDailyTotal > 0 && req.Amount > 0 && req.DailyTotal+req.Amount > t.MaxDailyTotal {
		return fmt.Sprintf("daily total %d would exceed limit %d", req.DailyTotal+req.Amount, t.MaxDailyTotal), true
	}
	return "", false
}

// approaching — мягкое предупреждение о приближении к лимиту (без записи нарушения).
func approaching(r *domain.GovernanceRule, req CheckRequest) string {
	t := r.Thresholds
	if t.WarnRatio <= 0 || req.Amount <= 0 {
		return ""
	}
	if t.MaxSingleConsumption > 0 && float64(req.Amount) >= t.WarnRatio*float64(t.MaxSingleConsumption) {
		return fmt.Sprintf("amount %d is approaching max single consumption %d", req.Amount, t.MaxSingleConsumption)
	}
	if t.MaxDailyTotal > 0 && float64(req.DailyTotal+req.Amount) >= t.WarnRatio*float64(t.MaxDailyTotal) {
		return fmt.Sprintf("daily total %d is approaching limit %d", req.DailyTotal+req.Amount, t.MaxDailyTotal)
	}
	return ""
}

func finding(r *domain.GovernanceRule, msg string) domain.Finding {
	return domain.Finding{RuleID: r.ID, RuleName: r.Name, Severity: r.Severity, Message: msg}
}

func sortRules(rules []domain.GovernanceRule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// AddRule регистрирует новое правило (ID генерируется, если не задан).
func (e *Engine) AddRule(ctx context.Context, r domain.GovernanceRule, actor domain.Actor) (domain.GovernanceRule, error) {
	if err := r.Validate(); err != nil {
		return domain.GovernanceRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := e.now()
	r.CreatedAt, r.UpdatedAt = now, now

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return domain.GovernanceRule{}, fmt.Errorf("%w: rule %s already exists", domain.ErrValidation, r.ID)
	}
	if e.store != nil {
		if err := e.store.SaveRule(ctx, &r); err != nil {
			return domain.GovernanceRule{}, fmt.Errorf("rule store: %w", err)
		}
	}
	e.rules[r.ID] = r.Clone()
	e.audit(domain.AuditRuleAdded, r, actor)
	return r.Clone(), nil
}

// UpdateRule заменяет условия существующего правила, CreatedAt сохраняется.
func (e *Engine) UpdateRule(ctx context.Context, r domain.GovernanceRule, actor domain.Actor) (domain.GovernanceRule, error) {
	if err := r.Validate(); err != nil {
		return domain.GovernanceRule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.rules[r.ID]
	if !ok {
		return domain.GovernanceRule{}, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, r.ID)
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = e.now()
	if e.store != nil {
		if err := e.store.SaveRule(ctx, &r); err != nil {
			return domain.GovernanceRule{}, fmt.Errorf("rule store: %w", err)
		}
	}
	e.rules[r.ID] = r.Clone()
	e.audit(domain.AuditRuleUpdated, r, actor)
	return r.Clone(), nil
}

func (e *Engine) RemoveRule(ctx context.Context, id string, actor domain.Actor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("rule store: %w", err)
		}
	}
	delete(e.rules, id)
	e.audit(domain.AuditRuleRemoved, r, actor)
	return nil
}

func (e *Engine) GetRule(id string) (domain.GovernanceRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return domain.GovernanceRule{}, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}
	return r.Clone(), nil
}

// ListRules все правила в порядке создания.
func (e *Engine) ListRules() []domain.GovernanceRule {
	e.mu.RLock()
	out := make([]domain.GovernanceRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Clone())
	}
	e.mu.RUnlock()
	sortRules(out)
	return out
}

func (e *Engine) audit(action domain.AuditAction, r domain.GovernanceRule, actor domain.Actor) {
	if e.auditor == nil {
		return
	}
	actor = actor.OrSystem()
	_, err := e.auditor.Append(domain.AuditEntry{
		Action:    action,
		Severity:  domain.SeverityMedium,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Details: map[string]any{
			"rule_id":             r.ID,
			"rule_name":           r.Name,
			"mode":                string(r.Mode),
			"requires_checkpoint": r.RequiresCheckpoint,
			"is_active":           r.IsActive,
		},
	})
	if err != nil {
		e.logger.Error("failed to audit rule change", zap.String("rule_id", r.ID), zap.Error(err))
	}
}

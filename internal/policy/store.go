package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RuleStore — долговременное хранилище правил (Postgres). Engine пишет в него
// синхронно, а читает только при холодной загрузке (Refresh).
type RuleStore interface {
	GetAllRules(ctx context.Context) ([]domain.GovernanceRule, error)
	SaveRule(ctx context.Context, r *domain.GovernanceRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Refresh выполняет «холодную загрузку» всех правил из хранилища в память (при старте).
func (e *Engine) Refresh(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rules, err := e.store.GetAllRules(ctx)
	if err != nil {
		return fmt.Errorf("rule store: %w", err)
	}
	if err := e.replace(rules); err != nil {
		return err
	}
	e.logger.Info("rule cache refreshed", zap.Int("count", len(rules)))
	return nil
}

// Load заменяет набор правил целиком (например, из YAML файла).
// В отличие от AddRule не пишет в хранилище и аудит.
func (e *Engine) Load(rules []domain.GovernanceRule) error {
	return e.replace(rules)
}

func (e *Engine) replace(rules []domain.GovernanceRule) error {
	next := make(map[string]domain.GovernanceRule, len(rules))
	now := e.now()
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if r.ID == "" {
			return fmt.Errorf("%w: rule %q has no id", domain.ErrValidation, r.Name)
		}
		if _, dup := next[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %q", domain.ErrValidation, r.ID)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = r.CreatedAt
		}
		next[r.ID] = r.Clone()
	}

	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
	return nil
}

// RulesFile корневая структура YAML файла правил.
type RulesFile struct {
	Rules []domain.GovernanceRule `yaml:"rules"`
}

// LoadRulesFile читает YAML правила; отсутствующий файл — пустой набор.
func LoadRulesFile(path string) ([]domain.GovernanceRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules file read: %w", err)
	}
	return ParseRules(data)
}

// ParseRules разбирает и валидирует YAML (используется и командой `rules validate`).
func ParseRules(data []byte) ([]domain.GovernanceRule, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules file unmarshal: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule #%d has no id", domain.ErrValidation, i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", domain.ErrValidation, r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}
	return f.Rules, nil
}

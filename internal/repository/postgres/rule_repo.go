package postgres

/*
Файл rule_repo.go отвечает за хранение правил governance.
Данный слой отделяет долговременное хранение правил в PostgreSQL
от их мгновенной проверки в оперативной памяти Rule Engine.
*/

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-governance/internal/domain"
)

type RuleRepo struct {
	pool *pgxpool.Pool
}

func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

// GetAllRules выполняет "холодную загрузку" всего набора правил при старте.
func (r *RuleRepo) GetAllRules(ctx context.Context) ([]domain.GovernanceRule, error) {
	query := `
		SELECT id, name, description, action_types, scopes, is_active, requires_checkpoint, mode,
			max_single_consumption, max_daily_total, warn_ratio, severity, created_at, updated_at
		FROM governance_rules
		ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load rules: %w", err)
	}
	defer rows.Close()

	var results []domain.GovernanceRule
	for rows.Next() {
		var (
			g              domain.GovernanceRule
			actions        []string
			mode, severity string
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &actions, &g.Scopes, &g.IsActive,
			&g.RequiresCheckpoint, &mode, &g.Thresholds.MaxSingleConsumption, &g.Thresholds.MaxDailyTotal,
			&g.Thresholds.WarnRatio, &severity, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}
		for _, a := range actions {
			g.ActionTypes = append(g.ActionTypes, domain.ActionKind(a))
		}
		g.Mode = domain.RuleMode(mode)
		g.Severity = domain.Severity(severity)
		results = append(results, g)
	}
	return results, rows.Err()
}

// SaveRule — upsert: Rule Engine сам решает, создание это или обновление.
func (r *RuleRepo) SaveRule(ctx context.Context, g *domain.GovernanceRule) error {
	query := `
		INSERT INTO governance_rules (id, name, description, action_types, scopes, is_active,
			requires_checkpoint, mode, max_single_consumption, max_daily_total, warn_ratio, severity,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			action_types = EXCLUDED.action_types,
			scopes = EXCLUDED.scopes,
			is_active = EXCLUDED.is_active,
			requires_checkpoint = EXCLUDED.requires_checkpoint,
			mode = EXCLUDED.mode,
			max_single_consumption = EXCLUDED.max_single_consumption,
			max_daily_total = EXCLUDED.max_daily_total,
			warn_ratio = EXCLUDED.warn_ratio,
			severity = EXCLUDED.severity,
			updated_at = EXCLUDED.updated_at`

	actions := make([]string, 0, len(g.ActionTypes))
	for _, a := range g.ActionTypes {
		actions = append(actions, string(a))
	}
	scopes := g.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err := r.pool.Exec(ctx, query,
		g.ID, g.Name, g.Description, actions, scopes, g.IsActive, g.RequiresCheckpoint, string(g.Mode),
		g.Thresholds.MaxSingleConsumption, g.Thresholds.MaxDailyTotal, g.Thresholds.WarnRatio,
		string(g.Severity), g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save rule: %w", err)
	}
	return nil
}

// DeleteRule удаляет правило по ID.
func (r *RuleRepo) DeleteRule(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM governance_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete rule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %w: %s", domain.ErrRuleNotFound, id)
	}
	return nil
}

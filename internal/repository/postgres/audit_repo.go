package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-governance/internal/domain"
)

const defaultArchiveLimit = 1000

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

const insertAuditEntry = `
	INSERT INTO audit_entries (id, action, severity, identity_id, actor_id, actor_type,
		sphere_id, agent_id, thread_id, checkpoint_id, budget_id, tokens_consumed, details, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO NOTHING`

// WriteBatch реализует audit.StorageInterface.
// ON CONFLICT делает пачку идемпотентной: ретрай после таймаута не дублирует записи.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("postgres: audit %s details: %w", e.ID, err)
		}
		batch.Queue(insertAuditEntry,
			e.ID, string(e.Action), string(e.Severity), e.IdentityID, e.ActorID, string(e.ActorType),
			e.SphereID, e.AgentID, e.ThreadID, e.CheckpointID, e.BudgetID, e.TokensConsumed, details, e.Timestamp,
		)
	}

	// Пачка в одной транзакции: либо вся, либо ничего
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin audit batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return tx.Commit(ctx)
}

// FindEntries читает архив от новых к старым с теми же фильтрами, что и Trail.
func (r *AuditRepo) FindEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	for _, c := range []struct{ col, v string }{
		{"identity_id", f.IdentityID},
		{"actor_id", f.ActorID},
		{"sphere_id", f.SphereID},
		{"agent_id", f.AgentID},
		{"thread_id", f.ThreadID},
		{"checkpoint_id", f.CheckpointID},
		{"budget_id", f.BudgetID},
		{"severity", string(f.Severity)},
		{"action", string(f.Action)},
	} {
		if c.v != "" {
			add(c.col+" = $%d", c.v)
		}
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultArchiveLimit
	}

	query := `SELECT id, action, severity, identity_id, actor_id, actor_type, sphere_id, agent_id,
		thread_id, checkpoint_id, budget_id, tokens_consumed, details, timestamp FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit archive: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			e                          domain.AuditEntry
			action, severity, actorTyp string
			details                    []byte
		)
		if err := rows.Scan(&e.ID, &action, &severity, &e.IdentityID, &e.ActorID, &actorTyp,
			&e.SphereID, &e.AgentID, &e.ThreadID, &e.CheckpointID, &e.BudgetID, &e.TokensConsumed,
			&details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		e.Action = domain.AuditAction(action)
		e.Severity = domain.Severity(severity)
		e.ActorType = domain.ActorType(actorTyp)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: audit %s details: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

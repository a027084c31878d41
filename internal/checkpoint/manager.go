// Package checkpoint — Checkpoint Manager: конечный автомат подтверждений
// pending -> {approved, rejected, expired, auto_approved}.
//
// Разрешение Checkpoint, затрагивающее леджер, выполняется сагой:
// шаг леджера -> запись аудита -> фиксация статуса. Любой сбой откатывает
// предыдущие шаги, Checkpoint остается pending.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"go.uber.org/zap"
)

// Ledger — операции леджера, которые вызывают переходы Checkpoint.
type Ledger interface {
	Reserve(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Release(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	CommitReservation(ctx context.Context, id string, reserved, amount int64, description string, cc domain.ConsumeContext) ([]domain.TokenTransaction, error)
	Consume(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Refund(ctx context.Context, id string, amount int64, reason string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Allocate(ctx context.Context, id string, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error)
	CanConsume(ctx context.Context, id string, amount int64, cc domain.ConsumeContext) (domain.ConsumeCheck, error)
}

type Rules interface {
	RequiresCheckpoint(kind domain.ActionKind) bool
	CheckRules(ctx context.Context, req policy.CheckRequest) domain.CheckResult
}

// Auditor — Audit Trail. Validate позволяет проверить запись до шага леджера.
type Auditor interface {
	Validate(entry domain.AuditEntry) error
	Append(entry domain.AuditEntry) (domain.AuditEntry, error)
}

type Manager struct {
	mu    sync.Mutex
	items map[string]*domain.Checkpoint

	ledger     Ledger
	rules      Rules
	auditor    Auditor
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

type Option func(*Manager)

// WithDefaultTTL срок жизни Checkpoint, если при создании не задан expires_in. 0 — бессрочно.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(ledger Ledger, rules Rules, auditor Auditor, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		items:   make(map[string]*domain.Checkpoint),
		ledger:  ledger,
		rules:   rules,
		auditor: auditor,
		now:     time.Now,
		logger:  logger.Named("checkpoint-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create регистрирует Checkpoint. Авто-подтверждение возможно, только если ни одно
// правило не требует Checkpoint для вида действия и Rule Engine пропускает
// tokens_required; иначе Checkpoint создается pending с резервом токенов.
func (m *Manager) Create(ctx context.Context, spec domain.CheckpointSpec) (*domain.Checkpoint, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	payload, err := domain.NormalizePayload(spec.Payload)
	if err != nil {
		return nil, err
	}
	if spec.Priority == "" {
		spec.Priority = domain.PriorityMedium
	}

	now := m.now()
	cp := &domain.Checkpoint{
		ID:             uuid.New().String(),
		Title:          spec.Title,
		Description:    spec.Description,
		ActionKind:     spec.ActionKind,
		Priority:       spec.Priority,
		IdentityID:     spec.IdentityID,
		SphereID:       spec.SphereID,
		AgentID:        spec.AgentID,
		ThreadID:       spec.ThreadID,
		BudgetID:       spec.BudgetID,
		Payload:        payload,
		TokensRequired: spec.TokensRequired,
		Status:         domain.StatusPending,
		CreatedAt:      now,
	}
	ttl := spec.ExpiresIn
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		cp.ExpiresAt = &exp
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if spec.AutoApprove && m.autoApprovable(ctx, cp) {
		err := m.autoApprove(ctx, cp)
		if err == nil {
			m.items[cp.ID] = cp
			return cp.Clone(), nil
		}
		// Нарушение уже записано леджером, резерв сработал бы на том же правиле
		if errors.Is(err, domain.ErrRuleViolation) {
			return nil, err
		}
		m.logger.Warn("auto-approval failed, checkpoint stays pending",
			zap.String("checkpoint_id", cp.ID), zap.Error(err))
		cp.Status, cp.ResolvedAt, cp.ResolvedBy = domain.StatusPending, nil, ""
	}

	if err := m.createPending(ctx, cp); err != nil {
		return nil, err
	}
	m.items[cp.ID] = cp
	m.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("action_kind", string(cp.ActionKind)),
		zap.String("priority", string(cp.Priority)),
		zap.Int64("reserved", cp.ReservedTokens))
	return cp.Clone(), nil
}

func (m *Manager) autoApprovable(ctx context.Context, cp *domain.Checkpoint) bool {
	if m.rules == nil {
		return true
	}
	if m.rules.RequiresCheckpoint(cp.ActionKind) {
		return false
	}
	if m.chargeable(cp) {
		// Тот же расчет, что и у списания: scope бюджета, дневной расход, остаток
		check, err := m.ledger.CanConsume(ctx, cp.BudgetID, cp.TokensRequired, m.consumeContext(cp, domain.SystemActor))
		return err == nil && check.Allowed
	}
	res := m.rules.CheckRules(ctx, policy.CheckRequest{
		ActionKind: cp.ActionKind,
		BudgetID:   cp.BudgetID,
		IdentityID: cp.IdentityID,
		Amount:     cp.TokensRequired,
		// Нарушение фиксирует уже реальное списание или резерв в леджере
		DryRun: true,
	})
	return res.Allowed
}

// autoApprove: потребление токенов -> аудит created + auto_approved.
func (m *Manager) autoApprove(ctx context.Context, cp *domain.Checkpoint) error {
	now := m.now()
	cp.Status = domain.StatusAutoApproved
	cp.ResolvedAt = &now
	cp.ResolvedBy = domain.SystemActor.ID

	created := m.entry(domain.AuditCheckpointCreated, cp, domain.SystemActor)
	approved := m.entry(domain.AuditCheckpointAutoApproved, cp, domain.SystemActor)
	approved.TokensConsumed = cp.TokensRequired

	var consumed bool
	return runSaga(ctx, m.logger, cp.ID,
		check("validate-audit", func() error { return m.validate(created, approved) }),
		step{
			name: "consume",
			do: func(ctx context.Context) error {
				if !m.chargeable(cp) {
					return nil
				}
				_, err := m.ledger.Consume(ctx, cp.BudgetID, cp.TokensRequired, "auto-approved checkpoint: "+cp.Title, m.consumeContext(cp, domain.SystemActor))
				consumed = err == nil
				return err
			},
			undo: func(ctx context.Context) error {
				if !consumed {
					return nil
				}
				_, err := m.ledger.Refund(ctx, cp.BudgetID, cp.TokensRequired, "auto-approval rolled back", m.consumeContext(cp, domain.SystemActor))
				return err
			},
		},
		step{name: "audit", do: func(context.Context) error { return m.append(created, approved) }},
	)
}

// createPending: резерв токенов -> аудит checkpoint_created.
func (m *Manager) createPending(ctx context.Context, cp *domain.Checkpoint) error {
	created := m.entry(domain.AuditCheckpointCreated, cp, domain.Actor{ID: cp.IdentityID})
	return runSaga(ctx, m.logger, cp.ID,
		check("validate-audit", func() error { return m.validate(created) }),
		step{
			name: "reserve",
			do: func(ctx context.Context) error {
				if !m.chargeable(cp) {
					return nil
				}
				if _, err := m.ledger.Reserve(ctx, cp.BudgetID, cp.TokensRequired, "checkpoint reservation: "+cp.Title, m.consumeContext(cp, domain.Actor{ID: cp.IdentityID})); err != nil {
					return err
				}
				cp.ReservedTokens = cp.TokensRequired
				return nil
			},
			undo: func(ctx context.Context) error { return m.releaseReservation(ctx, cp, "checkpoint creation rolled back") },
		},
		step{name: "audit", do: func(context.Context) error {
			created.Details["reserved_tokens"] = cp.ReservedTokens
			return m.append(created)
		}},
	)
}

// Approve разрешает pending Checkpoint: резерв превращается в потребление
// (или прямое списание без резерва); budget_change применяет увеличение через Allocate.
func (m *Manager) Approve(ctx context.Context, id, resolvedBy string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.pending(ctx, id, domain.StatusApproved)
	if err != nil {
		return nil, err
	}
	actor := domain.Actor{ID: resolvedBy}.OrSystem()
	now := m.now()

	approved := m.entry(domain.AuditCheckpointApproved, cp, actor)
	approved.TokensConsumed = cp.TokensRequired
	approved.Details["resolution_seconds"] = now.Sub(cp.CreatedAt).Seconds()

	// Токены самого Checkpoint списываются всегда; увеличение бюджета идет
	// последним, у него нет отката.
	steps := []step{
		check("validate-audit", func() error { return m.validate(approved) }),
		m.consumeStep(cp, actor),
	}
	if _, ok := cp.Payload[domain.PayloadBudgetID]; ok && cp.ActionKind == domain.ActionBudgetChange {
		increase, err := m.increaseStep(cp, actor, &approved)
		if err != nil {
			return nil, err
		}
		steps = append(steps, increase)
	}
	steps = append(steps, step{name: "audit", do: func(context.Context) error { return m.append(approved) }})

	err = runSaga(ctx, m.logger, cp.ID, steps...)
	if err != nil {
		return nil, err
	}

	cp.Status = domain.StatusApproved
	cp.ResolvedAt = &now
	cp.ResolvedBy = actor.ID
	cp.ReservedTokens = 0
	m.logger.Info("checkpoint approved", zap.String("checkpoint_id", id), zap.String("resolved_by", actor.ID))
	return cp.Clone(), nil
}

func (m *Manager) consumeStep(cp *domain.Checkpoint, actor domain.Actor) step {
	var committed bool
	desc := "approved checkpoint: " + cp.Title
	return step{
		name: "consume",
		do: func(ctx context.Context) error {
			if !m.chargeable(cp) {
				return nil
			}
			cc := m.consumeContext(cp, actor)
			var err error
			if cp.ReservedTokens > 0 {
				_, err = m.ledger.CommitReservation(ctx, cp.BudgetID, cp.ReservedTokens, cp.TokensRequired, desc, cc)
			} else {
				_, err = m.ledger.Consume(ctx, cp.BudgetID, cp.TokensRequired, desc, cc)
			}
			committed = err == nil
			return err
		},
		undo: func(ctx context.Context) error {
			if !committed {
				return nil
			}
			cc := m.consumeContext(cp, domain.SystemActor)
			if _, err := m.ledger.Refund(ctx, cp.BudgetID, cp.TokensRequired, "checkpoint approval rolled back", cc); err != nil {
				return err
			}
			if cp.ReservedTokens > 0 {
				_, err := m.ledger.Reserve(ctx, cp.BudgetID, cp.ReservedTokens, "checkpoint reservation restored", cc)
				return err
			}
			return nil
		},
	}
}

// increaseStep — одобренный запрос на увеличение бюджета. Выделение не компенсируется,
// поэтому аудит проверяется до него.
func (m *Manager) increaseStep(cp *domain.Checkpoint, actor domain.Actor, approved *domain.AuditEntry) (step, error) {
	budgetID, amount, err := domain.IncreaseRequest(cp.Payload)
	if err != nil {
		return step{}, err
	}
	approved.BudgetID = budgetID
	approved.Details["increase_amount"] = amount
	return step{
		name: "allocate",
		do: func(ctx context.Context) error {
			_, err := m.ledger.Allocate(ctx, budgetID, amount, "approved increase: "+cp.Title, actor)
			return err
		},
	}, nil
}

// Reject требует причину, возвращает резерв в бюджет.
func (m *Manager) Reject(ctx context.Context, id, resolvedBy, reason string) (*domain.Checkpoint, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", domain.ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.pending(ctx, id, domain.StatusRejected)
	if err != nil {
		return nil, err
	}
	actor := domain.Actor{ID: resolvedBy}.OrSystem()
	now := m.now()

	rejected := m.entry(domain.AuditCheckpointRejected, cp, actor)
	rejected.Details["reason"] = reason
	rejected.Details["released_tokens"] = cp.ReservedTokens
	rejected.Details["resolution_seconds"] = now.Sub(cp.CreatedAt).Seconds()

	if err := m.resolveWithRelease(ctx, cp, rejected, "checkpoint rejected: "+reason); err != nil {
		return nil, err
	}
	cp.Status = domain.StatusRejected
	cp.ResolvedAt = &now
	cp.ResolvedBy = actor.ID
	cp.RejectionReason = reason
	m.logger.Info("checkpoint rejected", zap.String("checkpoint_id", id), zap.String("resolved_by", actor.ID))
	return cp.Clone(), nil
}

// Expire — только для pending с истекшим сроком. Повтор на уже expired — no-op.
func (m *Manager) Expire(ctx context.Context, id string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, id)
	}
	if cp.Status == domain.StatusExpired {
		return cp.Clone(), nil
	}
	if err := cp.CanTransitionTo(domain.StatusExpired); err != nil {
		return nil, err
	}
	if !cp.IsExpiredAt(m.now()) {
		return nil, fmt.Errorf("%w: checkpoint %s is not due to expire", domain.ErrInvalidTransition, id)
	}
	if err := m.expire(ctx, cp); err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// ExpireDue переводит в expired все просроченные pending (фоновый sweeper).
func (m *Manager) ExpireDue(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireDue(ctx)
}

func (m *Manager) expireDue(ctx context.Context) int {
	now := m.now()
	n := 0
	for _, cp := range m.items {
		if cp.Status != domain.StatusPending || !cp.IsExpiredAt(now) {
			continue
		}
		if err := m.expire(ctx, cp); err != nil {
			m.logger.Error("failed to expire checkpoint", zap.String("checkpoint_id", cp.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (m *Manager) expire(ctx context.Context, cp *domain.Checkpoint) error {
	now := m.now()
	expired := m.entry(domain.AuditCheckpointExpired, cp, domain.SystemActor)
	expired.Details["released_tokens"] = cp.ReservedTokens
	if err := m.resolveWithRelease(ctx, cp, expired, "checkpoint expired"); err != nil {
		return err
	}
	cp.Status = domain.StatusExpired
	cp.ResolvedAt = &now
	cp.ResolvedBy = domain.SystemActor.ID
	m.logger.Info("checkpoint expired", zap.String("checkpoint_id", cp.ID))
	return nil
}

// resolveWithRelease — сага reject/expire: возврат резерва -> аудит.
// При сбое аудита резерв восстанавливается. cp.ReservedTokens обнуляется только при успехе.
func (m *Manager) resolveWithRelease(ctx context.Context, cp *domain.Checkpoint, e domain.AuditEntry, desc string) error {
	var released int64
	err := runSaga(ctx, m.logger, cp.ID,
		check("validate-audit", func() error { return m.validate(e) }),
		step{
			name: "release",
			do: func(ctx context.Context) error {
				if cp.ReservedTokens == 0 || cp.BudgetID == "" {
					return nil
				}
				tx, err := m.ledger.Release(ctx, cp.BudgetID, cp.ReservedTokens, desc, m.consumeContext(cp, domain.SystemActor))
				if err != nil {
					return err
				}
				if tx != nil {
					released = tx.Amount
				}
				return nil
			},
			undo: func(ctx context.Context) error {
				if released == 0 {
					return nil
				}
				_, err := m.ledger.Reserve(ctx, cp.BudgetID, released, "checkpoint reservation restored", m.consumeContext(cp, domain.SystemActor))
				return err
			},
		},
		step{name: "audit", do: func(context.Context) error { return m.append(e) }},
	)
	if err != nil {
		return err
	}
	cp.ReservedTokens = 0
	return nil
}

// pending достает Checkpoint, применяя ленивое истечение: просроченный pending
// сначала становится expired, и переход next отклоняется.
func (m *Manager) pending(ctx context.Context, id string, next domain.CheckpointStatus) (*domain.Checkpoint, error) {
	cp, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, id)
	}
	if cp.Status == domain.StatusPending && cp.IsExpiredAt(m.now()) {
		if err := m.expire(ctx, cp); err != nil {
			return nil, err
		}
	}
	if err := cp.CanTransitionTo(next); err != nil {
		return nil, err
	}
	return cp, nil
}

func (m *Manager) chargeable(cp *domain.Checkpoint) bool {
	return m.ledger != nil && cp.BudgetID != "" && cp.TokensRequired > 0
}

func (m *Manager) releaseReservation(ctx context.Context, cp *domain.Checkpoint, desc string) error {
	if cp.ReservedTokens == 0 {
		return nil
	}
	if _, err := m.ledger.Release(ctx, cp.BudgetID, cp.ReservedTokens, desc, m.consumeContext(cp, domain.SystemActor)); err != nil {
		return err
	}
	cp.ReservedTokens = 0
	return nil
}

func (m *Manager) consumeContext(cp *domain.Checkpoint, actor domain.Actor) domain.ConsumeContext {
	actor = actor.OrSystem()
	return domain.ConsumeContext{
		ActionKind:   cp.ActionKind,
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		IdentityID:   cp.IdentityID,
		SphereID:     cp.SphereID,
		AgentID:      cp.AgentID,
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.ID,
	}
}

func (m *Manager) entry(action domain.AuditAction, cp *domain.Checkpoint, actor domain.Actor) domain.AuditEntry {
	actor = actor.OrSystem()
	sev := domain.SeverityInfo
	switch cp.Priority {
	case domain.PriorityCritical:
		sev = domain.SeverityHigh
	case domain.PriorityHigh:
		sev = domain.SeverityMedium
	}
	return domain.AuditEntry{
		Action:       action,
		Severity:     sev,
		IdentityID:   cp.IdentityID,
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		SphereID:     cp.SphereID,
		AgentID:      cp.AgentID,
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.ID,
		BudgetID:     cp.BudgetID,
		Details: map[string]any{
			"title":           cp.Title,
			"action_kind":     string(cp.ActionKind),
			"priority":        string(cp.Priority),
			"tokens_required": cp.TokensRequired,
		},
	}
}

func (m *Manager) validate(entries ...domain.AuditEntry) error {
	if m.auditor == nil {
		return nil
	}
	for _, e := range entries {
		if err := m.auditor.Validate(e); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	return nil
}

func (m *Manager) append(entries ...domain.AuditEntry) error {
	if m.auditor == nil {
		return nil
	}
	for _, e := range entries {
		if _, err := m.auditor.Append(e); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	return nil
}

// Package engine собирает ядро governance (Audit Trail, Rule Engine, Token Ledger,
// Checkpoint Manager) и его фоновые процессы: sweeper, метрики, Redis-сигналы, gRPC.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/checkpoint"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/events"
	"github.com/xela07ax/spaceai-governance/internal/ledger"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"go.uber.org/zap"
)

// CoreConfig параметры сборки ядра.
type CoreConfig struct {
	CheckpointTTL time.Duration
	SweepInterval time.Duration
	WarnRatio     float64
	EventBuffer   int

	RuleStore  policy.RuleStore // nil — правила только в памяти
	AuditSinks []audit.Sink     // Например, Archiver
	Clock      func() time.Time
}

// Core — явный сервис-владелец всех сущностей governance.
// Порядок блокировок: checkpoint manager -> ledger -> rule engine -> audit trail -> event hub.
type Core struct {
	Trail       *audit.Trail
	Rules       *policy.Engine
	Ledger      *ledger.Ledger
	Checkpoints *checkpoint.Manager
	Hub         *events.Hub

	sweepEvery time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
	mu         sync.Mutex
	cancel     context.CancelFunc
}

func NewCore(cfg CoreConfig, logger *zap.Logger) *Core {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	hub := events.NewHub(cfg.EventBuffer, logger)

	trailOpts := []audit.Option{audit.WithClock(now), audit.WithNotifier(hub)}
	for _, s := range cfg.AuditSinks {
		trailOpts = append(trailOpts, audit.WithSink(s))
	}
	trail := audit.NewTrail(logger, trailOpts...)

	ruleOpts := []policy.Option{policy.WithClock(now)}
	if cfg.RuleStore != nil {
		ruleOpts = append(ruleOpts, policy.WithStore(cfg.RuleStore))
	}
	rules := policy.NewEngine(trail, logger, ruleOpts...)

	ldg := ledger.New(rules, trail, logger, ledger.WithClock(now), ledger.WithWarnRatio(cfg.WarnRatio))
	mgr := checkpoint.NewManager(ldg, rules, trail, logger,
		checkpoint.WithClock(now),
		checkpoint.WithDefaultTTL(cfg.CheckpointTTL))
	ldg.SetCheckpointCreator(mgr)

	return &Core{
		Trail:       trail,
		Rules:       rules,
		Ledger:      ldg,
		Checkpoints: mgr,
		Hub:         hub,
		sweepEvery:  cfg.SweepInterval,
		logger:      logger.Named("core"),
	}
}

// Start запускает sweeper истекших Checkpoint.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweep(ctx)
	}()
	c.logger.Info("governance core started", zap.Duration("sweep_interval", c.sweepEvery))
}

// Stop останавливает фоновые процессы и закрывает подписки.
func (c *Core) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.Hub.Close()
	c.logger.Info("governance core stopped")
}

func (c *Core) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Checkpoints.ExpireDue(ctx); n > 0 {
				c.logger.Info("expired checkpoints swept", zap.Int("count", n))
			}
		}
	}
}

// Snapshot — все сущности ядра массивами (экспорт для compliance).
type Snapshot struct {
	Checkpoints  []*domain.Checkpoint      `json:"checkpoints"`
	Budgets      []domain.TokenBudget      `json:"budgets"`
	Transactions []domain.TokenTransaction `json:"transactions"`
	Rules        []domain.GovernanceRule   `json:"rules"`
	Violations   []domain.RuleViolation    `json:"violations"`
	Audit        []domain.AuditEntry       `json:"audit"`
	TakenAt      time.Time                 `json:"taken_at"`
}

// Snapshot не атомарен между компонентами: каждый массив согласован сам по себе.
func (c *Core) Snapshot(ctx context.Context) Snapshot {
	return Snapshot{
		Checkpoints:  c.Checkpoints.List(ctx, checkpoint.Filter{}),
		Budgets:      c.Ledger.ListBudgets(""),
		Transactions: c.Ledger.GetTransactionHistory(domain.TxFilter{}, 0),
		Rules:        c.Rules.ListRules(),
		Violations:   c.Rules.ListViolations(policy.ViolationFilter{}),
		Audit:        c.Trail.Query(domain.AuditFilter{}),
		TakenAt:      time.Now(),
	}
}

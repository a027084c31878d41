package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-governance/internal/domain"
)

type Metrics struct {
	// Traffic: события Audit Trail по типу и важности
	AuditEvents *prometheus.CounterVec

	// Errors: блокировки правилами
	RuleBlocks *prometheus.CounterVec

	// Потоки токенов по типу операции леджера
	TokenFlow *prometheus.CounterVec

	// Latency: сколько ждал Checkpoint до решения человека
	ResolutionTime *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker архива (0 - ок, 1 - выбило)
	ArchiveBreakerState prometheus.Gauge

	// Audit: заполненность буфера архиватора (backpressure)
	AuditBufferFill prometheus.Gauge

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AuditEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_audit_events_total",
			Help: "Total number of audit trail entries.",
		}, []string{"action", "severity"}),

		RuleBlocks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_rule_blocks_total",
			Help: "Total number of operations blocked by governance rules.",
		}, []string{"rule_id"}),

		TokenFlow: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_tokens_total",
			Help: "Tokens moved through the ledger by operation.",
		}, []string{"operation"}), // allocated, consumed, reserved, released, transferred, refunded

		ResolutionTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governance_checkpoint_resolution_seconds",
			Help:    "Time from checkpoint creation to human decision.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"status"}),

		ArchiveBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "governance_audit_archive_breaker_state",
			Help: "Current state of the audit archive circuit breaker (0=closed, 1=open).",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "governance_audit_buffer_utilization",
			Help: "Current number of entries in audit archive buffer.",
		}),

		reg: reg,
	}
}

// WatchPending регистрирует gauge ожидающих Checkpoint, значение читается при scrape.
func (m *Metrics) WatchPending(metrics func() domain.CheckpointMetrics) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "governance_checkpoints_pending",
		Help: "Number of checkpoints awaiting a decision.",
	}, func() float64 {
		return float64(metrics().Pending)
	})
}

// Run переводит поток Audit Trail в метрики до закрытия канала или отмены ctx.
func (m *Metrics) Run(ctx context.Context, entries <-chan domain.AuditEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) Observe(e domain.AuditEntry) {
	m.AuditEvents.WithLabelValues(string(e.Action), string(e.Severity)).Inc()

	switch e.Action {
	case domain.AuditRuleViolation:
		if blocking, _ := e.Details["blocking"].(bool); blocking {
			ruleID, _ := e.Details["rule_id"].(string)
			m.RuleBlocks.WithLabelValues(ruleID).Inc()
		}
	case domain.AuditCheckpointApproved, domain.AuditCheckpointRejected:
		if sec, ok := e.Details["resolution_seconds"].(float64); ok {
			m.ResolutionTime.WithLabelValues(string(e.Action)).Observe(sec)
		}
	}

	if op, amount := tokenFlow(e); amount > 0 {
		m.TokenFlow.WithLabelValues(op).Add(float64(amount))
	}
}

func tokenFlow(e domain.AuditEntry) (string, int64) {
	var op string
	switch e.Action {
	case domain.AuditTokensConsumed:
		return "consumed", e.TokensConsumed
	case domain.AuditTokensAllocated:
		op = "allocated"
	case domain.AuditTokensReserved:
		op = "reserved"
	case domain.AuditTokensReleased:
		op = "released"
	case domain.AuditTokensTransferred:
		op = "transferred"
	case domain.AuditTokensRefunded:
		op = "refunded"
	default:
		return "", 0
	}
	amount, _ := e.Details["amount"].(int64)
	return op, amount
}

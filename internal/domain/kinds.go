package domain

import "fmt"

// ActionKind — закрытый набор видов чувствительных действий, которые проходят через Checkpoint.
type ActionKind string

const (
	ActionAgent                ActionKind = "agent_action"
	ActionDataAccess           ActionKind = "data_access"
	ActionExternalCall         ActionKind = "external_call"
	ActionBudgetChange         ActionKind = "budget_change"
	ActionSettingsChange       ActionKind = "settings_change"
	ActionUserDataModification ActionKind = "user_data_modification"
)

// ActionKinds перечисляет все известные виды действий (для UI и валидации).
var ActionKinds = []ActionKind{
	ActionAgent,
	ActionDataAccess,
	ActionExternalCall,
	ActionBudgetChange,
	ActionSettingsChange,
	ActionUserDataModification,
}

func (k ActionKind) Valid() bool {
	switch k {
	case ActionAgent, ActionDataAccess, ActionExternalCall,
		ActionBudgetChange, ActionSettingsChange, ActionUserDataModification:
		return true
	}
	return false
}

// Label возвращает человекочитаемое имя для Presentation-слоя.
func (k ActionKind) Label() string {
	switch k {
	case ActionAgent:
		return "Agent action"
	case ActionDataAccess:
		return "Data access"
	case ActionExternalCall:
		return "External call"
	case ActionBudgetChange:
		return "Budget change"
	case ActionSettingsChange:
		return "Settings change"
	case ActionUserDataModification:
		return "User data modification"
	}
	return fmt.Sprintf("Unknown (%s)", string(k))
}

// Priority приоритет Checkpoint в очереди решений.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank: чем меньше, тем выше в списке. -1 для неизвестного значения.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return -1
}

// Severity уровень важности записи аудита и правила.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ActorType кто инициировал событие.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorUser, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// BudgetPeriod период обновления бюджета.
type BudgetPeriod string

const (
	PeriodDaily     BudgetPeriod = "daily"
	PeriodWeekly    BudgetPeriod = "weekly"
	PeriodMonthly   BudgetPeriod = "monthly"
	PeriodYearly    BudgetPeriod = "yearly"
	PeriodUnlimited BudgetPeriod = "unlimited"
)

func (p BudgetPeriod) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly, PeriodUnlimited:
		return true
	}
	return false
}

// TransactionType вид операции в ленте бюджета.
type TransactionType string

const (
	TxAllocation  TransactionType = "allocation"
	TxConsumption TransactionType = "consumption"
	TxReservation TransactionType = "reservation"
	TxRelease     TransactionType = "release"
	TxTransfer    TransactionType = "transfer"
	TxRefund      TransactionType = "refund"
	TxBonus       TransactionType = "bonus"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxAllocation, TxConsumption, TxReservation, TxRelease, TxTransfer, TxRefund, TxBonus:
		return true
	}
	return false
}

// AuditAction закрытый перечень событий Audit Trail.
type AuditAction string

const (
	AuditCheckpointCreated      AuditAction = "checkpoint_created"
	AuditCheckpointApproved     AuditAction = "checkpoint_approved"
	AuditCheckpointRejected     AuditAction = "checkpoint_rejected"
	AuditCheckpointExpired      AuditAction = "checkpoint_expired"
	AuditCheckpointAutoApproved AuditAction = "checkpoint_auto_approved"

	AuditBudgetCreated     AuditAction = "budget_created"
	AuditBudgetDeleted     AuditAction = "budget_deleted"
	AuditBudgetLocked      AuditAction = "budget_locked"
	AuditBudgetUnlocked    AuditAction = "budget_unlocked"
	AuditBudgetActivated   AuditAction = "budget_activated"
	AuditBudgetDeactivated AuditAction = "budget_deactivated"
	AuditIncreaseRequested AuditAction = "budget_increase_requested"

	AuditTokensAllocated   AuditAction = "tokens_allocated"
	AuditTokensConsumed    AuditAction = "tokens_consumed"
	AuditTokensReserved    AuditAction = "tokens_reserved"
	AuditTokensReleased    AuditAction = "tokens_released"
	AuditTokensTransferred AuditAction = "tokens_transferred"
	AuditTokensRefunded    AuditAction = "tokens_refunded"

	AuditRuleAdded         AuditAction = "rule_added"
	AuditRuleUpdated       AuditAction = "rule_updated"
	AuditRuleRemoved       AuditAction = "rule_removed"
	AuditRuleViolation     AuditAction = "rule_violation"
	AuditViolationResolved AuditAction = "violation_resolved"
)

func (a AuditAction) Valid() bool {
	switch a {
	case AuditCheckpointCreated, AuditCheckpointApproved, AuditCheckpointRejected,
		AuditCheckpointExpired, AuditCheckpointAutoApproved,
		AuditBudgetCreated, AuditBudgetDeleted, AuditBudgetLocked, AuditBudgetUnlocked,
		AuditBudgetActivated, AuditBudgetDeactivated, AuditIncreaseRequested,
		AuditTokensAllocated, AuditTokensConsumed, AuditTokensReserved,
		AuditTokensReleased, AuditTokensTransferred, AuditTokensRefunded,
		AuditRuleAdded, AuditRuleUpdated, AuditRuleRemoved,
		AuditRuleViolation, AuditViolationResolved:
		return true
	}
	return false
}

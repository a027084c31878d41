package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "govern"
)

// Ключи для Sets (состояние)
const (
	RedisKeyLockedBudgets = RedisNamespace + ":budgets:locked_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanEvents — поток записей Audit Trail в JSON для внешних подписчиков.
	RedisChanEvents = RedisNamespace + ":events"
	// RedisChanBudgetLock — kill-switch бюджетов, формат "budget_id:on|off".
	RedisChanBudgetLock = RedisNamespace + ":budgets:lock-signal"
)

// LockSignal собирает payload для RedisChanBudgetLock.
func LockSignal(budgetID string, locked bool) string {
	if locked {
		return budgetID + ":on"
	}
	return budgetID + ":off"
}

package domain

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// Ключи полезной нагрузки Checkpoint вида budget_change.
const (
	PayloadBudgetID = "budget_id"
	PayloadAmount   = "amount"
	PayloadReason   = "justification"
)

// NormalizePayload приводит произвольную структуру к JSON-совместимому виду
// (числа -> float64, вложенные слайсы -> []any) через structpb, поэтому payload
// одинаково проходит и HTTP, и gRPC.
func NormalizePayload(in map[string]any) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	s, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not structured data: %v", ErrValidation, err)
	}
	return s.AsMap(), nil
}

// IncreaseRequest извлекает из payload запрос на увеличение бюджета.
func IncreaseRequest(payload map[string]any) (budgetID string, amount int64, err error) {
	budgetID, _ = payload[PayloadBudgetID].(string)
	if budgetID == "" {
		return "", 0, fmt.Errorf("%w: payload has no %s", ErrValidation, PayloadBudgetID)
	}

	switch v := payload[PayloadAmount].(type) {
	case float64:
		if v != math.Trunc(v) || v < 0 || v >= math.MaxInt64 {
			return "", 0, fmt.Errorf("%w: payload amount %v", ErrInvalidAmount, v)
		}
		amount = int64(v)
	case int64:
		amount = v
	case int:
		amount = int64(v)
	default:
		return "", 0, fmt.Errorf("%w: payload has no numeric %s", ErrValidation, PayloadAmount)
	}
	if amount < 0 {
		return "", 0, fmt.Errorf("%w: payload amount %d", ErrInvalidAmount, amount)
	}
	return budgetID, amount, nil
}

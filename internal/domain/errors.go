package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Все ошибки отдаются вызывающему, автоматических ретраев нет.
var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrInvalidTransition  = errors.New("invalid checkpoint status transition")

	ErrBudgetNotFound     = errors.New("budget not found")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrBudgetLocked       = errors.New("budget is locked")
	ErrBudgetInactive     = errors.New("budget is inactive")
	ErrBudgetInUse        = errors.New("budget has usage or live reservations")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrTransferFailed     = errors.New("transfer failed")

	ErrRuleViolation = errors.New("rule violation")
	ErrRuleNotFound  = errors.New("rule not found")

	ErrViolationNotFound = errors.New("rule violation record not found")

	// ErrValidation — не заполнены обязательные поля запроса.
	ErrValidation = errors.New("validation failed")
)

// RuleViolationError несет ID правила, которое заблокировало действие.
type RuleViolationError struct {
	RuleID  string
	Reason  string
	Records []string // ID созданных RuleViolation
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("rule violation: rule %s: %s", e.RuleID, e.Reason)
}

func (e *RuleViolationError) Unwrap() error { return ErrRuleViolation }

// Kind возвращает стабильное имя вида ошибки для Presentation-слоя.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransferFailed):
		return "TransferFailed"
	case errors.Is(err, ErrCheckpointNotFound):
		return "CheckpointNotFound"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrBudgetNotFound):
		return "BudgetNotFound"
	case errors.Is(err, ErrInsufficientTokens):
		return "InsufficientTokens"
	case errors.Is(err, ErrBudgetLocked):
		return "BudgetLocked"
	case errors.Is(err, ErrBudgetInactive):
		return "BudgetInactive"
	case errors.Is(err, ErrBudgetInUse):
		return "BudgetInUse"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrRuleViolation):
		return "RuleViolation"
	case errors.Is(err, ErrRuleNotFound):
		return "RuleNotFound"
	case errors.Is(err, ErrViolationNotFound):
		return "ViolationNotFound"
	case errors.Is(err, ErrValidation):
		return "ValidationFailed"
	}
	return "Internal"
}

// BlockingRuleID достает ID блокирующего правила, если ошибка — RuleViolation.
func BlockingRuleID(err error) string {
	var rv *RuleViolationError
	if errors.As(err, &rv) {
		return rv.RuleID
	}
	return ""
}

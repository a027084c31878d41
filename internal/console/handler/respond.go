package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/console/service"
	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// ErrorResponse — единый формат ошибки консоли.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	RuleID string `json:"rule_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError переводит таксономию ошибок ядра в HTTP статус.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), ErrorResponse{
		Error:  err.Error(),
		Kind:   domain.Kind(err),
		RuleID: domain.BlockingRuleID(err),
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrCheckpointNotFound),
		errors.Is(err, domain.ErrBudgetNotFound),
		errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrViolationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrBudgetInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientTokens),
		errors.Is(err, domain.ErrBudgetLocked),
		errors.Is(err, domain.ErrBudgetInactive),
		errors.Is(err, domain.ErrRuleViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrArchiveDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: domain.Kind(domain.ErrValidation)})
}

// decode — пустое тело допустимо (например, lock без причины).
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// queryInt — число из query, def при отсутствии; ok=false при мусоре.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func queryInt64(r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, err == nil
}

package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance/internal/policy"
)

// RuleService — Rule Engine (policy.Engine).
type RuleService interface {
	AddRule(ctx context.Context, r domain.GovernanceRule, actor domain.Actor) (domain.GovernanceRule, error)
	UpdateRule(ctx context.Context, r domain.GovernanceRule, actor domain.Actor) (domain.GovernanceRule, error)
	RemoveRule(ctx context.Context, id string, actor domain.Actor) error
	GetRule(id string) (domain.GovernanceRule, error)
	ListRules() []domain.GovernanceRule
	CheckRules(ctx context.Context, req policy.CheckRequest) domain.CheckResult
	ListViolations(f policy.ViolationFilter) []domain.RuleViolation
	ResolveViolation(ctx context.Context, id string, actor domain.Actor) (domain.RuleViolation, error)
}

type RuleHandler struct {
	service RuleService
}

func NewRuleHandler(s RuleService) *RuleHandler {
	return &RuleHandler{service: s}
}

// List возвращает все правила для админки
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListRules())
}

// Get GET /v1/rules/{id}
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.GovernanceRule
	if !decode(w, r, &rule) {
		return
	}
	created, err := h.service.AddRule(r.Context(), rule, auth.ActorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update заменяет условия правила целиком, ID берется из пути
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var rule domain.GovernanceRule
	if !decode(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")

	updated, err := h.service.UpdateRule(r.Context(), rule, auth.ActorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveRule(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type CheckRuleRequest struct {
	ActionKind domain.ActionKind `json:"action_kind"`
	Scope      string            `json:"scope,omitempty"`
	BudgetID   string            `json:"budget_id,omitempty"`
	IdentityID string            `json:"identity_id,omitempty"`
	Amount     int64             `json:"amount,omitempty"`
	DailyTotal int64             `json:"daily_total,omitempty"`
	// Record — зафиксировать нарушения. По умолчанию проверка из консоли — только подсказка.
	Record bool `json:"record,omitempty"`
}

// Check POST /v1/rules/check
func (h *RuleHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRuleRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.ActionKind.Valid() {
		writeBadRequest(w, "unknown action_kind")
		return
	}
	res := h.service.CheckRules(r.Context(), policy.CheckRequest{
		ActionKind: req.ActionKind,
		Scope:      req.Scope,
		BudgetID:   req.BudgetID,
		IdentityID: req.IdentityID,
		Amount:     req.Amount,
		DailyTotal: req.DailyTotal,
		DryRun:     !req.Record,
	})
	writeJSON(w, http.StatusOK, res)
}

// Violations GET /v1/violations?rule_id=&open=true&blocking=true
func (h *RuleHandler) Violations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := policy.ViolationFilter{
		RuleID:       q.Get("rule_id"),
		IdentityID:   q.Get("identity_id"),
		BudgetID:     q.Get("budget_id"),
		OnlyOpen:     q.Get("open") == "true",
		OnlyBlocking: q.Get("blocking") == "true",
	}
	writeJSON(w, http.StatusOK, h.service.ListViolations(f))
}

func (h *RuleHandler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.ResolveViolation(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

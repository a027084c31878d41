package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
)

// BudgetService — Token Ledger глазами консоли (service.BudgetService).
type BudgetService interface {
	CreateBudget(ctx context.Context, spec domain.BudgetSpec) (domain.TokenBudget, error)
	DeleteBudget(ctx context.Context, id string, actor domain.Actor) error
	GetBudget(id string) (domain.TokenBudget, error)
	ListBudgets(ownerID string) []domain.TokenBudget
	GetGlobalBalance(ownerID string) domain.GlobalBalance
	GetTransactionHistory(f domain.TxFilter, limit int) []domain.TokenTransaction
	GetAnalytics(id string, days int) (domain.BudgetAnalytics, error)

	Allocate(ctx context.Context, id string, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error)
	Bonus(ctx context.Context, id string, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error)
	CanConsume(ctx context.Context, id string, amount int64, cc domain.ConsumeContext) (domain.ConsumeCheck, error)
	Consume(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Reserve(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Release(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Refund(ctx context.Context, id string, amount int64, reason string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64, description string, actor domain.Actor) ([]domain.TokenTransaction, error)
	RequestIncrease(ctx context.Context, id string, amount int64, justification string, actor domain.Actor) (*domain.Checkpoint, error)

	Lock(ctx context.Context, id, reason string, actor domain.Actor) (domain.TokenBudget, error)
	Unlock(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error)
	Activate(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error)
	Deactivate(ctx context.Context, id string, actor domain.Actor) (domain.TokenBudget, error)
}

type BudgetHandler struct {
	service BudgetService
}

func NewBudgetHandler(s BudgetService) *BudgetHandler {
	return &BudgetHandler{service: s}
}

// AmountRequest — тело всех операций движения токенов.
type AmountRequest struct {
	Amount      int64                 `json:"amount"`
	Description string                `json:"description,omitempty"`
	Context     domain.ConsumeContext `json:"context"`
}

// OperationResult — созданные транзакции и состояние бюджета после операции.
// Нулевая сумма — пустой список транзакций.
type OperationResult struct {
	Transactions []domain.TokenTransaction `json:"transactions"`
	Budget       domain.TokenBudget        `json:"budget"`
}

func (h *BudgetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec domain.BudgetSpec
	if !decode(w, r, &spec) {
		return
	}
	spec.CreatedBy = auth.ActorFrom(r.Context()).ID
	b, err := h.service.CreateBudget(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// List GET /v1/budgets?owner_id=...
func (h *BudgetHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListBudgets(r.URL.Query().Get("owner_id")))
}

func (h *BudgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.GetBudget(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *BudgetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteBudget(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BudgetHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	h.credit(w, r, h.service.Allocate)
}

func (h *BudgetHandler) Bonus(w http.ResponseWriter, r *http.Request) {
	h.credit(w, r, h.service.Bonus)
}

type creditFunc func(ctx context.Context, id string, amount int64, description string, actor domain.Actor) (*domain.TokenTransaction, error)

func (h *BudgetHandler) credit(w http.ResponseWriter, r *http.Request, op creditFunc) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	tx, err := op(r.Context(), id, req.Amount, req.Description, auth.ActorFrom(r.Context()))
	h.respondOp(w, id, err, txList(tx)...)
}

func (h *BudgetHandler) Consume(w http.ResponseWriter, r *http.Request) {
	h.spend(w, r, h.service.Consume)
}

func (h *BudgetHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.spend(w, r, h.service.Reserve)
}

func (h *BudgetHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.spend(w, r, h.service.Release)
}

func (h *BudgetHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.spend(w, r, h.service.Refund)
}

type spendFunc func(ctx context.Context, id string, amount int64, description string, cc domain.ConsumeContext) (*domain.TokenTransaction, error)

func (h *BudgetHandler) spend(w http.ResponseWriter, r *http.Request, op spendFunc) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	tx, err := op(r.Context(), id, req.Amount, req.Description, withActor(r.Context(), req.Context))
	h.respondOp(w, id, err, txList(tx)...)
}

// CanConsume GET /v1/budgets/{id}/can-consume?amount=100&action_kind=...
func (h *BudgetHandler) CanConsume(w http.ResponseWriter, r *http.Request) {
	amount, ok := queryInt64(r, "amount")
	if !ok {
		writeBadRequest(w, "amount is required")
		return
	}
	q := r.URL.Query()
	cc := withActor(r.Context(), domain.ConsumeContext{
		ActionKind: domain.ActionKind(q.Get("action_kind")),
		IdentityID: q.Get("identity_id"),
	})
	res, err := h.service.CanConsume(r.Context(), chi.URLParam(r, "id"), amount, cc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *BudgetHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(r, "days", 0)
	if !ok {
		writeBadRequest(w, "days must be a positive number")
		return
	}
	a, err := h.service.GetAnalytics(chi.URLParam(r, "id"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type IncreaseRequest struct {
	Amount        int64  `json:"amount"`
	Justification string `json:"justification"`
}

// RequestIncrease создает budget_change Checkpoint, токены выделяются только после одобрения.
func (h *BudgetHandler) RequestIncrease(w http.ResponseWriter, r *http.Request) {
	var req IncreaseRequest
	if !decode(w, r, &req) {
		return
	}
	cp, err := h.service.RequestIncrease(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Justification, auth.ActorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

type LockRequest struct {
	Reason string `json:"reason"`
}

// Lock — аварийный kill-switch бюджета, сигнал уходит и на остальные инстансы.
func (h *BudgetHandler) Lock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.service.Lock(r.Context(), chi.URLParam(r, "id"), req.Reason, auth.ActorFrom(r.Context()))
	h.respondState(w, b, err)
}

func (h *BudgetHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Unlock(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context()))
	h.respondState(w, b, err)
}

func (h *BudgetHandler) Activate(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Activate(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context()))
	h.respondState(w, b, err)
}

func (h *BudgetHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "id"), auth.ActorFrom(r.Context()))
	h.respondState(w, b, err)
}

type TransferRequest struct {
	FromBudgetID string `json:"from_budget_id"`
	ToBudgetID   string `json:"to_budget_id"`
	Amount       int64  `json:"amount"`
	Description  string `json:"description,omitempty"`
}

func (h *BudgetHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	txs, err := h.service.Transfer(r.Context(), req.FromBudgetID, req.ToBudgetID, req.Amount, req.Description, auth.ActorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.TokenTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Transactions GET /v1/transactions?budget_id=&type=&from=RFC3339&limit=
func (h *BudgetHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeBadRequest(w, "limit must be a positive number")
		return
	}
	from, okFrom := queryTime(r, "from")
	to, okTo := queryTime(r, "to")
	if !okFrom || !okTo {
		writeBadRequest(w, "from/to must be RFC3339")
		return
	}
	q := r.URL.Query()
	f := domain.TxFilter{
		BudgetID:     q.Get("budget_id"),
		OwnerID:      q.Get("owner_id"),
		Type:         domain.TransactionType(q.Get("type")),
		CheckpointID: q.Get("checkpoint_id"),
		AgentID:      q.Get("agent_id"),
		ThreadID:     q.Get("thread_id"),
		From:         from,
		To:           to,
	}
	writeJSON(w, http.StatusOK, h.service.GetTransactionHistory(f, limit))
}

func (h *BudgetHandler) Balance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetGlobalBalance(chi.URLParam(r, "owner")))
}

func (h *BudgetHandler) respondOp(w http.ResponseWriter, id string, err error, txs ...domain.TokenTransaction) {
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := h.service.GetBudget(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.TokenTransaction{}
	}
	writeJSON(w, http.StatusOK, OperationResult{Transactions: txs, Budget: b})
}

func (h *BudgetHandler) respondState(w http.ResponseWriter, b domain.TokenBudget, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// withActor: актор операции всегда автор токена, поля тела его не переопределяют.
func withActor(ctx context.Context, cc domain.ConsumeContext) domain.ConsumeContext {
	a := auth.ActorFrom(ctx)
	cc.ActorID, cc.ActorType = a.ID, a.Type
	return cc
}

func txList(tx *domain.TokenTransaction) []domain.TokenTransaction {
	if tx == nil {
		return nil
	}
	return []domain.TokenTransaction{*tx}
}

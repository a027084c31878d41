package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindMapsTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", ErrBudgetNotFound), "BudgetNotFound"},
		{fmt.Errorf("%w: %w", ErrTransferFailed, ErrInsufficientTokens), "TransferFailed"},
		{&RuleViolationError{RuleID: "r1", Reason: "too much"}, "RuleViolation"},
		{ErrInvalidTransition, "InvalidTransition"},
		{ErrValidation, "ValidationFailed"},
		{errors.New("boom"), "Internal"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}

func TestBlockingRuleID(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("consume: %w", &RuleViolationError{RuleID: "cap"})
	require.ErrorIs(t, err, ErrRuleViolation)
	require.Equal(t, "cap", BlockingRuleID(err))
	require.Empty(t, BlockingRuleID(ErrBudgetLocked))
}

func TestReplaySigns(t *testing.T) {
	t.Parallel()

	txs := []TokenTransaction{
		{ID: "1", Type: TxAllocation, Amount: 1000},
		{ID: "2", Type: TxConsumption, Amount: -300},
		{ID: "3", Type: TxReservation, Amount: -200},
		{ID: "4", Type: TxRelease, Amount: 50},
		{ID: "5", Type: TxRefund, Amount: 100},
		{ID: "6", Type: TxTransfer, Amount: -100},
		{ID: "7", Type: TxTransfer, Amount: 40},
		{ID: "8", Type: TxBonus, Amount: 10},
	}
	got, err := Replay(txs)
	require.NoError(t, err)
	require.Equal(t, Totals{Allocated: 1050, Used: 300, Reserved: 150}, got)
	require.EqualValues(t, 750, got.Remaining())

	_, err = Replay([]TokenTransaction{{ID: "x", Type: "mint", Amount: 1}})
	require.Error(t, err)
}

func TestBudgetInvariants(t *testing.T) {
	t.Parallel()

	b := TokenBudget{ID: "b", TotalAllocated: 100, TotalUsed: 40, TotalReserved: 10, Remaining: 60}
	require.NoError(t, b.CheckInvariants())
	require.EqualValues(t, 50, b.Available())
	require.InDelta(t, 0.4, b.UsageRatio(), 1e-9)

	b.Remaining = 61
	require.Error(t, b.CheckInvariants())

	b = TokenBudget{ID: "b", TotalAllocated: 100, TotalUsed: 90, TotalReserved: 20, Remaining: 10}
	require.Error(t, b.CheckInvariants())
}

func TestCheckpointTransitions(t *testing.T) {
	t.Parallel()

	cp := &Checkpoint{ID: "c", Status: StatusPending}
	require.NoError(t, cp.CanTransitionTo(StatusApproved))
	require.ErrorIs(t, cp.CanTransitionTo(StatusPending), ErrInvalidTransition)

	cp.Status = StatusRejected
	require.ErrorIs(t, cp.CanTransitionTo(StatusApproved), ErrInvalidTransition)

	now := time.Now()
	exp := now.Add(time.Minute)
	cp.ExpiresAt = &exp
	require.False(t, cp.IsExpiredAt(now))
	require.True(t, cp.IsExpiredAt(now.Add(2*time.Minute)))
}

func TestCheckpointCloneIsDeep(t *testing.T) {
	t.Parallel()

	exp := time.Now()
	cp := &Checkpoint{ID: "c", Payload: map[string]any{"k": "v"}, ExpiresAt: &exp}
	cl := cp.Clone()
	cl.Payload["k"] = "changed"
	*cl.ExpiresAt = exp.Add(time.Hour)

	require.Equal(t, "v", cp.Payload["k"])
	require.True(t, cp.ExpiresAt.Equal(exp))
}

func TestCheckpointSpecValidate(t *testing.T) {
	t.Parallel()

	ok := CheckpointSpec{Title: "t", Description: "d", ActionKind: ActionExternalCall, IdentityID: "u"}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.ActionKind = "launch_missiles"
	require.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ok
	bad.TokensRequired = -1
	require.ErrorIs(t, bad.Validate(), ErrInvalidAmount)

	bad = ok
	bad.Title = ""
	require.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ok
	bad.TokensRequired = 10
	require.ErrorIs(t, bad.Validate(), ErrValidation, "tokens without a budget")
	bad.BudgetID = "b1"
	require.NoError(t, bad.Validate())
}

func TestIncreaseRequest(t *testing.T) {
	t.Parallel()

	payload, err := NormalizePayload(map[string]any{PayloadBudgetID: "b1", PayloadAmount: int64(500)})
	require.NoError(t, err)
	id, amount, err := IncreaseRequest(payload)
	require.NoError(t, err)
	require.Equal(t, "b1", id)
	require.EqualValues(t, 500, amount)

	_, _, err = IncreaseRequest(map[string]any{PayloadBudgetID: "b1", PayloadAmount: 1.5})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = IncreaseRequest(map[string]any{PayloadAmount: 10.0})
	require.ErrorIs(t, err, ErrValidation)

	_, _, err = IncreaseRequest(map[string]any{PayloadBudgetID: "b1", PayloadAmount: float64(1 << 63)})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTotalsOverflow(t *testing.T) {
	t.Parallel()

	totals := Totals{Allocated: 1000}
	err := totals.Apply(TokenTransaction{ID: "tx", Type: TxAllocation, Amount: math.MaxInt64})
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.EqualValues(t, 1000, totals.Allocated)

	err = totals.Apply(TokenTransaction{ID: "tx", Type: TxConsumption, Amount: math.MinInt64})
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Zero(t, totals.Used)
}

func TestNormalizePayloadRejectsUnstructured(t *testing.T) {
	t.Parallel()

	_, err := NormalizePayload(map[string]any{"ch": make(chan int)})
	require.ErrorIs(t, err, ErrValidation)

	p, err := NormalizePayload(nil)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestRuleValidateDefaults(t *testing.T) {
	t.Parallel()

	r := GovernanceRule{Name: "cap"}
	require.NoError(t, r.Validate())
	require.Equal(t, ModeBlocking, r.Mode)
	require.Equal(t, SeverityMedium, r.Severity)

	r.Thresholds.WarnRatio = 1.5
	require.ErrorIs(t, r.Validate(), ErrValidation)

	r = GovernanceRule{Name: "x", ActionTypes: []ActionKind{"nope"}}
	require.ErrorIs(t, r.Validate(), ErrValidation)
}

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	r := GovernanceRule{ActionTypes: []ActionKind{ActionExternalCall}, Scopes: []string{"prod"}}
	require.True(t, r.Matches(ActionExternalCall, "prod"))
	require.False(t, r.Matches(ActionDataAccess, "prod"))
	require.False(t, r.Matches(ActionExternalCall, "dev"))

	all := GovernanceRule{}
	require.True(t, all.Matches(ActionAgent, ""))
}

func TestCheckResultErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckResult{Allowed: true}.Err())

	res := CheckResult{Blockers: []Finding{
		{RuleID: "a", Message: "first", ViolationID: "v1"},
		{RuleID: "b", Message: "second", ViolationID: "v2"},
	}}
	var rv *RuleViolationError
	require.ErrorAs(t, res.Err(), &rv)
	require.Equal(t, "a", rv.RuleID)
	require.Equal(t, []string{"v1", "v2"}, rv.Records)
}

func TestActorOrSystem(t *testing.T) {
	t.Parallel()

	require.Equal(t, SystemActor, Actor{}.OrSystem())
	require.Equal(t, Actor{ID: "u", Type: ActorUser}, Actor{ID: "u"}.OrSystem())
	require.Equal(t, Actor{ID: "a", Type: ActorAgent}, Actor{ID: "a", Type: ActorAgent}.OrSystem())
}

func TestClaimsScopes(t *testing.T) {
	t.Parallel()

	c := &CustomClaims{UserID: "u", Scopes: map[string]bool{ScopeApprover: true}}
	require.True(t, c.HasScope(ScopeApprover))
	require.False(t, c.HasScope(ScopeAdmin))

	admin := &CustomClaims{UserID: "root", Scopes: map[string]bool{ScopeAdmin: true}}
	require.True(t, admin.HasScope(ScopeApprover))
	require.Equal(t, Actor{ID: "root", Type: ActorUser}, admin.Actor())
}

func TestAuditFilterMatch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	e := &AuditEntry{Action: AuditTokensConsumed, Severity: SeverityInfo, BudgetID: "b", Timestamp: now}
	require.True(t, AuditFilter{}.Match(e))
	require.True(t, AuditFilter{BudgetID: "b", Action: AuditTokensConsumed}.Match(e))
	require.False(t, AuditFilter{BudgetID: "other"}.Match(e))
	require.False(t, AuditFilter{From: now.Add(time.Second)}.Match(e))
	require.False(t, AuditFilter{To: now.Add(-time.Second)}.Match(e))
}

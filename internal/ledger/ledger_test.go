package ledger_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/ledger"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"go.uber.org/zap"
)

var ops = domain.Actor{ID: "ops", Type: domain.ActorUser}

type fixture struct {
	ledger *ledger.Ledger
	rules  *policy.Engine
	trail  *audit.Trail
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	trail := audit.NewTrail(zap.NewNop())
	rules := policy.NewEngine(trail, zap.NewNop())
	return &fixture{
		ledger: ledger.New(rules, trail, zap.NewNop(), opts...),
		rules:  rules,
		trail:  trail,
	}
}

func (f *fixture) budget(t *testing.T, allocated int64) domain.TokenBudget {
	t.Helper()
	b, err := f.ledger.CreateBudget(context.Background(), domain.BudgetSpec{
		Name: "research", OwnerID: "owner-1", Scope: "production", TotalAllocated: allocated, CreatedBy: "ops",
	})
	require.NoError(t, err)
	return b
}

func agent(kind domain.ActionKind) domain.ConsumeContext {
	return domain.ConsumeContext{ActionKind: kind, AgentID: "agent-7", ThreadID: "thread-1"}
}

func requireConsistent(t *testing.T, l *ledger.Ledger, id string) domain.TokenBudget {
	t.Helper()
	b, err := l.GetBudget(id)
	require.NoError(t, err)
	require.NoError(t, b.CheckInvariants())
	totals, err := l.Replay(id)
	require.NoError(t, err)
	require.Equal(t, domain.Totals{Allocated: b.TotalAllocated, Used: b.TotalUsed, Reserved: b.TotalReserved}, totals)
	return b
}

func TestConsumeUpdatesTotalsAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	tx, err := f.ledger.Consume(ctx, b.ID, 250, "llm call", agent(domain.ActionAgent))
	require.NoError(t, err)
	require.EqualValues(t, -250, tx.Amount)
	require.Equal(t, domain.TxConsumption, tx.Type)
	require.Equal(t, "agent-7", tx.CreatedBy)
	require.Equal(t, "agent-7", tx.AgentID)

	got := requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 250, got.TotalUsed)
	require.EqualValues(t, 750, got.Remaining)

	entries := f.trail.Query(domain.AuditFilter{Action: domain.AuditTokensConsumed})
	require.Len(t, entries, 1)
	require.EqualValues(t, 250, entries[0].TokensConsumed)
	require.Equal(t, domain.ActorAgent, entries[0].ActorType)
	require.Equal(t, "thread-1", entries[0].ThreadID)
}

func TestConsumeRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 100)

	_, err := f.ledger.Consume(ctx, b.ID, 101, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrInsufficientTokens)

	_, err = f.ledger.Consume(ctx, b.ID, -1, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Consume(ctx, "missing", 1, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)

	_, err = f.ledger.Lock(ctx, b.ID, "incident", ops)
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, b.ID, 1, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrBudgetLocked)

	_, err = f.ledger.Unlock(ctx, b.ID, ops)
	require.NoError(t, err)
	_, err = f.ledger.Deactivate(ctx, b.ID, ops)
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, b.ID, 1, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrBudgetInactive)

	got := requireConsistent(t, f.ledger, b.ID)
	require.Zero(t, got.TotalUsed)
	require.Empty(t, f.trail.Query(domain.AuditFilter{Action: domain.AuditTokensConsumed}))
}

func TestZeroAmountsAreNoOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 100)
	before := f.trail.Len()

	tx, err := f.ledger.Consume(ctx, b.ID, 0, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	require.Nil(t, tx)
	tx, err = f.ledger.Allocate(ctx, b.ID, 0, "", ops)
	require.NoError(t, err)
	require.Nil(t, tx)
	tx, err = f.ledger.Release(ctx, b.ID, 0, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	require.Nil(t, tx)
	txs, err := f.ledger.Transfer(ctx, b.ID, "whatever", 0, "", ops)
	require.NoError(t, err)
	require.Nil(t, txs)

	require.Equal(t, before, f.trail.Len())
	require.Empty(t, f.ledger.GetTransactionHistory(domain.TxFilter{BudgetID: b.ID, Type: domain.TxConsumption}, 0))
}

func TestReservationSymmetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Reserve(ctx, b.ID, 400, "hold", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	got := requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 400, got.TotalReserved)
	require.Zero(t, got.TotalUsed)
	require.EqualValues(t, 600, got.Available())

	// Резерв уменьшает доступное: 700 > 600
	_, err = f.ledger.Consume(ctx, b.ID, 700, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrInsufficientTokens)

	// Release обрезается до total_reserved
	tx, err := f.ledger.Release(ctx, b.ID, 1000, "undo", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	require.EqualValues(t, 400, tx.Amount)

	got = requireConsistent(t, f.ledger, b.ID)
	require.Zero(t, got.TotalReserved)
	require.EqualValues(t, 1000, got.Remaining)
}

func TestCommitReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Reserve(ctx, b.ID, 300, "hold", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	txs, err := f.ledger.CommitReservation(ctx, b.ID, 300, 300, "approved", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, domain.TxRelease, txs[0].Type)
	require.Equal(t, domain.TxConsumption, txs[1].Type)

	got := requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 300, got.TotalUsed)
	require.Zero(t, got.TotalReserved)
}

func TestCommitAfterManualReleaseRechecksRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Reserve(ctx, b.ID, 300, "hold", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	_, err = f.ledger.Release(ctx, b.ID, 300, "manual", agent(domain.ActionExternalCall))
	require.NoError(t, err)

	_, err = f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "cap", Name: "cap", IsActive: true, Mode: domain.ModeBlocking,
		ActionTypes: []domain.ActionKind{domain.ActionExternalCall},
		Thresholds:  domain.Thresholds{MaxSingleConsumption: 200},
	}, ops)
	require.NoError(t, err)

	_, err = f.ledger.CommitReservation(ctx, b.ID, 300, 300, "approved", agent(domain.ActionExternalCall))
	require.ErrorIs(t, err, domain.ErrRuleViolation)
	require.Equal(t, "cap", domain.BlockingRuleID(err))
	require.Len(t, f.rules.ListViolations(policy.ViolationFilter{}), 1)

	got := requireConsistent(t, f.ledger, b.ID)
	require.Zero(t, got.TotalUsed)
	require.Zero(t, got.TotalReserved)
}

func TestCommitCoveredByReservationSkipsRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Reserve(ctx, b.ID, 300, "hold", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	_, err = f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "cap", Name: "cap", IsActive: true, Mode: domain.ModeBlocking,
		ActionTypes: []domain.ActionKind{domain.ActionExternalCall},
		Thresholds:  domain.Thresholds{MaxSingleConsumption: 200},
	}, ops)
	require.NoError(t, err)

	_, err = f.ledger.CommitReservation(ctx, b.ID, 300, 300, "approved", agent(domain.ActionExternalCall))
	require.NoError(t, err)
	require.Empty(t, f.rules.ListViolations(policy.ViolationFilter{}))
	require.EqualValues(t, 300, requireConsistent(t, f.ledger, b.ID).TotalUsed)
}

func TestTransferIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	from := f.budget(t, 500)
	to := f.budget(t, 100)

	txs, err := f.ledger.Transfer(ctx, from.ID, to.ID, 200, "rebalance", ops)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.EqualValues(t, -200, txs[0].Amount)
	require.Equal(t, to.ID, txs[0].CounterpartyID)
	require.EqualValues(t, 200, txs[1].Amount)

	gotFrom := requireConsistent(t, f.ledger, from.ID)
	gotTo := requireConsistent(t, f.ledger, to.ID)
	require.EqualValues(t, 300, gotFrom.Remaining)
	require.EqualValues(t, 300, gotTo.Remaining)

	// Получатель заблокирован: ни одной ноги
	_, err = f.ledger.Lock(ctx, to.ID, "", ops)
	require.NoError(t, err)
	_, err = f.ledger.Transfer(ctx, from.ID, to.ID, 50, "", ops)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.ErrorIs(t, err, domain.ErrBudgetLocked)

	_, err = f.ledger.Transfer(ctx, from.ID, to.ID, 10_000, "", ops)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	_, err = f.ledger.Transfer(ctx, from.ID, from.ID, 1, "", ops)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	_, err = f.ledger.Transfer(ctx, from.ID, "missing", 1, "", ops)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	require.EqualValues(t, 300, requireConsistent(t, f.ledger, from.ID).Remaining)
	require.EqualValues(t, 300, requireConsistent(t, f.ledger, to.ID).Remaining)
	require.Len(t, f.ledger.GetTransactionHistory(domain.TxFilter{Type: domain.TxTransfer}, 0), 2)
}

func TestRefund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Consume(ctx, b.ID, 300, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Refund(ctx, b.ID, 301, "too much", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	// Компенсация проходит и на заблокированном бюджете
	_, err = f.ledger.Lock(ctx, b.ID, "", ops)
	require.NoError(t, err)
	_, err = f.ledger.Refund(ctx, b.ID, 100, "failed call", agent(domain.ActionAgent))
	require.NoError(t, err)
	require.EqualValues(t, 200, requireConsistent(t, f.ledger, b.ID).TotalUsed)
}

func TestRuleGatedConsumptionRecordsOneViolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 10_000)

	_, err := f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "cap", Name: "cap", IsActive: true, Mode: domain.ModeBlocking,
		ActionTypes: []domain.ActionKind{domain.ActionExternalCall},
		Thresholds:  domain.Thresholds{MaxSingleConsumption: 500},
	}, ops)
	require.NoError(t, err)

	// Другой вид действия правилом не покрыт
	check, err := f.ledger.CanConsume(ctx, b.ID, 600, agent(domain.ActionAgent))
	require.NoError(t, err)
	require.True(t, check.Allowed)

	check, err = f.ledger.CanConsume(ctx, b.ID, 600, agent(domain.ActionExternalCall))
	require.NoError(t, err)
	require.False(t, check.Allowed)
	require.Equal(t, "cap", check.RuleID)
	require.Empty(t, f.rules.ListViolations(policy.ViolationFilter{}), "canConsume is advisory")

	_, err = f.ledger.Consume(ctx, b.ID, 600, "", agent(domain.ActionExternalCall))
	require.ErrorIs(t, err, domain.ErrRuleViolation)
	require.Equal(t, "cap", domain.BlockingRuleID(err))

	require.Len(t, f.rules.ListViolations(policy.ViolationFilter{}), 1)
	require.Zero(t, requireConsistent(t, f.ledger, b.ID).TotalUsed)
}

func TestDailyRuleUsesLedgerHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 10_000)
	_, err := f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "daily", Name: "daily", IsActive: true, Mode: domain.ModeBlocking,
		Thresholds: domain.Thresholds{MaxDailyTotal: 1000},
	}, ops)
	require.NoError(t, err)

	_, err = f.ledger.Consume(ctx, b.ID, 800, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, b.ID, 300, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrRuleViolation)

	// Возврат уменьшает суточный расход
	_, err = f.ledger.Refund(ctx, b.ID, 200, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, b.ID, 300, "", agent(domain.ActionAgent))
	require.NoError(t, err)
}

func TestDailyRuleCountsLiveReservations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 10_000)
	_, err := f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "daily", Name: "daily", IsActive: true, Mode: domain.ModeBlocking,
		Thresholds: domain.Thresholds{MaxDailyTotal: 1000},
	}, ops)
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, b.ID, 700, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, b.ID, 400, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrRuleViolation)
	_, err = f.ledger.Consume(ctx, b.ID, 400, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrRuleViolation)

	_, err = f.ledger.Release(ctx, b.ID, 700, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, b.ID, 400, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	requireConsistent(t, f.ledger, b.ID)
}

func TestCanConsumeWarnsNearLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ledger.WithWarnRatio(0.5))
	b := f.budget(t, 100)

	check, err := f.ledger.CanConsume(ctx, b.ID, 60, agent(domain.ActionAgent))
	require.NoError(t, err)
	require.True(t, check.Allowed)
	require.Len(t, check.Warnings, 1)

	check, err = f.ledger.CanConsume(ctx, b.ID, 200, agent(domain.ActionAgent))
	require.NoError(t, err)
	require.False(t, check.Allowed)
	require.Equal(t, "InsufficientTokens", check.Kind)
}

func TestDeleteBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	used := f.budget(t, 100)
	fresh := f.budget(t, 100)

	_, err := f.ledger.Consume(ctx, used.ID, 10, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	require.ErrorIs(t, f.ledger.DeleteBudget(ctx, used.ID, ops), domain.ErrBudgetInUse)

	require.NoError(t, f.ledger.DeleteBudget(ctx, fresh.ID, ops))
	_, err = f.ledger.GetBudget(fresh.ID)
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)
	require.Len(t, f.ledger.ListBudgets(""), 1)
}

func TestLockIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 100)

	_, err := f.ledger.Lock(ctx, b.ID, "incident", ops)
	require.NoError(t, err)
	locked, err := f.ledger.Lock(ctx, b.ID, "incident", ops)
	require.NoError(t, err)
	require.True(t, locked.IsLocked)
	require.Len(t, f.trail.Query(domain.AuditFilter{Action: domain.AuditBudgetLocked}), 1)

	unlocked, err := f.ledger.Unlock(ctx, b.ID, ops)
	require.NoError(t, err)
	require.False(t, unlocked.IsLocked)
	require.Empty(t, unlocked.LockedReason)
}

func TestGlobalBalanceAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a := f.budget(t, 100)
	b := f.budget(t, 300)

	_, err := f.ledger.Consume(ctx, a.ID, 40, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, b.ID, 50, "", agent(domain.ActionAgent))
	require.NoError(t, err)

	g := f.ledger.GetGlobalBalance("owner-1")
	require.Equal(t, 2, g.Budgets)
	require.EqualValues(t, 400, g.TotalAllocated)
	require.EqualValues(t, 40, g.TotalUsed)
	require.EqualValues(t, 360, g.Remaining)
	require.EqualValues(t, 310, g.Available)

	hist := f.ledger.GetTransactionHistory(domain.TxFilter{OwnerID: "owner-1"}, 0)
	require.Len(t, hist, 4)
	for i := 1; i < len(hist); i++ {
		require.False(t, hist[i].Timestamp.After(hist[i-1].Timestamp))
	}
	require.Len(t, f.ledger.GetTransactionHistory(domain.TxFilter{}, 2), 2)
	require.Len(t, f.ledger.GetTransactionHistory(domain.TxFilter{AgentID: "agent-7"}, 0), 2)
}

func TestConcurrentConsumeConservesTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Consume(ctx, b.ID, 30, "", agent(domain.ActionAgent)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 33, ok)
	got := requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 990, got.TotalUsed)
	require.NoError(t, f.ledger.Verify())
}

func TestAnalytics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	day := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	now := day
	f := newFixture(t, ledger.WithClock(func() time.Time { return now }))
	b := f.budget(t, 1000)

	now = day.AddDate(0, 0, -1)
	_, err := f.ledger.Consume(ctx, b.ID, 100, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	now = day
	_, err = f.ledger.Consume(ctx, b.ID, 200, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	_, err = f.ledger.Refund(ctx, b.ID, 30, "", agent(domain.ActionAgent))
	require.NoError(t, err)

	a, err := f.ledger.GetAnalytics(b.ID, 7)
	require.NoError(t, err)
	require.Len(t, a.DailyUsage, 7)
	require.Equal(t, "2026-05-10", a.DailyUsage[6].Day)
	require.EqualValues(t, 200, a.DailyUsage[6].Tokens)
	require.EqualValues(t, 100, a.DailyUsage[5].Tokens)
	require.InDelta(t, 300.0/7, a.AverageDaily, 1e-9)
	require.InDelta(t, 0.1, a.RefundRatio, 1e-9)
	require.InDelta(t, 90, a.EfficiencyScore, 1e-9)
	require.NotNil(t, a.ProjectedDays)
	require.InDelta(t, 730/(300.0/7), *a.ProjectedDays, 1e-6)
}

func TestRequestIncreaseNeedsCheckpointManager(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b := f.budget(t, 100)

	_, err := f.ledger.RequestIncrease(context.Background(), b.ID, 50, "more work", ops)
	require.ErrorIs(t, err, domain.ErrValidation)
	require.EqualValues(t, 100, requireConsistent(t, f.ledger, b.ID).TotalAllocated)
}

func TestConsumeThenRefund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Consume(ctx, b.ID, 300, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	got := requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 700, got.Remaining)
	require.EqualValues(t, 300, got.TotalUsed)

	_, err = f.ledger.Refund(ctx, b.ID, 100, "partial", agent(domain.ActionAgent))
	require.NoError(t, err)
	got = requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 800, got.Remaining)
	require.EqualValues(t, 200, got.TotalUsed)
}

func TestSecondConsumeFailsWithoutSideEffects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Consume(ctx, b.ID, 600, "", agent(domain.ActionAgent))
	require.NoError(t, err)
	before := requireConsistent(t, f.ledger, b.ID)
	require.EqualValues(t, 400, before.Remaining)

	_, err = f.ledger.Consume(ctx, b.ID, 600, "", agent(domain.ActionAgent))
	require.ErrorIs(t, err, domain.ErrInsufficientTokens)
	after := requireConsistent(t, f.ledger, b.ID)
	require.Equal(t, before.TotalUsed, after.TotalUsed)
	require.Equal(t, before.Remaining, after.Remaining)
}

func TestAllocationOverflowIsInvalidAmount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b := f.budget(t, 1000)

	_, err := f.ledger.Allocate(ctx, b.ID, math.MaxInt64, "too much", ops)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	require.Equal(t, "InvalidAmount", domain.Kind(err))
	_, err = f.ledger.Bonus(ctx, b.ID, math.MaxInt64, "too much", ops)
	require.Equal(t, "InvalidAmount", domain.Kind(err))
	require.EqualValues(t, 1000, requireConsistent(t, f.ledger, b.ID).TotalAllocated)

	rich := f.budget(t, math.MaxInt64)
	_, err = f.ledger.Transfer(ctx, rich.ID, b.ID, math.MaxInt64-500, "overflow", ops)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	require.EqualValues(t, 1000, requireConsistent(t, f.ledger, b.ID).TotalAllocated)
	require.Zero(t, requireConsistent(t, f.ledger, rich.ID).TotalUsed)
}

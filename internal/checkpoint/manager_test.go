package checkpoint_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/checkpoint"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/ledger"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"go.uber.org/zap"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyAuditor отказывает в записи одного вида действия.
type flakyAuditor struct {
	*audit.Trail
	failOn domain.AuditAction
}

func (a *flakyAuditor) Append(e domain.AuditEntry) (domain.AuditEntry, error) {
	if e.Action == a.failOn {
		return e, errors.New("audit storage unavailable")
	}
	return a.Trail.Append(e)
}

type fixture struct {
	m      *checkpoint.Manager
	ledger *ledger.Ledger
	rules  *policy.Engine
	trail  *audit.Trail
	clock  *clock
	budget string
}

func newFixture(t *testing.T, failOn domain.AuditAction, opts ...checkpoint.Option) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}}
	f.trail = audit.NewTrail(zap.NewNop())
	f.rules = policy.NewEngine(f.trail, zap.NewNop())
	f.ledger = ledger.New(f.rules, f.trail, zap.NewNop(), ledger.WithClock(f.clock.Now))

	var auditor checkpoint.Auditor = f.trail
	if failOn != "" {
		auditor = &flakyAuditor{Trail: f.trail, failOn: failOn}
	}
	opts = append([]checkpoint.Option{checkpoint.WithClock(f.clock.Now)}, opts...)
	f.m = checkpoint.NewManager(f.ledger, f.rules, auditor, zap.NewNop(), opts...)
	f.ledger.SetCheckpointCreator(f.m)

	b, err := f.ledger.CreateBudget(context.Background(), domain.BudgetSpec{Name: "ops", OwnerID: "owner-1", TotalAllocated: 1000})
	require.NoError(t, err)
	f.budget = b.ID
	return f
}

func (f *fixture) spec(tokens int64) domain.CheckpointSpec {
	return domain.CheckpointSpec{
		Title:          "Call payments API",
		Description:    "agent wants to charge a card",
		ActionKind:     domain.ActionExternalCall,
		IdentityID:     "owner-1",
		AgentID:        "agent-7",
		BudgetID:       f.budget,
		TokensRequired: tokens,
	}
}

func (f *fixture) totals(t *testing.T) domain.TokenBudget {
	t.Helper()
	b, err := f.ledger.GetBudget(f.budget)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Verify())
	return b
}

func (f *fixture) count(action domain.AuditAction) int {
	return len(f.trail.Query(domain.AuditFilter{Action: action}))
}

func TestCreateReservesAndRejectReleases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	cp, err := f.m.Create(ctx, f.spec(50))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, cp.Status)
	require.Equal(t, domain.PriorityMedium, cp.Priority)
	require.EqualValues(t, 50, cp.ReservedTokens)
	require.EqualValues(t, 50, f.totals(t).TotalReserved)

	_, err = f.m.Reject(ctx, cp.ID, "reviewer", "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	rejected, err := f.m.Reject(ctx, cp.ID, "reviewer", "not needed")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRejected, rejected.Status)
	require.Equal(t, "not needed", rejected.RejectionReason)
	require.Equal(t, "reviewer", rejected.ResolvedBy)
	require.Zero(t, rejected.ReservedTokens)

	b := f.totals(t)
	require.Zero(t, b.TotalReserved)
	require.EqualValues(t, 1000, b.Remaining)
	require.Zero(t, b.TotalUsed)
	require.Equal(t, 1, f.count(domain.AuditCheckpointRejected))
}

func TestApproveCommitsReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	cp, err := f.m.Create(ctx, f.spec(50))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	approved, err := f.m.Approve(ctx, cp.ID, "reviewer")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ResolvedAt)

	b := f.totals(t)
	require.EqualValues(t, 50, b.TotalUsed)
	require.Zero(t, b.TotalReserved)

	consumed := f.ledger.GetTransactionHistory(domain.TxFilter{CheckpointID: cp.ID, Type: domain.TxConsumption}, 0)
	require.Len(t, consumed, 1)

	_, err = f.m.Approve(ctx, cp.ID, "reviewer")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.m.Reject(ctx, cp.ID, "reviewer", "late")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.EqualValues(t, 50, f.totals(t).TotalUsed)
}

func TestTokensRequireBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	spec := f.spec(50)
	spec.BudgetID = ""
	_, err := f.m.Create(ctx, spec)
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Empty(t, f.m.List(ctx, checkpoint.Filter{}))

	free := f.spec(0)
	free.BudgetID = ""
	cp, err := f.m.Create(ctx, free)
	require.NoError(t, err)
	approved, err := f.m.Approve(ctx, cp.ID, "reviewer")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)
	require.Zero(t, f.totals(t).TotalUsed)
}

func TestDailyCapCountsLiveReservations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "daily", Name: "daily", IsActive: true, Mode: domain.ModeBlocking,
		Thresholds: domain.Thresholds{MaxDailyTotal: 500},
	}, domain.Actor{ID: "admin"})
	require.NoError(t, err)

	first, err := f.m.Create(ctx, f.spec(400))
	require.NoError(t, err)
	_, err = f.m.Create(ctx, f.spec(400))
	require.ErrorIs(t, err, domain.ErrRuleViolation)
	require.Len(t, f.rules.ListViolations(policy.ViolationFilter{}), 1)

	_, err = f.m.Approve(ctx, first.ID, "reviewer")
	require.NoError(t, err)
	b := f.totals(t)
	require.EqualValues(t, 400, b.TotalUsed)
	require.Zero(t, b.TotalReserved)
}

func TestAutoApproveRuleViolationRecordedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "daily", Name: "daily", IsActive: true, Mode: domain.ModeBlocking,
		Thresholds: domain.Thresholds{MaxDailyTotal: 100},
	}, domain.Actor{ID: "admin"})
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, f.budget, 80, "warm-up", domain.ConsumeContext{ActionKind: domain.ActionExternalCall})
	require.NoError(t, err)

	spec := f.spec(50)
	spec.AutoApprove = true
	_, err = f.m.Create(ctx, spec)
	require.ErrorIs(t, err, domain.ErrRuleViolation)

	require.Len(t, f.rules.ListViolations(policy.ViolationFilter{}), 1)
	require.Equal(t, 1, f.count(domain.AuditRuleViolation))
	require.Empty(t, f.m.List(ctx, checkpoint.Filter{}))
	b := f.totals(t)
	require.EqualValues(t, 80, b.TotalUsed)
	require.Zero(t, b.TotalReserved)
}

func TestCreateFailsWhenReservationDoesNot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.m.Create(ctx, f.spec(5000))
	require.ErrorIs(t, err, domain.ErrInsufficientTokens)
	require.Empty(t, f.m.List(ctx, checkpoint.Filter{}))
	require.Zero(t, f.count(domain.AuditCheckpointCreated))

	bad := f.spec(0)
	bad.Title = ""
	_, err = f.m.Create(ctx, bad)
	require.ErrorIs(t, err, domain.ErrValidation)

	bad = f.spec(0)
	bad.Payload = map[string]any{"ch": make(chan int)}
	_, err = f.m.Create(ctx, bad)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestExpireIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	spec := f.spec(50)
	spec.ExpiresIn = time.Minute
	cp, err := f.m.Create(ctx, spec)
	require.NoError(t, err)

	_, err = f.m.Expire(ctx, cp.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "not due yet")

	f.clock.Advance(2 * time.Minute)
	expired, err := f.m.Expire(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, expired.Status)

	again, err := f.m.Expire(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, again.Status)

	require.Equal(t, 1, f.count(domain.AuditCheckpointExpired))
	require.Len(t, f.ledger.GetTransactionHistory(domain.TxFilter{Type: domain.TxRelease}, 0), 1)
	require.Zero(t, f.totals(t).TotalReserved)

	_, err = f.m.Expire(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

func TestLazyExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "", checkpoint.WithDefaultTTL(time.Hour))

	cp, err := f.m.Create(ctx, f.spec(50))
	require.NoError(t, err)
	require.NotNil(t, cp.ExpiresAt)

	f.clock.Advance(2 * time.Hour)
	_, err = f.m.Approve(ctx, cp.ID, "reviewer")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := f.m.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, got.Status)
	require.Equal(t, domain.SystemActor.ID, got.ResolvedBy)
	require.Zero(t, f.totals(t).TotalReserved)
	require.Zero(t, f.totals(t).TotalUsed)
}

func TestExpireDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	short := f.spec(10)
	short.ExpiresIn = time.Minute
	long := f.spec(10)
	long.ExpiresIn = time.Hour
	for _, s := range []domain.CheckpointSpec{short, short, long} {
		_, err := f.m.Create(ctx, s)
		require.NoError(t, err)
	}

	f.clock.Advance(5 * time.Minute)
	require.Equal(t, 2, f.m.ExpireDue(ctx))
	require.Zero(t, f.m.ExpireDue(ctx))
	require.EqualValues(t, 10, f.totals(t).TotalReserved)
	require.Len(t, f.m.List(ctx, checkpoint.Filter{Status: domain.StatusPending}), 1)
}

func TestBatchApproveIsPerItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	c1, err := f.m.Create(ctx, f.spec(10))
	require.NoError(t, err)
	c2, err := f.m.Create(ctx, f.spec(10))
	require.NoError(t, err)
	_, err = f.m.Reject(ctx, c2.ID, "reviewer", "duplicate")
	require.NoError(t, err)

	res := f.m.BatchApprove(ctx, []string{c1.ID, c2.ID, "missing"}, "reviewer")
	require.Len(t, res, 3)
	require.True(t, res[0].OK)
	require.Equal(t, domain.StatusApproved, res[0].Checkpoint.Status)
	require.False(t, res[1].OK)
	require.Equal(t, "InvalidTransition", res[1].Kind)
	require.ErrorIs(t, res[1].Err, domain.ErrInvalidTransition)
	require.Equal(t, "CheckpointNotFound", res[2].Kind)

	got, err := f.m.Get(ctx, c1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, got.Status)
	require.EqualValues(t, 10, f.totals(t).TotalUsed)
}

func TestApproveCompensatesWhenAuditFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, domain.AuditCheckpointApproved)

	cp, err := f.m.Create(ctx, f.spec(50))
	require.NoError(t, err)

	_, err = f.m.Approve(ctx, cp.ID, "reviewer")
	require.Error(t, err)

	got, err := f.m.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.EqualValues(t, 50, got.ReservedTokens)

	b := f.totals(t)
	require.Zero(t, b.TotalUsed)
	require.EqualValues(t, 50, b.TotalReserved)
	require.EqualValues(t, 1000, b.Remaining)
}

func TestRejectCompensatesWhenAuditFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, domain.AuditCheckpointRejected)

	cp, err := f.m.Create(ctx, f.spec(50))
	require.NoError(t, err)

	_, err = f.m.Reject(ctx, cp.ID, "reviewer", "no")
	require.Error(t, err)

	got, err := f.m.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.EqualValues(t, 50, f.totals(t).TotalReserved)
}

func TestCreateCompensatesWhenAuditFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, domain.AuditCheckpointCreated)

	_, err := f.m.Create(ctx, f.spec(50))
	require.Error(t, err)
	require.Zero(t, f.totals(t).TotalReserved)
	require.Empty(t, f.m.List(ctx, checkpoint.Filter{}))
}

func TestAutoApprove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	spec := f.spec(20)
	spec.AutoApprove = true
	cp, err := f.m.Create(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAutoApproved, cp.Status)
	require.Equal(t, domain.SystemActor.ID, cp.ResolvedBy)
	require.EqualValues(t, 20, f.totals(t).TotalUsed)

	entries := f.trail.Query(domain.AuditFilter{CheckpointID: cp.ID})
	actions := make([]domain.AuditAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
		if e.Action == domain.AuditCheckpointAutoApproved {
			require.Equal(t, domain.SystemActor.ID, e.ActorID)
		}
	}
	require.Contains(t, actions, domain.AuditCheckpointCreated)
	require.Contains(t, actions, domain.AuditCheckpointAutoApproved)
}

func TestAutoApproveBlockedByRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.rules.AddRule(ctx, domain.GovernanceRule{
		ID: "ext", Name: "ext", IsActive: true, RequiresCheckpoint: true,
		ActionTypes: []domain.ActionKind{domain.ActionExternalCall},
	}, domain.Actor{ID: "admin"})
	require.NoError(t, err)

	spec := f.spec(20)
	spec.AutoApprove = true
	cp, err := f.m.Create(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, cp.Status)
	require.EqualValues(t, 20, cp.ReservedTokens)
	require.Zero(t, f.totals(t).TotalUsed)
	require.Zero(t, f.count(domain.AuditCheckpointAutoApproved))
}

func TestBudgetIncreaseAppliedOnApproval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	cp, err := f.ledger.RequestIncrease(ctx, f.budget, 500, "new project", domain.Actor{ID: "owner-1"})
	require.NoError(t, err)
	require.Equal(t, domain.ActionBudgetChange, cp.ActionKind)
	require.Equal(t, domain.StatusPending, cp.Status)
	require.EqualValues(t, 1000, f.totals(t).TotalAllocated, "nothing changes before approval")
	require.Equal(t, 1, f.count(domain.AuditIncreaseRequested))

	_, err = f.m.Approve(ctx, cp.ID, "finance")
	require.NoError(t, err)
	b := f.totals(t)
	require.EqualValues(t, 1500, b.TotalAllocated)
	require.EqualValues(t, 1500, b.Remaining)

	rejected, err := f.ledger.RequestIncrease(ctx, f.budget, 100, "", domain.Actor{ID: "owner-1"})
	require.NoError(t, err)
	_, err = f.m.Reject(ctx, rejected.ID, "finance", "not this quarter")
	require.NoError(t, err)
	require.EqualValues(t, 1500, f.totals(t).TotalAllocated)
}

func TestBudgetChangeWithTokensConsumesReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	s := f.spec(50)
	s.ActionKind = domain.ActionBudgetChange
	s.Payload = map[string]any{domain.PayloadBudgetID: f.budget, domain.PayloadAmount: 100}
	cp, err := f.m.Create(ctx, s)
	require.NoError(t, err)
	require.EqualValues(t, 50, f.totals(t).TotalReserved)

	approved, err := f.m.Approve(ctx, cp.ID, "finance")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)

	b := f.totals(t)
	require.EqualValues(t, 1100, b.TotalAllocated)
	require.EqualValues(t, 50, b.TotalUsed)
	require.Zero(t, b.TotalReserved, "reservation must not outlive the checkpoint")
	require.EqualValues(t, 1050, b.Remaining)
}

func TestBudgetChangeFailureRestoresReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	s := f.spec(50)
	s.ActionKind = domain.ActionBudgetChange
	s.Payload = map[string]any{domain.PayloadBudgetID: "missing-budget", domain.PayloadAmount: 100}
	cp, err := f.m.Create(ctx, s)
	require.NoError(t, err)

	_, err = f.m.Approve(ctx, cp.ID, "finance")
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)

	got, err := f.m.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)

	b := f.totals(t)
	require.Zero(t, b.TotalUsed)
	require.EqualValues(t, 50, b.TotalReserved)
	require.EqualValues(t, 1000, b.TotalAllocated)
}

func TestListOrderAndFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	create := func(title string, p domain.Priority) *domain.Checkpoint {
		s := f.spec(0)
		s.Title, s.Priority = title, p
		cp, err := f.m.Create(ctx, s)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
		return cp
	}
	resolved := create("resolved-critical", domain.PriorityCritical)
	create("low", domain.PriorityLow)
	create("high-old", domain.PriorityHigh)
	create("critical", domain.PriorityCritical)
	create("high-new", domain.PriorityHigh)
	_, err := f.m.Approve(ctx, resolved.ID, "reviewer")
	require.NoError(t, err)

	var titles []string
	for _, cp := range f.m.List(ctx, checkpoint.Filter{}) {
		titles = append(titles, cp.Title)
	}
	require.Equal(t, []string{"critical", "high-new", "high-old", "low", "resolved-critical"}, titles)

	require.Len(t, f.m.List(ctx, checkpoint.Filter{Priority: domain.PriorityHigh}), 2)
	require.Len(t, f.m.List(ctx, checkpoint.Filter{Status: domain.StatusApproved}), 1)
	require.Empty(t, f.m.List(ctx, checkpoint.Filter{AgentID: "someone-else"}))
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	a, err := f.m.Create(ctx, f.spec(0))
	require.NoError(t, err)
	r, err := f.m.Create(ctx, f.spec(0))
	require.NoError(t, err)
	auto := f.spec(0)
	auto.AutoApprove = true
	_, err = f.m.Create(ctx, auto)
	require.NoError(t, err)
	critical := f.spec(0)
	critical.Priority = domain.PriorityCritical
	_, err = f.m.Create(ctx, critical)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	_, err = f.m.Approve(ctx, a.ID, "reviewer")
	require.NoError(t, err)
	_, err = f.m.Reject(ctx, r.ID, "reviewer", "no")
	require.NoError(t, err)

	m := f.m.Metrics()
	require.Equal(t, 1, m.Pending)
	require.Equal(t, 1, m.CriticalPending)
	require.Equal(t, 3, m.Resolved)
	require.InDelta(t, 2.0/3, m.ApprovalRate, 1e-9)
	// auto_approved разрешен мгновенно, два других за 10s
	require.Equal(t, 20*time.Second/3, m.AvgResolutionTime)
}

func TestReturnedCheckpointIsACopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "")

	s := f.spec(0)
	s.Payload = map[string]any{"url": "https://pay.example"}
	cp, err := f.m.Create(ctx, s)
	require.NoError(t, err)
	cp.Payload["url"] = "tampered"
	cp.Status = domain.StatusApproved

	got, err := f.m.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, "https://pay.example", got.Payload["url"])
	require.Equal(t, domain.StatusPending, got.Status)
}

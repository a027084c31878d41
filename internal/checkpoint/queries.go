package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// Filter — фильтр Decision Queue. Пустые поля не ограничивают выборку.
type Filter struct {
	Status     domain.CheckpointStatus
	IdentityID string
	ActionKind domain.ActionKind
	Priority   domain.Priority
	SphereID   string
	AgentID    string
	ThreadID   string
}

func (f Filter) match(c *domain.Checkpoint) bool {
	switch {
	case f.Status != "" && c.Status != f.Status:
		return false
	case f.IdentityID != "" && c.IdentityID != f.IdentityID:
		return false
	case f.ActionKind != "" && c.ActionKind != f.ActionKind:
		return false
	case f.Priority != "" && c.Priority != f.Priority:
		return false
	case f.SphereID != "" && c.SphereID != f.SphereID:
		return false
	case f.AgentID != "" && c.AgentID != f.AgentID:
		return false
	case f.ThreadID != "" && c.ThreadID != f.ThreadID:
		return false
	}
	return true
}

// BatchResult — итог по одному ID пакетной операции.
type BatchResult struct {
	ID         string             `json:"id"`
	OK         bool               `json:"ok"`
	Checkpoint *domain.Checkpoint `json:"checkpoint,omitempty"`
	Error      string             `json:"error,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Err        error              `json:"-"`
}

func batchResult(id string, cp *domain.Checkpoint, err error) BatchResult {
	if err != nil {
		return BatchResult{ID: id, Error: err.Error(), Kind: domain.Kind(err), Err: err}
	}
	return BatchResult{ID: id, OK: true, Checkpoint: cp}
}

// BatchApprove — каждый ID независим, уже одобренные не откатываются из-за чужих ошибок.
func (m *Manager) BatchApprove(ctx context.Context, ids []string, resolvedBy string) []BatchResult {
	out := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		cp, err := m.Approve(ctx, id, resolvedBy)
		out = append(out, batchResult(id, cp, err))
	}
	return out
}

func (m *Manager) BatchReject(ctx context.Context, ids []string, resolvedBy, reason string) []BatchResult {
	out := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		cp, err := m.Reject(ctx, id, resolvedBy, reason)
		out = append(out, batchResult(id, cp, err))
	}
	return out
}

// Get с ленивым истечением срока.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, id)
	}
	if cp.Status == domain.StatusPending && cp.IsExpiredAt(m.now()) {
		if err := m.expire(ctx, cp); err != nil {
			return nil, err
		}
	}
	return cp.Clone(), nil
}

// List: сначала pending, затем по приоритету critical > high > medium > low,
// внутри — от новых к старым.
func (m *Manager) List(ctx context.Context, f Filter) []*domain.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireDue(ctx)
	out := make([]*domain.Checkpoint, 0, len(m.items))
	for _, cp := range m.items {
		if f.match(cp) {
			out = append(out, cp.Clone())
		}
	}
	Sort(out)
	return out
}

// Sort — порядок Decision Queue.
func Sort(list []*domain.Checkpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		ap, bp := a.Status == domain.StatusPending, b.Status == domain.StatusPending
		if ap != bp {
			return ap
		}
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Metrics агрегаты очереди: approval rate = (approved + auto_approved) / resolved.
func (m *Manager) Metrics() domain.CheckpointMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res domain.CheckpointMetrics
	var approved, timed int
	var total time.Duration
	for _, cp := range m.items {
		if cp.Status == domain.StatusPending {
			res.Pending++
			if cp.Priority == domain.PriorityCritical {
				res.CriticalPending++
			}
			continue
		}
		res.Resolved++
		if cp.Status == domain.StatusApproved || cp.Status == domain.StatusAutoApproved {
			approved++
		}
		if cp.ResolvedAt != nil {
			total += cp.ResolvedAt.Sub(cp.CreatedAt)
			timed++
		}
	}
	if res.Resolved > 0 {
		res.ApprovalRate = float64(approved) / float64(res.Resolved)
	}
	if timed > 0 {
		res.AvgResolutionTime = total / time.Duration(timed)
	}
	return res
}

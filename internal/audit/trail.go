// Package audit реализует Audit Trail ядра governance: append-only журнал
// событий, выборку и экспорт для compliance, а также асинхронную архивацию
// в долговременное хранилище.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// Sink получает копию каждой записи после фиксации (например, Archiver → Postgres).
type Sink interface {
	Log(entry domain.AuditEntry)
}

// Notifier рассылает записи подписчикам (UI-реактивность).
type Notifier interface {
	Publish(entry domain.AuditEntry)
}

// Trail — in-memory журнал. Записи после Append никогда не меняются и не удаляются.
type Trail struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	// Последний таймстемп по каждому актору: гарантирует монотонность внутри писателя
	lastByActor map[string]time.Time

	now      func() time.Time
	sinks    []Sink
	notifier Notifier
	logger   *zap.Logger
}

type Option func(*Trail)

func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

func WithSink(s Sink) Option {
	return func(t *Trail) { t.sinks = append(t.sinks, s) }
}

func WithNotifier(n Notifier) Option {
	return func(t *Trail) { t.notifier = n }
}

func NewTrail(logger *zap.Logger, opts ...Option) *Trail {
	t := &Trail{
		lastByActor: make(map[string]time.Time),
		now:         time.Now,
		logger:      logger.With(zap.String("mod", "audit-trail")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Validate — проверка обязательных полей без записи. Нужна саге Checkpoint,
// чтобы убедиться в успехе шага аудита до изменения леджера.
func (t *Trail) Validate(e domain.AuditEntry) error {
	return e.Validate()
}

// Append — чистая запись. Проставляет ID и таймстемп, если их нет.
func (t *Trail) Append(e domain.AuditEntry) (domain.AuditEntry, error) {
	if err := e.Validate(); err != nil {
		return domain.AuditEntry{}, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Details = maps.Clone(e.Details)

	t.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	if last, ok := t.lastByActor[e.ActorID]; ok && e.Timestamp.Before(last) {
		e.Timestamp = last
	}
	t.lastByActor[e.ActorID] = e.Timestamp
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	for _, s := range t.sinks {
		s.Log(e)
	}
	if t.notifier != nil {
		t.notifier.Publish(e)
	}

	t.logger.Debug("audit entry appended",
		zap.String("id", e.ID),
		zap.String("action", string(e.Action)),
		zap.String("actor_id", e.ActorID))
	return e, nil
}

// Query возвращает записи, подходящие под фильтр, от новых к старым.
func (t *Trail) Query(f domain.AuditFilter) []domain.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.AuditEntry, 0)
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if !f.Match(&e) {
			continue
		}
		e.Details = maps.Clone(e.Details)
		out = append(out, e)
	}
	// Монотонность гарантирована только внутри одного писателя, поэтому сортируем.
	// При равном времени остается обратный порядок вставки.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Len количество записей в журнале.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Export сериализует выборку без потерь (JSON-массив сущностей).
func (t *Trail) Export(w io.Writer, f domain.AuditFilter) (int, error) {
	entries := t.Query(f)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("audit export: %w", err)
	}
	return len(entries), nil
}

// ExportFileName — соглашение об имени файла выгрузки: audit-trail-<date>.json.
func ExportFileName(at time.Time) string {
	return fmt.Sprintf("audit-trail-%s.json", at.UTC().Format("2006-01-02"))
}

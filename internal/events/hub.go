// Package events — подписки на события ядра для реактивных потребителей
// (UI, метрики, публикация в Redis). Мутации ядра не зависят от подписчиков.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

const DefaultBuffer = 64

type subscriber struct {
	ch      chan domain.AuditEntry
	actions map[domain.AuditAction]struct{} // Пусто — все события
}

// Hub рассылает записи Audit Trail подписчикам. Медленный подписчик теряет события,
// но никогда не блокирует Publish.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: logger.Named("event-hub"),
	}
}

// Subscribe возвращает канал событий и функцию отписки (закрывает канал).
func (h *Hub) Subscribe(actions ...domain.AuditAction) (<-chan domain.AuditEntry, func()) {
	s := &subscriber{ch: make(chan domain.AuditEntry, h.buffer)}
	if len(actions) > 0 {
		s.actions = make(map[domain.AuditAction]struct{}, len(actions))
		for _, a := range actions {
			s.actions[a] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish реализует audit.Notifier.
func (h *Hub) Publish(e domain.AuditEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if s.actions != nil {
			if _, ok := s.actions[e.Action]; !ok {
				continue
			}
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Warn("subscriber is slow, event dropped",
				zap.String("action", string(e.Action)),
				zap.String("id", e.ID))
		}
	}
}

// Dropped сколько событий потеряно из-за переполненных подписчиков.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close закрывает все каналы подписчиков.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

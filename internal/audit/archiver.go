package audit

/*
Файл archiver.go реализует Archiver — асинхронную выгрузку Audit Trail
в долговременное хранилище (Postgres) для compliance.

Ключевые особенности архитектуры:
- Non-blocking Logging: Append в Trail не ждет базу, запись уходит в буферизированный канал.
- Batching: Накопление записей и пакетная запись (Bulk Insert) по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке канал закрывается, воркер вычитывает
  остатки и делает Final Flush. Источник правды остается in-memory Trail.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []domain.AuditEntry) error
}

type ArchiverConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Archiver struct {
	ch     chan domain.AuditEntry
	repo   StorageInterface
	logger *zap.Logger
	cfg    ArchiverConfig
	fill   prometheus.Gauge // Заполненность буфера (backpressure), может быть nil
	wg     sync.WaitGroup

	// closeMu защищает close(ch) от гонки с Log: отправка идет под RLock
	closeMu sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewArchiver(repo StorageInterface, cfg ArchiverConfig, fill prometheus.Gauge, logger *zap.Logger) *Archiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Archiver{
		ch:     make(chan domain.AuditEntry, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		fill:   fill,
		logger: logger.With(zap.String("mod", "audit-archiver")),
	}
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (a *Archiver) Stop() {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return
	}
	a.closed = true
	a.logger.Info("stopping archiver: closing channel and flushing buffer...")
	close(a.ch)
	a.closeMu.Unlock()

	a.wg.Wait()
	a.logger.Info("archiver stopped gracefully", zap.Int64("dropped", a.dropped.Load()))
}

// Log реализует audit.Sink.
func (a *Archiver) Log(entry domain.AuditEntry) {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		a.logger.Warn("audit entry not archived: archiver is stopping", zap.String("id", entry.ID))
		return
	}

	// Load Shedding: переполненный буфер не должен тормозить мутации ядра,
	// запись при этом остается в in-memory Trail.
	select {
	case a.ch <- entry:
		if a.fill != nil {
			a.fill.Set(float64(len(a.ch)))
		}
	default:
		a.dropped.Add(1)
		a.logger.Error("audit_archive_buffer_overflow",
			zap.String("id", entry.ID),
			zap.String("action", string(entry.Action)),
		)
	}
}

// Dropped сколько записей не ушло в хранилище.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	batch := make([]domain.AuditEntry, 0, a.cfg.BatchSize)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Используем Background, так как основной контекст может быть уже закрыт
		if err := a.repo.WriteBatch(context.Background(), batch); err != nil {
			a.dropped.Add(int64(len(batch)))
			a.logger.Error("audit flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		batch = make([]domain.AuditEntry, 0, a.cfg.BatchSize)
		if a.fill != nil {
			a.fill.Set(float64(len(a.ch)))
		}
	}

	for {
		select {
		case entry, ok := <-a.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, делаем финальный сброс
				flush()
				a.logger.Info("archiver worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

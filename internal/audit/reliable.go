package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"golang.org/x/time/rate"
)

// ReliabilityConfig настройки предохранителя для хранилища архива.
type ReliabilityConfig struct {
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	RatePerSecond float64
	Burst         int
	Attempts      uint
	WriteTimeout  time.Duration
}

// ReliableStorage оборачивает хранилище архива: Rate Limit -> Circuit Breaker -> Retries.
type ReliableStorage struct {
	next    StorageInterface
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliableStorage(next StorageInterface, cfg ReliabilityConfig, cbState prometheus.Gauge) *ReliableStorage {
	if cfg.CBMaxRequests == 0 {
		cfg.CBMaxRequests = 3
	}
	if cfg.CBInterval <= 0 {
		cfg.CBInterval = 5 * time.Second
	}
	if cfg.CBTimeout <= 0 {
		cfg.CBTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-archive",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (перестаем долбить базу)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cbState == nil {
				return
			}
			if to == gobreaker.StateOpen {
				cbState.Set(1)
			} else {
				cbState.Set(0)
			}
		},
	})

	return &ReliableStorage{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

func (s *ReliableStorage) WriteBatch(ctx context.Context, entries []domain.AuditEntry) error {
	// 1. Rate Limiter
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			defer cancel()
			return s.next.WriteBatch(tCtx, entries)
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("audit archive unavailable: %w", err)
	}
	return err
}

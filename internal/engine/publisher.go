package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// EventPublisher — то, что нужно от redis.Client для исходящего потока событий.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// AuditRelay ретранслирует Audit Trail в Redis для внешних подписчиков (UI, другие сервисы).
type AuditRelay struct {
	pub     EventPublisher
	channel string
	logger  *zap.Logger
}

func NewAuditRelay(pub EventPublisher, logger *zap.Logger) *AuditRelay {
	return &AuditRelay{
		pub:     pub,
		channel: infra.RedisChanEvents,
		logger:  logger.Named("audit-relay"),
	}
}

// Run читает подписку Event Hub до ее закрытия или отмены ctx.
// Ошибка доставки не останавливает поток: источник правды остается Audit Trail.
func (r *AuditRelay) Run(ctx context.Context, entries <-chan domain.AuditEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := r.publish(ctx, e); err != nil {
				r.logger.Warn("audit event delivery failed",
					zap.String("id", e.ID),
					zap.String("action", string(e.Action)),
					zap.Error(err))
			}
		}
	}
}

func (r *AuditRelay) publish(ctx context.Context, e domain.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.pub.Publish(pCtx, r.channel, data).Err()
}

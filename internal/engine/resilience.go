package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	subscribeRetryDelay = 5 * time.Second
	reconnectDelay      = time.Second
)

// ListenStateResilient — универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения, логирование и разбор сигналов формата "id:on|off".
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error, // Синхронизация состояния при каждом коннекте
	onMessage func(ctx context.Context, id string, on bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, subscribeRetryDelay) {
				return
			}
			continue
		}

		if err := onReconnect(ctx); err != nil {
			logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				id, on, ok := ParseSignal(msg.Payload)
				if !ok {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(ctx, id, on)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// ParseSignal разбирает "id:on|off" (также true/false). ID может содержать ':'.
func ParseSignal(payload string) (id string, on bool, ok bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	id, state := payload[:i], payload[i+1:]
	switch state {
	case "on", "true":
		return id, true, true
	case "off", "false":
		return id, false, true
	}
	return "", false, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package checkpoint

import (
	"context"

	"go.uber.org/zap"
)

// step — шаг саги разрешения Checkpoint. undo == nil: шаг некомпенсируемый.
type step struct {
	name string
	do   func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// check — шаг без побочных эффектов, откатывать нечего.
func check(name string, fn func() error) step {
	return step{
		name: name,
		do:   func(context.Context) error { return fn() },
		undo: func(context.Context) error { return nil },
	}
}

// runSaga выполняет шаги по порядку; при ошибке откатывает уже выполненные в обратном порядке.
// Ошибка отката не заменяет исходную ошибку, а только логируется.
func runSaga(ctx context.Context, logger *zap.Logger, checkpointID string, steps ...step) error {
	done := make([]step, 0, len(steps))
	for _, s := range steps {
		if err := s.do(ctx); err != nil {
			logger.Warn("saga step failed, compensating",
				zap.String("checkpoint_id", checkpointID),
				zap.String("step", s.name),
				zap.Int("completed", len(done)),
				zap.Error(err))
			compensate(ctx, logger, checkpointID, done)
			return err
		}
		done = append(done, s)
	}
	return nil
}

func compensate(ctx context.Context, logger *zap.Logger, checkpointID string, done []step) {
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		if s.undo == nil {
			logger.Error("saga step cannot be compensated",
				zap.String("checkpoint_id", checkpointID),
				zap.String("step", s.name))
			continue
		}
		if err := s.undo(ctx); err != nil {
			logger.Error("saga compensation failed",
				zap.String("checkpoint_id", checkpointID),
				zap.String("step", s.name),
				zap.Error(err))
		}
	}
}

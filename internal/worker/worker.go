package worker

import (
	"context"
	"time"

	"settlement-service/internal/idempotency"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

const purgeLockKey = "idempotency-purge"

// PurgeWorker runs the idempotency purger on a fixed interval. A Redis lock
// keeps multiple service instances from purging at the same time; losing
// the lock just skips a pass.
type PurgeWorker struct {
	purger   *idempotency.Purger
	redis    *redisclient.Client
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

// NewPurgeWorker creates a new purge worker. redis may be nil; the worker
// then runs unlocked (single-instance deployments).
func NewPurgeWorker(purger *idempotency.Purger, redis *redisclient.Client, interval time.Duration) *PurgeWorker {
	return &PurgeWorker{
		purger:   purger,
		redis:    redis,
		interval: interval,
		logger:   util.GetLogger(),
		done:     make(chan struct{}),
	}
}

// Start runs purge passes until the context is cancelled or Stop is called.
func (w *PurgeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting idempotency purge worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

// Stop stops the worker
func (w *PurgeWorker) Stop() {
	close(w.done)
}

func (w *PurgeWorker) runPass(ctx context.Context) {
	if w.redis != nil {
		acquired, err := w.redis.AcquireLock(ctx, purgeLockKey, w.interval)
		if err != nil {
			w.logger.Error("Failed to acquire purge lock", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := w.redis.ReleaseLock(ctx, purgeLockKey); err != nil {
				w.logger.Error("Failed to release purge lock", zap.Error(err))
			}
		}()
	}

	if err := w.purger.RunOnce(ctx); err != nil {
		w.logger.Error("Purge pass failed", zap.Error(err))
	}
}

package idempotency

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// PurgeStore is the persistence surface for record retention.
type PurgeStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Purger removes expired idempotency records and fails IN_PROGRESS records
// that have been executing for longer than staleAfter (a crashed process
// cannot finalize its own record). It never touches live IN_PROGRESS rows.
type Purger struct {
	store      PurgeStore
	staleAfter time.Duration
	logger     *zap.Logger
}

func NewPurger(store PurgeStore, staleAfter time.Duration) *Purger {
	return &Purger{
		store:      store,
		staleAfter: staleAfter,
		logger:     util.GetLogger(),
	}
}

// RunOnce performs a single purge pass: reap stale IN_PROGRESS records
// first so their keys become retriable, then drop expired inert records.
func (p *Purger) RunOnce(ctx context.Context) error {
	now := time.Now()

	reaped, err := p.store.ReapStale(ctx, now.Add(-p.staleAfter))
	if err != nil {
		return fmt.Errorf("failed to reap stale records: %w", err)
	}
	if reaped > 0 {
		util.IdempotencyReapedTotal.Add(float64(reaped))
		p.logger.Warn("Reaped stale in-progress idempotency records", zap.Int64("count", reaped))
	}

	purged, err := p.store.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to delete expired records: %w", err)
	}
	if purged > 0 {
		util.IdempotencyPurgedTotal.Add(float64(purged))
		p.logger.Info("Purged expired idempotency records", zap.Int64("count", purged))
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/lib/pq"
)

// uniqueViolation is the postgres error code raised when the
// (scope, user_id, key) constraint fires.
const uniqueViolation = "23505"

// InsertInProgress atomically inserts an IN_PROGRESS idempotency record for
// the (scope, userID, key) triple. When the triple already exists, created
// is false and the existing record is returned instead. The insert and the
// conflict handling are a single statement so concurrent identical requests
// cannot both create a record.
func (s *Store) InsertInProgress(ctx context.Context, rec *models.IdempotencyRecord) (created bool, existing *models.IdempotencyRecord, err error) {
	query := `
		INSERT INTO idempotency_keys
			(id, scope, user_id, key, request_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err = s.db.GetContext(ctx, &rec.CreatedAt, query,
		rec.ID, rec.Scope, rec.UserID, rec.Key, rec.RequestHash, rec.Status, rec.ExpiresAt)
	if err == nil {
		return true, nil, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return false, nil, fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	var found models.IdempotencyRecord
	err = s.db.GetContext(ctx, &found,
		"SELECT * FROM idempotency_keys WHERE scope = $1 AND user_id = $2 AND key = $3",
		rec.Scope, rec.UserID, rec.Key)
	if err == sql.ErrNoRows {
		// The winner was purged between our insert and re-read; extremely
		// tight window, surface as retriable.
		return false, nil, fmt.Errorf("idempotency record vanished after conflict")
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to re-read idempotency record: %w", err)
	}
	return false, &found, nil
}

// FinalizeRecord moves a record out of IN_PROGRESS, storing the response to
// replay on later calls with the same key. A zero responseCode means the
// operation produced no outcome; the record then carries no response and is
// never replayed.
func (s *Store) FinalizeRecord(ctx context.Context, id, status string, responseCode int, responseBody []byte) error {
	code := sql.NullInt64{Int64: int64(responseCode), Valid: responseCode != 0}
	_, err := s.db.ExecContext(ctx,
		"UPDATE idempotency_keys SET status = $1, response_code = $2, response_body = $3 WHERE id = $4",
		status, code, responseBody, id)
	return err
}

// DeleteExpired removes expired records that are no longer executing.
// IN_PROGRESS rows are left for ReapStale.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE expires_at < $1 AND status <> $2",
		now, models.IdempotencyInProgress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReapStale transitions IN_PROGRESS records older than the cutoff to FAILED
// so a crashed execution cannot pin its key forever.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE idempotency_keys SET status = $1 WHERE status = $2 AND created_at < $3",
		models.IdempotencyFailed, models.IdempotencyInProgress, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

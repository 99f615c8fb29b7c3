package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	minKeyLength = 8
	maxKeyLength = 128
)

var (
	// ErrInvalidKey is returned when the caller-supplied idempotency key is
	// missing or outside the 8-128 character range. Rejected before any
	// business logic runs.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyReuseMismatch is returned when a key is replayed with a payload
	// that hashes differently from the original request.
	ErrKeyReuseMismatch = errors.New("idempotency key reused with a different request")

	// ErrDuplicateInProgress signals that another request holding the same
	// key has not finished yet; the caller should retry later rather than
	// assuming success.
	ErrDuplicateInProgress = errors.New("request with this idempotency key is already in progress")

	// ErrUnavailable wraps datastore failures in the idempotency layer.
	ErrUnavailable = errors.New("idempotency layer unavailable")
)

// Store is the persistence surface for idempotency records. Implemented by
// *store.Store.
type Store interface {
	InsertInProgress(ctx context.Context, rec *models.IdempotencyRecord) (created bool, existing *models.IdempotencyRecord, err error)
	FinalizeRecord(ctx context.Context, id, status string, responseCode int, responseBody []byte) error
}

// Response is the captured outcome of a wrapped operation. Replayed is true
// when it was served from a stored record instead of a fresh execution.
type Response struct {
	Code     int    `json:"code"`
	Body     []byte `json:"body"`
	Replayed bool   `json:"-"`
}

// Operation is the wrapped mutating business logic. It returns a Response
// for every business outcome, including error responses; a non-nil error
// means the operation could not produce an outcome at all.
type Operation func(ctx context.Context) (Response, error)

// Guard deduplicates retried mutating requests. For a given
// (scope, caller, key) triple exactly one execution proceeds; later calls
// replay the stored response or are told to retry.
type Guard struct {
	store     Store
	retention time.Duration
	logger    *zap.Logger
}

// NewGuard creates a guard. retention bounds how long finished records are
// kept for replay before the purger may remove them.
func NewGuard(store Store, retention time.Duration) *Guard {
	return &Guard{
		store:     store,
		retention: retention,
		logger:    util.GetLogger(),
	}
}

// Execute runs op at most once for the (scope, callerID, key) triple.
//
// The IN_PROGRESS record is claimed with a single atomic insert-if-absent,
// so under N concurrent identical requests exactly one invokes op; the rest
// replay or receive ErrDuplicateInProgress. The record is finalized on
// success, error, and panic paths.
func (g *Guard) Execute(ctx context.Context, scope string, callerID int64, key string, req Request, op Operation) (Response, error) {
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		util.IdempotencyRequestsTotal.WithLabelValues("invalid_key").Inc()
		return Response{}, ErrInvalidKey
	}

	ctx, span := util.StartSpan(ctx, "Guard.Execute")
	defer span.End()

	hash := HashRequest(req)
	rec := &models.IdempotencyRecord{
		ID:          uuid.New().String(),
		Scope:       scope,
		UserID:      callerID,
		Key:         key,
		RequestHash: hash,
		Status:      models.IdempotencyInProgress,
		ExpiresAt:   time.Now().Add(g.retention),
	}

	created, existing, err := g.store.InsertInProgress(ctx, rec)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !created {
		return g.resolveExisting(scope, key, hash, existing)
	}

	resp, opErr := invoke(ctx, op)
	if opErr != nil {
		// The record stays FAILED with no stored response; a retry after
		// expiry or reaping may run the operation again.
		g.finalize(rec.ID, models.IdempotencyFailed, 0, nil)
		util.IdempotencyRequestsTotal.WithLabelValues("execution_error").Inc()
		return Response{}, opErr
	}

	status := models.IdempotencyCompleted
	if resp.Code >= 400 {
		status = models.IdempotencyFailed
	}
	g.finalize(rec.ID, status, resp.Code, resp.Body)

	util.IdempotencyRequestsTotal.WithLabelValues("executed").Inc()
	return resp, nil
}

// resolveExisting decides what a duplicate request receives.
func (g *Guard) resolveExisting(scope, key, hash string, existing *models.IdempotencyRecord) (Response, error) {
	if existing.RequestHash != hash {
		util.IdempotencyRequestsTotal.WithLabelValues("hash_mismatch").Inc()
		return Response{}, ErrKeyReuseMismatch
	}

	finalized := existing.ResponseCode.Valid &&
		(existing.Status == models.IdempotencyCompleted || existing.Status == models.IdempotencyFailed)
	if finalized {
		util.IdempotencyRequestsTotal.WithLabelValues("replayed").Inc()
		g.logger.Info("Replaying idempotent response",
			zap.String("scope", scope),
			zap.String("key", key))
		return Response{
			Code:     int(existing.ResponseCode.Int64),
			Body:     existing.ResponseBody,
			Replayed: true,
		}, nil
	}

	util.IdempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
	return Response{}, ErrDuplicateInProgress
}

// finalize updates the record on a background context so a cancelled or
// aborted request cannot leave it IN_PROGRESS forever.
func (g *Guard) finalize(id, status string, code int, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.store.FinalizeRecord(ctx, id, status, code, body); err != nil {
		g.logger.Error("Failed to finalize idempotency record",
			zap.String("record_id", id),
			zap.Error(err))
	}
}

// invoke runs op, converting a panic into an error so the finalizer fires.
func invoke(ctx context.Context, op Operation) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("wrapped operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

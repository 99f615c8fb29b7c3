package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memIdemStore is an in-memory Store/PurgeStore with the same atomicity as
// the unique constraint in postgres: insert-if-absent under one lock.
type memIdemStore struct {
	mu   sync.Mutex
	recs map[string]*models.IdempotencyRecord // keyed by (scope, user, key)
	byID map[string]*models.IdempotencyRecord
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{
		recs: make(map[string]*models.IdempotencyRecord),
		byID: make(map[string]*models.IdempotencyRecord),
	}
}

func tripleKey(scope string, userID int64, key string) string {
	return fmt.Sprintf("%s|%d|%s", scope, userID, key)
}

func (m *memIdemStore) InsertInProgress(ctx context.Context, rec *models.IdempotencyRecord) (bool, *models.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := tripleKey(rec.Scope, rec.UserID, rec.Key)
	if existing, ok := m.recs[k]; ok {
		copied := *existing
		return false, &copied, nil
	}

	rec.CreatedAt = time.Now()
	stored := *rec
	m.recs[k] = &stored
	m.byID[rec.ID] = &stored
	return true, nil, nil
}

func (m *memIdemStore) FinalizeRecord(ctx context.Context, id, status string, responseCode int, responseBody []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("record not found: %s", id)
	}
	rec.Status = status
	if responseCode != 0 {
		rec.ResponseCode = sql.NullInt64{Int64: int64(responseCode), Valid: true}
	}
	rec.ResponseBody = responseBody
	return nil
}

func (m *memIdemStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.recs {
		if rec.ExpiresAt.Before(now) && rec.Status != models.IdempotencyInProgress {
			delete(m.recs, k)
			delete(m.byID, rec.ID)
			n++
		}
	}
	return n, nil
}

func (m *memIdemStore) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.recs {
		if rec.Status == models.IdempotencyInProgress && rec.CreatedAt.Before(cutoff) {
			rec.Status = models.IdempotencyFailed
			n++
		}
	}
	return n, nil
}

func (m *memIdemStore) get(scope string, userID int64, key string) *models.IdempotencyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[tripleKey(scope, userID, key)]; ok {
		copied := *rec
		return &copied
	}
	return nil
}

const validKey = "retry-key-001"

func okOperation(body string) (Operation, *int) {
	calls := new(int)
	return func(ctx context.Context) (Response, error) {
		*calls++
		return Response{Code: http.StatusOK, Body: []byte(body)}, nil
	}, calls
}

func TestInvalidKeyRejectedBeforeExecution(t *testing.T) {
	g := NewGuard(newMemIdemStore(), 24*time.Hour)
	op, calls := okOperation(`{"ok":true}`)

	for _, key := range []string{"", "short", string(make([]byte, 129))} {
		_, err := g.Execute(context.Background(), "wallet.topup", 1, key, Request{Method: "POST", Path: "/x"}, op)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
	assert.Zero(t, *calls, "business logic must not run for invalid keys")
}

func TestExecuteThenReplay(t *testing.T) {
	s := newMemIdemStore()
	g := NewGuard(s, 24*time.Hour)
	op, calls := okOperation(`{"new_balance_minor":600}`)

	req := Request{Method: "POST", Path: "/api/v1/wallets/topup", Body: []byte(`{"amount_minor":600,"user_id":1}`)}

	first, err := g.Execute(context.Background(), "wallet.topup", 1, validKey, req, op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.False(t, first.Replayed)

	second, err := g.Execute(context.Background(), "wallet.topup", 1, validKey, req, op)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body, second.Body, "replayed response must be byte-identical")

	assert.Equal(t, 1, *calls, "retry must not re-execute the operation")

	rec := s.get("wallet.topup", 1, validKey)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyCompleted, rec.Status)
}

func TestReplayNormalizesEquivalentBodies(t *testing.T) {
	g := NewGuard(newMemIdemStore(), 24*time.Hour)
	op, calls := okOperation(`{}`)

	a := Request{Method: "POST", Path: "/p", Body: []byte(`{"amount":5,"user":1}`)}
	b := Request{Method: "POST", Path: "/p", Body: []byte(`{ "user": 1, "amount": 5 }`)}

	_, err := g.Execute(context.Background(), "s", 1, validKey, a, op)
	require.NoError(t, err)

	resp, err := g.Execute(context.Background(), "s", 1, validKey, b, op)
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
	assert.Equal(t, 1, *calls)
}

func TestKeyReuseWithDifferentPayload(t *testing.T) {
	g := NewGuard(newMemIdemStore(), 24*time.Hour)
	op, calls := okOperation(`{}`)

	_, err := g.Execute(context.Background(), "s", 1, validKey,
		Request{Method: "POST", Path: "/p", Body: []byte(`{"amount":5}`)}, op)
	require.NoError(t, err)

	_, err = g.Execute(context.Background(), "s", 1, validKey,
		Request{Method: "POST", Path: "/p", Body: []byte(`{"amount":6}`)}, op)
	assert.ErrorIs(t, err, ErrKeyReuseMismatch)
	assert.Equal(t, 1, *calls, "mismatched reuse must cause no side effects")
}

func TestScopesAndCallersAreIndependent(t *testing.T) {
	g := NewGuard(newMemIdemStore(), 24*time.Hour)
	op, calls := okOperation(`{}`)
	req := Request{Method: "POST", Path: "/p"}

	_, err := g.Execute(context.Background(), "scope-a", 1, validKey, req, op)
	require.NoError(t, err)
	_, err = g.Execute(context.Background(), "scope-b", 1, validKey, req, op)
	require.NoError(t, err)
	_, err = g.Execute(context.Background(), "scope-a", 2, validKey, req, op)
	require.NoError(t, err)

	assert.Equal(t, 3, *calls)
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	g := NewGuard(newMemIdemStore(), 24*time.Hour)
	req := Request{Method: "POST", Path: "/api/v1/settlements", Body: []byte(`{"order_id":7}`)}

	var executions int64
	var mu sync.Mutex
	op := func(ctx context.Context) (Response, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return Response{Code: http.StatusOK, Body: []byte(`{"settled":true}`)}, nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]error, n)
	responses := make([]Response, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], results[i] = g.Execute(context.Background(), "order.settle", 1, validKey, req, op)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), executions, "exactly one request may execute")

	for i := 0; i < n; i++ {
		if results[i] != nil {
			assert.ErrorIs(t, results[i], ErrDuplicateInProgress)
			continue
		}
		assert.Equal(t, http.StatusOK, responses[i].Code)
		assert.Equal(t, []byte(`{"settled":true}`), responses[i].Body)
	}
}

func TestErrorResponseIsRecordedAndReplayed(t *testing.T) {
	s := newMemIdemStore()
	g := NewGuard(s, 24*time.Hour)

	calls := 0
	op := func(ctx context.Context) (Response, error) {
		calls++
		return Response{Code: http.StatusBadRequest, Body: []byte(`{"error":"Insufficient funds"}`)}, nil
	}
	req := Request{Method: "POST", Path: "/p"}

	first, err := g.Execute(context.Background(), "s", 1, validKey, req, op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	rec := s.get("s", 1, validKey)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyFailed, rec.Status)

	// The original outcome replays; the operation does not run again.
	second, err := g.Execute(context.Background(), "s", 1, validKey, req, op)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, calls)
}

func TestOperationErrorLeavesUnfinalizedFailure(t *testing.T) {
	s := newMemIdemStore()
	g := NewGuard(s, 24*time.Hour)

	boom := errors.New("datastore gone")
	op := func(ctx context.Context) (Response, error) {
		return Response{}, boom
	}
	req := Request{Method: "POST", Path: "/p"}

	_, err := g.Execute(context.Background(), "s", 1, validKey, req, op)
	assert.ErrorIs(t, err, boom)

	rec := s.get("s", 1, validKey)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyFailed, rec.Status)
	assert.False(t, rec.ResponseCode.Valid)

	// No stored outcome exists, so a retry is told to wait, not replayed.
	_, err = g.Execute(context.Background(), "s", 1, validKey, req, op)
	assert.ErrorIs(t, err, ErrDuplicateInProgress)
}

func TestPanicFinalizesRecord(t *testing.T) {
	s := newMemIdemStore()
	g := NewGuard(s, 24*time.Hour)

	op := func(ctx context.Context) (Response, error) {
		panic("handler exploded")
	}

	_, err := g.Execute(context.Background(), "s", 1, validKey, Request{Method: "POST", Path: "/p"}, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	rec := s.get("s", 1, validKey)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyFailed, rec.Status, "record must not stay IN_PROGRESS")
}

func TestHashRequest(t *testing.T) {
	base := Request{Method: "POST", Path: "/p", Body: []byte(`{"a":1,"b":2}`)}

	assert.Equal(t, HashRequest(base),
		HashRequest(Request{Method: "POST", Path: "/p", Body: []byte(`{"b":2,"a":1}`)}))
	assert.NotEqual(t, HashRequest(base),
		HashRequest(Request{Method: "POST", Path: "/p", Body: []byte(`{"a":1,"b":3}`)}))
	assert.NotEqual(t, HashRequest(base),
		HashRequest(Request{Method: "POST", Path: "/other", Body: base.Body}))
	assert.NotEqual(t, HashRequest(base),
		HashRequest(Request{Method: "PUT", Path: "/p", Body: base.Body}))

	// Non-JSON bodies hash on raw bytes.
	assert.NotEqual(t,
		HashRequest(Request{Method: "POST", Path: "/p", Body: []byte("raw-1")}),
		HashRequest(Request{Method: "POST", Path: "/p", Body: []byte("raw-2")}))
}

func TestPurgerRetentionRules(t *testing.T) {
	s := newMemIdemStore()
	g := NewGuard(s, -time.Hour) // records are born expired
	op, _ := okOperation(`{}`)

	_, err := g.Execute(context.Background(), "s", 1, "expired-0001", Request{Method: "POST", Path: "/p"}, op)
	require.NoError(t, err)

	// A live IN_PROGRESS record the purger must not touch.
	live := &models.IdempotencyRecord{
		ID: "live", Scope: "s", UserID: 2, Key: "live-key-0001",
		RequestHash: "h", Status: models.IdempotencyInProgress,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	created, _, err := s.InsertInProgress(context.Background(), live)
	require.NoError(t, err)
	require.True(t, created)

	// A stale IN_PROGRESS record left behind by a crashed process.
	stale := &models.IdempotencyRecord{
		ID: "stale", Scope: "s", UserID: 3, Key: "stale-key-0001",
		RequestHash: "h", Status: models.IdempotencyInProgress,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	created, _, err = s.InsertInProgress(context.Background(), stale)
	require.NoError(t, err)
	require.True(t, created)
	s.mu.Lock()
	s.byID["stale"].CreatedAt = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	p := NewPurger(s, time.Hour)
	require.NoError(t, p.RunOnce(context.Background()))

	assert.Nil(t, s.get("s", 1, "expired-0001"), "expired completed record purged")
	assert.Equal(t, models.IdempotencyInProgress, s.get("s", 2, "live-key-0001").Status)
	assert.Equal(t, models.IdempotencyFailed, s.get("s", 3, "stale-key-0001").Status)

	// Once purged, the key is legally reusable with a new request.
	resp, err := g.Execute(context.Background(), "s", 1, "expired-0001", Request{Method: "POST", Path: "/p"}, op)
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
}

package txrunner

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))
	return db
}

func TestIsDeadlockOrSerialization(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"pq: deadlock detected", true},
		{"ERROR: could not serialize access due to concurrent update", true},
		{"Deadlock found when trying to get lock", true},
		{"connection refused", false},
		{"record not found", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isDeadlockOrSerialization(errors.New(c.msg)), "msg=%q", c.msg)
	}
}

func TestClassify_DeadlockMarkedTransient(t *testing.T) {
	ctx := context.Background()
	err := classify(ctx, errors.New("pq: deadlock detected"))
	require.Equal(t, apperr.TransientTx, apperr.CodeOf(err))
}

func TestClassify_DeadlineExceededMarkedTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	require.Equal(t, context.DeadlineExceeded, ctx.Err())

	err := classify(ctx, errors.New("context deadline exceeded"))
	require.Equal(t, apperr.Timeout, apperr.CodeOf(err))
}

func TestClassify_PreservesExistingAppErrorCode(t *testing.T) {
	original := apperr.New(apperr.InsufficientStock, "not enough stock")
	err := classify(context.Background(), original)
	require.Equal(t, apperr.InsufficientStock, apperr.CodeOf(err))
}

func TestClassify_UnclassifiedFallsBackToInternal(t *testing.T) {
	err := classify(context.Background(), errors.New("some driver specific failure"))
	require.Equal(t, apperr.Internal, apperr.CodeOf(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(apperr.New(apperr.TransientTx, "x")))
	assert.True(t, isTransient(apperr.New(apperr.Timeout, "x")))
	assert.False(t, isTransient(apperr.New(apperr.InsufficientStock, "x")))
	assert.False(t, isTransient(apperr.New(apperr.Internal, "x")))
}

func TestBackoff_CappedAtMaxAndPositive(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt=%d", attempt)
		assert.LessOrEqual(t, d, maxBackoff+maxBackoff/10, "attempt=%d", attempt)
	}
}

func TestBackoff_GrowsWithAttemptNumber(t *testing.T) {
	// Attempt 1 is 50ms and attempt 4 is 400ms, each +/-10%, so attempt 4 is
	// strictly larger than attempt 1 whatever the jitter.
	small := backoff(1)
	large := backoff(4)
	assert.Less(t, small, large)
	assert.LessOrEqual(t, large, maxBackoff+maxBackoff/10)
}

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 3, 2*time.Second)

	calls := 0
	result, err := Run(context.Background(), r, "test-op", "entity-1", func(tx *gorm.DB) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, calls)

	var count int64
	require.NoError(t, db.Model(&store.WebhookFailureLog{}).Count(&count).Error)
	require.Zero(t, count, "no failure log should be written on success")
}

func TestRun_PermanentFailureIsLoggedAndReturned(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 2, 2*time.Second)

	wantErr := apperr.New(apperr.InsufficientStock, "no stock left")
	_, err := Run(context.Background(), r, "reserve-stock", "order-42", func(tx *gorm.DB) (string, error) {
		return "", wantErr
	})
	require.Error(t, err)
	require.Equal(t, apperr.InsufficientStock, apperr.CodeOf(err))

	var rec store.WebhookFailureLog
	require.NoError(t, db.Where("operation = ? AND entity_ref = ?", "reserve-stock", "order-42").First(&rec).Error)
	require.Equal(t, 1, rec.Attempts, "non-transient failure should not be retried")
}

func TestLogFailure_PersistsIndependentlyOfCallerContext(t *testing.T) {
	db := openTestDB(t)
	r := New(db, 1, time.Second)

	r.logFailure("my-op", "ref-1", apperr.New(apperr.Internal, "boom"), 1)

	var rec store.WebhookFailureLog
	require.NoError(t, db.Where("operation = ?", "my-op").First(&rec).Error)
	require.Equal(t, "ref-1", rec.EntityRef)
	require.Contains(t, rec.ErrorText, "boom")
}

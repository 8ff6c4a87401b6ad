package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestBreaker(t *testing.T, cfg *Config) (*miniredis.Miniredis, *Breaker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(rdb, cfg, zap.NewNop())
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	mr, b := setupTestBreaker(t, nil)
	defer mr.Close()

	status, err := b.Check(context.Background(), "prov-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, status.State)
}

func TestBreaker_TripsOpenAtThreshold(t *testing.T) {
	mr, b := setupTestBreaker(t, &Config{Threshold: 3, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		status, err := b.RecordFailure(ctx, "prov-1")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, status.State)
	}

	status, err := b.RecordFailure(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status.State)

	_, err = b.Check(ctx, "prov-1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	mr, b := setupTestBreaker(t, &Config{Threshold: 1, ResetTimeout: 50 * time.Millisecond, HalfOpenMaxCalls: 1})
	defer mr.Close()

	ctx := context.Background()
	_, err := b.RecordFailure(ctx, "prov-1")
	require.NoError(t, err)

	_, err = b.Check(ctx, "prov-1")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(100 * time.Millisecond)

	status, err := b.Check(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, status.State)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	mr, b := setupTestBreaker(t, &Config{Threshold: 1, ResetTimeout: 50 * time.Millisecond, HalfOpenMaxCalls: 2})
	defer mr.Close()

	ctx := context.Background()
	_, err := b.RecordFailure(ctx, "prov-1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	status, err := b.Check(ctx, "prov-1")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, status.State)

	status, err = b.RecordFailure(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status.State)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	mr, b := setupTestBreaker(t, &Config{Threshold: 5, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	defer mr.Close()

	ctx := context.Background()
	_, err := b.RecordFailure(ctx, "prov-1")
	require.NoError(t, err)

	require.NoError(t, b.RecordSuccess(ctx, "prov-1"))

	status, err := b.StateOf(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 0, status.FailureCount)
}

func TestBreaker_HalfOpenMaxCallsRejectsExtraProbes(t *testing.T) {
	mr, b := setupTestBreaker(t, &Config{Threshold: 1, ResetTimeout: 50 * time.Millisecond, HalfOpenMaxCalls: 1})
	defer mr.Close()

	ctx := context.Background()
	_, err := b.RecordFailure(ctx, "prov-1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	_, err = b.Check(ctx, "prov-1")
	require.NoError(t, err)

	_, err = b.Check(ctx, "prov-1")
	assert.ErrorIs(t, err, ErrTooManyCallsInHalfOpen)
}

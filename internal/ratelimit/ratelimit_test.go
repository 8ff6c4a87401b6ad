package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(rdb, nil, zap.NewNop())
}

func TestCheckSpend_AllowsUnderLimit(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	now := time.Now()
	err := s.CheckSpend(context.Background(), ScopeUser, "u1", PeriodFiveHour, 10, "", "", now)
	assert.NoError(t, err)
}

func TestCheckSpend_RollingWindowBlocksOverLimit(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordUsage(ctx, &core.User{ID: "u1"}, nil, nil, 6, now))
	require.NoError(t, s.RecordUsage(ctx, &core.User{ID: "u1"}, nil, nil, 5, now))

	err := s.CheckSpend(ctx, ScopeUser, "u1", PeriodFiveHour, 10, "", "", now)
	var rle *core.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "usd_user_5h", rle.LimitType)
	assert.InDelta(t, 11.0, rle.CurrentUsage, 0.001)
}

func TestCheckSpend_RollingWindowExpiresOldEntries(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.RecordUsage(ctx, &core.User{ID: "u1"}, nil, nil, 9, base))

	later := base.Add(6 * time.Hour)
	err := s.CheckSpend(ctx, ScopeUser, "u1", PeriodFiveHour, 10, "", "", later)
	assert.NoError(t, err)
}

func TestCheckSpend_FixedWindowBlocksOverLimit(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordUsage(ctx, &core.User{ID: "u1", DailyResetMode: core.DailyResetFixed}, nil, nil, 12, now))

	err := s.CheckSpend(ctx, ScopeUser, "u1", PeriodDaily, 10, core.DailyResetFixed, "", now)
	var rle *core.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "usd_user_daily", rle.LimitType)
}

func TestCheckSpend_UnlimitedWhenLimitZero(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	err := s.CheckSpend(context.Background(), ScopeUser, "u1", PeriodDaily, 0, core.DailyResetFixed, "", time.Now())
	assert.NoError(t, err)
}

func TestCheckRPM_BlocksOverLimit(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CheckRPM(ctx, ScopeUser, "u1", 3, now))
	}

	err := s.CheckRPM(ctx, ScopeUser, "u1", 3, now)
	var rle *core.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "rpm", rle.LimitType)
}

func TestCheckConcurrentSessions_AdmitsUpToLimitThenRejects(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, s.CheckConcurrentSessions(ctx, ScopeKey, "k1", 2))
	require.NoError(t, s.CheckConcurrentSessions(ctx, ScopeKey, "k1", 2))

	err := s.CheckConcurrentSessions(ctx, ScopeKey, "k1", 2)
	var rle *core.RateLimitError
	require.ErrorAs(t, err, &rle)

	require.NoError(t, s.ReleaseConcurrentSession(ctx, ScopeKey, "k1"))
	assert.NoError(t, s.CheckConcurrentSessions(ctx, ScopeKey, "k1", 2))
}

func TestCheckAll_ShortCircuitsOnFirstFailure(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := time.Now()

	user := &core.User{ID: "u1", Limits: core.SpendLimits{Total: 5}}
	key := &core.Key{ID: "k1", UserID: "u1", Limits: core.SpendLimits{Total: 5}}

	require.NoError(t, s.RecordUsage(ctx, user, key, nil, 1, now))
	mr.Set("key:k1:cost_total", "6")

	err := s.CheckAll(ctx, user, key, now)
	var rle *core.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "usd_key_total", rle.LimitType)
}

func TestRecordUsage_TracksKeyUserAndProvider(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := time.Now()

	user := &core.User{ID: "u1"}
	key := &core.Key{ID: "k1"}
	provider := &core.Provider{ID: "p1"}

	require.NoError(t, s.RecordUsage(ctx, user, key, provider, 2.5, now))

	for _, k := range []string{
		"key:k1:cost_5h_rolling",
		"user:u1:cost_5h_rolling",
		"provider:p1:cost_5h_rolling",
	} {
		assert.True(t, mr.Exists(k), "expected key %s to exist", k)
	}
}

// Package ratelimit implements the gateway's Redis-first cost/RPM/
// concurrency accounting, with SQL warm-up on a cold cache so a Redis
// flush never silently bypasses enforcement.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// Period identifies one of the spend windows checked against a Key or User.
type Period string

const (
	// PeriodTotal is the lifetime spend ceiling: a 5-minute-cached SQL
	// aggregate, never incremented by RecordUsage.
	PeriodTotal    Period = "total"
	PeriodFiveHour Period = "5h"
	PeriodDaily    Period = "daily"
	PeriodWeekly   Period = "weekly"
	PeriodMonthly  Period = "monthly"
)

// Scope distinguishes a Key-level counter from a User-level one; both share
// the same storage schemes and key layout, just a different prefix.
type Scope string

const (
	ScopeKey  Scope = "key"
	ScopeUser Scope = "user"
)

// CostSample is one historical spend entry, as read back from SQL to warm a
// cold rolling-window sorted set.
type CostSample struct {
	Timestamp time.Time
	RequestID string
	Cost      float64
}

// Warmer rebuilds a Redis structure from the SQL MessageRequest table when
// the corresponding key is absent — as opposed to present-and-zero — so a
// cache flush cannot silently bypass enforcement.
type Warmer interface {
	// WarmRolling returns every cost sample for scope/id within [since, now]
	// for the given period, to be replayed as ZADD members.
	WarmRolling(ctx context.Context, scope Scope, id string, period Period, since time.Time) ([]CostSample, error)
	// WarmFixed returns the accumulated spend for scope/id since windowStart
	// for the given period, to seed a fixed-window counter.
	WarmFixed(ctx context.Context, scope Scope, id string, period Period, windowStart time.Time) (float64, error)
}

// NoopWarmer never finds SQL history; the caller falls back to 0 on every
// cache miss. New falls back to it when given a nil Warmer, and
// cmd/relaygate uses it when no repository is configured.
type NoopWarmer struct{}

func (NoopWarmer) WarmRolling(context.Context, Scope, string, Period, time.Time) ([]CostSample, error) {
	return nil, nil
}
func (NoopWarmer) WarmFixed(context.Context, Scope, string, Period, time.Time) (float64, error) {
	return 0, nil
}

// Store is the gateway's rate-limit accounting engine.
type Store struct {
	rdb    *redis.Client
	warmer Warmer
	logger *zap.Logger
}

func New(rdb *redis.Client, warmer Warmer, logger *zap.Logger) *Store {
	if warmer == nil {
		warmer = NoopWarmer{}
	}
	return &Store{rdb: rdb, warmer: warmer, logger: logger.With(zap.String("component", "ratelimit"))}
}

func periodWindow(p Period) time.Duration {
	switch p {
	case PeriodFiveHour:
		return 5 * time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

func costKey(scope Scope, id string, period Period, resetSuffix string) string {
	if resetSuffix != "" {
		return fmt.Sprintf("%s:%s:cost_%s_%s", scope, id, period, resetSuffix)
	}
	return fmt.Sprintf("%s:%s:cost_%s", scope, id, period)
}

func rollingKey(scope Scope, id string, period Period) string {
	return fmt.Sprintf("%s:%s:cost_%s_rolling", scope, id, period)
}

func rpmKey(scope Scope, id string) string {
	return fmt.Sprintf("%s:%s:rpm", scope, id)
}

func concurrentKey(scope Scope, id string) string {
	return fmt.Sprintf("%s:%s:concurrent_sessions", scope, id)
}

// sumRollingScript atomically evicts entries older than the window, sums
// the remainder's trailing ":cost" component, and refreshes the key's TTL.
var sumRollingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local members = redis.call('ZRANGE', key, 0, -1)
local sum = 0
for _, m in ipairs(members) do
  local cost = string.match(m, ':([%d%.eE+-]+)$')
  if cost then
    sum = sum + tonumber(cost)
  end
end
if #members > 0 then
  redis.call('EXPIRE', key, ttl)
end
return tostring(sum)
`)

// addRollingScript appends one cost sample to the rolling sorted set.
var addRollingScript = redis.NewScript(`
local key = KEYS[1]
local score = tonumber(ARGV[1])
local member = ARGV[2]
local ttl = tonumber(ARGV[3])
redis.call('ZADD', key, score, member)
redis.call('EXPIRE', key, ttl)
return 1
`)

// incrFixedScript increments a fixed-window counter, setting its TTL only
// on the first write of the window so later increments don't push the
// reset boundary out.
var incrFixedScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local existed = redis.call('EXISTS', key)
local newval = redis.call('INCRBYFLOAT', key, cost)
if existed == 0 then
  redis.call('EXPIRE', key, ttl)
end
return newval
`)

// rollingSpend returns the current rolling-window spend for scope/id,
// warming from SQL on a genuine cache miss (key absent, not present-and-zero).
func (s *Store) rollingSpend(ctx context.Context, scope Scope, id string, period Period, now time.Time) (float64, error) {
	key := rollingKey(scope, id, period)
	window := periodWindow(period)
	ttl := window + time.Hour

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit rolling exists %s: %w", key, err)
	}
	if exists == 0 {
		samples, err := s.warmer.WarmRolling(ctx, scope, id, period, now.Add(-window))
		if err != nil {
			s.logger.Warn("rolling warm-up failed", zap.String("key", key), zap.Error(err))
		}
		for _, sample := range samples {
			member := fmt.Sprintf("%d:%s:%s", sample.Timestamp.UnixMilli(), sample.RequestID, strconv.FormatFloat(sample.Cost, 'f', -1, 64))
			if err := addRollingScript.Run(ctx, s.rdb, []string{key}, sample.Timestamp.UnixMilli(), member, int64(ttl.Seconds())).Err(); err != nil {
				return 0, fmt.Errorf("rate limit rolling warm replay %s: %w", key, err)
			}
		}
	}

	res, err := sumRollingScript.Run(ctx, s.rdb, []string{key}, now.UnixMilli(), window.Milliseconds(), int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit rolling sum %s: %w", key, err)
	}
	sum, _ := strconv.ParseFloat(fmt.Sprint(res), 64)
	return sum, nil
}

// fixedSpend returns the current fixed-window counter for scope/id, warming
// from SQL on a genuine cache miss.
func (s *Store) fixedSpend(ctx context.Context, scope Scope, id string, period Period, resetSuffix string, windowStart, now time.Time) (float64, error) {
	key := costKey(scope, id, period, resetSuffix)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit fixed exists %s: %w", key, err)
	}
	if exists == 0 {
		warm, err := s.warmer.WarmFixed(ctx, scope, id, period, windowStart)
		if err != nil {
			s.logger.Warn("fixed warm-up failed", zap.String("key", key), zap.Error(err))
		}
		if warm != 0 {
			ttl := nextResetBoundary(period, now).Sub(now)
			if err := incrFixedScript.Run(ctx, s.rdb, []string{key}, warm, int64(ttl.Seconds())).Err(); err != nil {
				return 0, fmt.Errorf("rate limit fixed warm replay %s: %w", key, err)
			}
		}
		return warm, nil
	}
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit fixed get %s: %w", key, err)
	}
	f, _ := strconv.ParseFloat(val, 64)
	return f, nil
}

// nextResetBoundary computes the TTL target for a fixed-window counter: the
// next wall-clock daily/weekly/monthly reset from now, or a 5-minute cache
// refresh for the lifetime total.
func nextResetBoundary(period Period, now time.Time) time.Time {
	switch period {
	case PeriodDaily:
		return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	case PeriodWeekly:
		return now.AddDate(0, 0, 7-int(now.Weekday()))
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
	case PeriodTotal:
		return now.Add(5 * time.Minute)
	default:
		return now.Add(time.Hour)
	}
}

// CheckSpend checks one spend limit (a rolling or fixed window depending on
// the period/resetMode combination) and returns a *core.RateLimitError if
// the current cumulative spend is at or beyond the limit. limit <= 0 means
// unlimited.
func (s *Store) CheckSpend(ctx context.Context, scope Scope, id string, period Period, limit float64, resetMode core.DailyResetMode, dailyResetHHMM string, now time.Time) error {
	if limit <= 0 {
		return nil
	}

	rolling := period == PeriodFiveHour || (period == PeriodDaily && resetMode == core.DailyResetRolling)

	var spend float64
	var err error
	if rolling {
		spend, err = s.rollingSpend(ctx, scope, id, period, now)
	} else {
		suffix := ""
		if period == PeriodDaily && dailyResetHHMM != "" {
			suffix = dailyResetHHMM
		}
		spend, err = s.fixedSpend(ctx, scope, id, period, suffix, fixedWindowStart(period, now), now)
	}
	if err != nil {
		return err
	}

	if spend >= limit {
		return &core.RateLimitError{
			LimitType:    fmt.Sprintf("usd_%s_%s", scope, period),
			CurrentUsage: spend,
			LimitValue:   limit,
			ResetTime:    nextResetBoundary(period, now).Format(time.RFC3339),
		}
	}
	return nil
}

func fixedWindowStart(period Period, now time.Time) time.Time {
	switch period {
	case PeriodDaily:
		return now.Truncate(24 * time.Hour)
	case PeriodWeekly:
		return now.AddDate(0, 0, -int(now.Weekday()))
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return now
	}
}

// CheckRPM enforces a per-60-second request rate, counting timestamps in a
// sorted set keyed by scope/id. limit <= 0 means unlimited.
func (s *Store) CheckRPM(ctx context.Context, scope Scope, id string, limit int, now time.Time) error {
	if limit <= 0 {
		return nil
	}
	key := rpmKey(scope, id)
	count, err := countRecentScript.Run(ctx, s.rdb, []string{key}, now.UnixMilli(), time.Minute.Milliseconds(), int64((2 * time.Minute).Seconds())).Result()
	if err != nil {
		return fmt.Errorf("rate limit rpm %s: %w", key, err)
	}
	n, _ := count.(int64)
	if int(n) > limit {
		return &core.RateLimitError{
			LimitType:    "rpm",
			CurrentUsage: float64(n),
			LimitValue:   float64(limit),
			ResetTime:    now.Add(time.Minute).Format(time.RFC3339),
		}
	}
	return nil
}

// countRecentScript evicts timestamps older than the window, appends the
// current request's timestamp, and returns the surviving count.
var countRecentScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
redis.call('EXPIRE', key, ttl)
redis.call('EXPIRE', key .. ':seq', ttl)
return redis.call('ZCARD', key)
`)

// admitConcurrentScript atomically checks and increments a concurrent
// session counter, rejecting if it is already at the cap.
var admitConcurrentScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
if limit <= 0 then
  redis.call('INCR', key)
  return 1
end
local current = tonumber(redis.call('GET', key) or '0')
if current >= limit then
  return 0
end
redis.call('INCR', key)
return 1
`)

// CheckConcurrentSessions atomically admits a new in-flight session for
// scope/id against limit (<= 0 means unlimited), incrementing on success.
// Callers must call ReleaseConcurrentSession when the request completes.
func (s *Store) CheckConcurrentSessions(ctx context.Context, scope Scope, id string, limit int) error {
	key := concurrentKey(scope, id)
	res, err := admitConcurrentScript.Run(ctx, s.rdb, []string{key}, limit).Result()
	if err != nil {
		return fmt.Errorf("rate limit concurrent sessions %s: %w", key, err)
	}
	allowed, _ := res.(int64)
	if allowed == 0 {
		current, _ := s.rdb.Get(ctx, key).Result()
		cur, _ := strconv.ParseFloat(current, 64)
		return &core.RateLimitError{
			LimitType:    fmt.Sprintf("concurrent_sessions_%s", scope),
			CurrentUsage: cur,
			LimitValue:   float64(limit),
			ResetTime:    time.Now().Format(time.RFC3339),
		}
	}
	return nil
}

// ReleaseConcurrentSession decrements the in-flight counter once a request
// finishes, whatever the outcome.
func (s *Store) ReleaseConcurrentSession(ctx context.Context, scope Scope, id string) error {
	return s.rdb.Decr(ctx, concurrentKey(scope, id)).Err()
}

// CheckAll runs the fixed twelve-step admission order against a resolved
// user/key pair, short-circuiting on the first failing limit.
func (s *Store) CheckAll(ctx context.Context, user *core.User, key *core.Key, now time.Time) error {
	steps := []func() error{
		func() error { return s.CheckSpend(ctx, ScopeKey, key.ID, PeriodTotal, key.Limits.Total, "", "", now) },
		func() error { return s.CheckSpend(ctx, ScopeUser, user.ID, PeriodTotal, user.Limits.Total, "", "", now) },
		func() error {
			return s.CheckConcurrentSessions(ctx, ScopeKey, key.ID, key.LimitConcurrentSessions)
		},
		func() error { return s.CheckRPM(ctx, ScopeUser, user.ID, user.RPM, now) },
		func() error { return s.CheckSpend(ctx, ScopeKey, key.ID, PeriodFiveHour, key.Limits.FiveHour, "", "", now) },
		func() error { return s.CheckSpend(ctx, ScopeUser, user.ID, PeriodFiveHour, user.Limits.FiveHour, "", "", now) },
		func() error {
			return s.CheckSpend(ctx, ScopeKey, key.ID, PeriodDaily, key.Limits.Daily, key.DailyResetMode, key.DailyResetTime, now)
		},
		func() error {
			return s.CheckSpend(ctx, ScopeUser, user.ID, PeriodDaily, user.Limits.Daily, user.DailyResetMode, user.DailyResetTime, now)
		},
		func() error { return s.CheckSpend(ctx, ScopeKey, key.ID, PeriodWeekly, key.Limits.Weekly, "", "", now) },
		func() error { return s.CheckSpend(ctx, ScopeUser, user.ID, PeriodWeekly, user.Limits.Weekly, "", "", now) },
		func() error { return s.CheckSpend(ctx, ScopeKey, key.ID, PeriodMonthly, key.Limits.Monthly, "", "", now) },
		func() error { return s.CheckSpend(ctx, ScopeUser, user.ID, PeriodMonthly, user.Limits.Monthly, "", "", now) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// RecordUsage performs the post-success tracking: per-key, per-user and
// per-provider increments across the four period families (5h, daily,
// weekly, monthly), using each entity's own reset config.
func (s *Store) RecordUsage(ctx context.Context, user *core.User, key *core.Key, provider *core.Provider, cost float64, now time.Time) error {
	requestID := uuid.NewString()

	record := func(scope Scope, id string, resetMode core.DailyResetMode, resetHHMM string) error {
		periods := []Period{PeriodFiveHour, PeriodDaily, PeriodWeekly, PeriodMonthly}
		for _, p := range periods {
			if p == PeriodFiveHour || (p == PeriodDaily && resetMode == core.DailyResetRolling) {
				rk := rollingKey(scope, id, p)
				ttl := periodWindow(p) + time.Hour
				member := fmt.Sprintf("%d:%s:%s", now.UnixMilli(), requestID, strconv.FormatFloat(cost, 'f', -1, 64))
				if err := addRollingScript.Run(ctx, s.rdb, []string{rk}, now.UnixMilli(), member, int64(ttl.Seconds())).Err(); err != nil {
					return fmt.Errorf("rate limit usage rolling %s: %w", rk, err)
				}
				continue
			}
			suffix := ""
			if p == PeriodDaily && resetHHMM != "" {
				suffix = resetHHMM
			}
			ck := costKey(scope, id, p, suffix)
			ttl := nextResetBoundary(p, now).Sub(now)
			if err := incrFixedScript.Run(ctx, s.rdb, []string{ck}, cost, int64(ttl.Seconds())).Err(); err != nil {
				return fmt.Errorf("rate limit usage fixed %s: %w", ck, err)
			}
		}
		return nil
	}

	if key != nil {
		if err := record(ScopeKey, key.ID, key.DailyResetMode, key.DailyResetTime); err != nil {
			return err
		}
	}
	if user != nil {
		if err := record(ScopeUser, user.ID, user.DailyResetMode, user.DailyResetTime); err != nil {
			return err
		}
	}
	if provider != nil {
		if err := record("provider", provider.ID, provider.DailyResetMode, provider.DailyResetTime); err != nil {
			return err
		}
	}
	return nil
}

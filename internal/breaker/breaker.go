// Package breaker implements the gateway's per-provider circuit breaker.
// Unlike a single-process breaker, gateway instances share provider health
// through Redis so that a provider tripped on one instance is seen as open
// on every other instance immediately.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// State is the circuit breaker's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls the breaker's thresholds. Defaults mirror the values a
// single-process breaker would use, scaled for a shared provider pool.
type Config struct {
	Threshold        int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

var (
	ErrCircuitOpen            = errors.New("circuit breaker open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls while half-open")
)

// Status is the observable state returned by Check and used to populate a
// provider chain item's circuit fields.
type Status struct {
	State        State
	FailureCount int
	Threshold    int
}

// Breaker is a Redis-backed circuit breaker keyed by provider ID. It
// mirrors the closed → open → half-open state machine of an in-process
// breaker, but every transition is computed atomically in a Lua script so
// concurrent gateway instances agree on the outcome.
type Breaker struct {
	rdb    *redis.Client
	config *Config
	logger *zap.Logger
}

func New(rdb *redis.Client, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	return &Breaker{rdb: rdb, config: config, logger: logger.With(zap.String("component", "breaker"))}
}

func stateKey(providerID string) string {
	return "endpoint_circuit_breaker:state:" + providerID
}

// checkScript atomically reads the current state and, if Open, decides
// whether enough time has passed to admit a half-open probe; if HalfOpen,
// enforces the concurrent-probe cap. Returns {allowed(0/1), state,
// failure_count}.
var checkScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local reset_timeout = tonumber(ARGV[2])
local half_open_max = tonumber(ARGV[3])

local state = redis.call('HGET', key, 'state') or 'closed'
local failures = tonumber(redis.call('HGET', key, 'failure_count') or '0')
local last_failure = tonumber(redis.call('HGET', key, 'last_failure') or '0')
local half_open_calls = tonumber(redis.call('HGET', key, 'half_open_calls') or '0')

if state == 'open' then
  if (now - last_failure) > reset_timeout then
    state = 'half_open'
    half_open_calls = 0
    redis.call('HSET', key, 'state', state, 'half_open_calls', 0)
  else
    return {0, state, failures}
  end
end

if state == 'half_open' then
  if half_open_calls >= half_open_max then
    return {0, state, failures}
  end
  redis.call('HINCRBY', key, 'half_open_calls', 1)
end

return {1, state, failures}
`)

// Check reports whether a call to this provider may proceed right now,
// advancing Open → HalfOpen when the reset timeout has elapsed.
func (b *Breaker) Check(ctx context.Context, providerID string) (Status, error) {
	res, err := checkScript.Run(ctx, b.rdb, []string{stateKey(providerID)},
		time.Now().UnixMilli(), b.config.ResetTimeout.Milliseconds(), b.config.HalfOpenMaxCalls,
	).Result()
	if err != nil {
		return Status{}, fmt.Errorf("circuit breaker check for %s: %w", providerID, err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Status{}, fmt.Errorf("circuit breaker check for %s: unexpected script result", providerID)
	}
	allowed, _ := vals[0].(int64)
	state := State(fmt.Sprint(vals[1]))
	failures, _ := vals[2].(int64)

	status := Status{State: state, FailureCount: int(failures), Threshold: b.config.Threshold}
	if allowed == 0 {
		if state == StateHalfOpen {
			return status, ErrTooManyCallsInHalfOpen
		}
		return status, ErrCircuitOpen
	}
	return status, nil
}

// RecordSuccess resets the breaker to Closed. Per PROVIDER_ERROR-only
// feeding (core.ErrorKind.FeedsCircuitBreaker), callers should only invoke
// RecordFailure for genuine provider errors and empty responses.
func (b *Breaker) RecordSuccess(ctx context.Context, providerID string) error {
	key := stateKey(providerID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", string(StateClosed), "failure_count", 0, "half_open_calls", 0)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("circuit breaker record success for %s: %w", providerID, err)
	}
	return nil
}

// recordFailureScript increments the failure count and, crossing the
// threshold (or failing while half-open), trips the breaker open.
var recordFailureScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state') or 'closed'
local failures = tonumber(redis.call('HINCRBY', key, 'failure_count', 1))
redis.call('HSET', key, 'last_failure', now_ms)

if state == 'half_open' then
  redis.call('HSET', key, 'state', 'open', 'half_open_calls', 0)
  return {'open', failures}
end

if failures >= threshold then
  redis.call('HSET', key, 'state', 'open')
  return {'open', failures}
end

return {state, failures}
`)

// RecordFailure increments the failure count and trips the breaker open if
// the threshold is crossed, or immediately on any half-open failure.
func (b *Breaker) RecordFailure(ctx context.Context, providerID string) (Status, error) {
	res, err := recordFailureScript.Run(ctx, b.rdb, []string{stateKey(providerID)},
		time.Now().UnixMilli(), b.config.Threshold,
	).Result()
	if err != nil {
		return Status{}, fmt.Errorf("circuit breaker record failure for %s: %w", providerID, err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Status{}, fmt.Errorf("circuit breaker record failure for %s: unexpected script result", providerID)
	}
	state := State(fmt.Sprint(vals[0]))
	failures, _ := vals[1].(int64)
	status := Status{State: state, FailureCount: int(failures), Threshold: b.config.Threshold}
	if state == StateOpen {
		b.logger.Warn("circuit breaker open",
			zap.String("provider_id", providerID),
			zap.Int("failure_count", status.FailureCount),
			zap.Int("threshold", status.Threshold),
		)
	}
	return status, nil
}

// Reset forces a provider's breaker back to Closed, for manual recovery.
func (b *Breaker) Reset(ctx context.Context, providerID string) error {
	return b.RecordSuccess(ctx, providerID)
}

// StateOf reads the current state without advancing Open → HalfOpen.
func (b *Breaker) StateOf(ctx context.Context, providerID string) (Status, error) {
	key := stateKey(providerID)
	raw := b.rdb.HGetAll(ctx, key)
	vals, err := raw.Result()
	if err != nil {
		return Status{}, fmt.Errorf("circuit breaker state for %s: %w", providerID, err)
	}
	state := StateClosed
	if s, ok := vals["state"]; ok && s != "" {
		state = State(s)
	}
	var failures int
	if s, ok := vals["failure_count"]; ok {
		fmt.Sscanf(s, "%d", &failures)
	}
	return Status{State: state, FailureCount: failures, Threshold: b.config.Threshold}, nil
}

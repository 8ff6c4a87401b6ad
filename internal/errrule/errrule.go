// Package errrule implements the hot-reloaded error-rule table: a list of
// content matchers that can reclassify an upstream failure as
// non-retryable and/or rewrite the status code and body the client sees.
package errrule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// ErrorRulesUpdatedChannel is the Redis pub/sub channel the config service
// publishes to after the error-rules source file changes.
const ErrorRulesUpdatedChannel = "cch:cache:error_rules:updated"

const matchTimeout = 50 * time.Millisecond

// Rule is one content matcher. Pattern is matched against the upstream
// body first, falling back to the message, as a plain substring unless
// IsRegex is set.
type Rule struct {
	ID                 string
	Pattern            string
	IsRegex            bool
	MarkNonRetryable   bool
	OverrideStatusCode int
	OverrideResponse   map[string]any

	compiled *regexp2.Regexp
}

// MatchResult is what Match returns: whether a rule fired, and any
// overrides it carries.
type MatchResult struct {
	Matched            bool
	MarkNonRetryable   bool
	OverrideStatusCode int
	OverrideResponse   map[string]any
}

// Engine holds the active rule set and a per-error match cache so the same
// *core.ProxyError is only evaluated once however often Match is called.
// The router's forward-error path is the only caller; the Forwarder's
// retry classification does not consult the engine, so MarkNonRetryable
// has no effect on retries.
type Engine struct {
	mu     sync.RWMutex
	rules  []*Rule
	cache  sync.Map // *core.ProxyError -> MatchResult
	logger *zap.Logger
}

func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.With(zap.String("component", "error_rules"))}
}

// Load compiles and installs a new rule set, replacing whatever was
// active. Regex patterns are pre-compiled with a bounded match timeout;
// override status codes are clamped to [400,599].
func (e *Engine) Load(rules []Rule) error {
	compiled := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if r.IsRegex {
			re, err := regexp2.Compile(r.Pattern, regexp2.None)
			if err != nil {
				return fmt.Errorf("compile error rule %q: %w", r.ID, err)
			}
			re.MatchTimeout = matchTimeout
			r.compiled = re
		}
		if r.OverrideStatusCode != 0 {
			r.OverrideStatusCode = clampStatus(r.OverrideStatusCode)
		}
		compiled = append(compiled, &r)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	e.cache = sync.Map{}
	return nil
}

// Match evaluates perr against the active rule set, preferring the
// upstream body and falling back to the message, caching the result per
// error object for the lifetime of that error.
func (e *Engine) Match(perr *core.ProxyError) MatchResult {
	if perr == nil {
		return MatchResult{}
	}
	if v, ok := e.cache.Load(perr); ok {
		return v.(MatchResult)
	}

	text := perr.Body
	if text == "" {
		text = perr.Message
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if r.matches(text) {
			res := MatchResult{
				Matched:            true,
				MarkNonRetryable:   r.MarkNonRetryable,
				OverrideStatusCode: r.OverrideStatusCode,
				OverrideResponse:   r.OverrideResponse,
			}
			e.cache.Store(perr, res)
			return res
		}
	}
	res := MatchResult{}
	e.cache.Store(perr, res)
	return res
}

func (r *Rule) matches(text string) bool {
	if r.IsRegex {
		if r.compiled == nil {
			return false
		}
		ok, err := r.compiled.MatchString(text)
		return err == nil && ok
	}
	return strings.Contains(text, r.Pattern)
}

func clampStatus(status int) int {
	if status < 400 {
		return 400
	}
	if status > 599 {
		return 599
	}
	return status
}

// Subscribe listens on ErrorRulesUpdatedChannel and calls reload whenever a
// message arrives, until ctx is canceled. Intended to run as a background
// goroutine from cmd/relaygate's startup sequence.
func (e *Engine) Subscribe(ctx context.Context, rdb *redis.Client, reload func() ([]Rule, error)) {
	if rdb == nil {
		return
	}
	sub := rdb.Subscribe(ctx, ErrorRulesUpdatedChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			rules, err := reload()
			if err != nil {
				e.logger.Warn("error rule reload failed", zap.Error(err))
				continue
			}
			if err := e.Load(rules); err != nil {
				e.logger.Warn("error rule compile failed", zap.Error(err))
				continue
			}
			e.logger.Info("error rules reloaded", zap.Int("count", len(rules)))
		}
	}
}

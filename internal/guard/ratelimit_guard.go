package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/relaygate/relaygate/core"
)

// RateLimitGuard runs the spend/RPM/concurrency checks for the
// authenticated key and user, converting a *core.RateLimitError into the
// standard 429 (rpm, concurrent_sessions) or 402 (spend limits) response.
func RateLimitGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if deps.RateLimit == nil || s.Auth.User == nil || s.Auth.Key == nil {
		return nil, nil
	}

	if err := deps.RateLimit.CheckAll(ctx, s.Auth.User, s.Auth.Key, s.StartedAt); err != nil {
		var rle *core.RateLimitError
		if errors.As(err, &rle) {
			return rateLimitOutcome(rle), nil
		}
		return errorOutcome(http.StatusInternalServerError, core.ResponseInvalidRequestError, "rate limit check failed"), nil
	}
	return nil, nil
}

func rateLimitOutcome(rle *core.RateLimitError) *Outcome {
	status := http.StatusTooManyRequests
	if rle.IsSpendLimit() {
		status = http.StatusPaymentRequired
	}

	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", fmt.Sprintf("%g", rle.LimitValue))
	headers.Set("X-RateLimit-Remaining", fmt.Sprintf("%g", max0(rle.LimitValue-rle.CurrentUsage)))
	headers.Set("X-RateLimit-Reset", rle.ResetTime)
	headers.Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(rle)))

	return &Outcome{
		StatusCode: status,
		Headers:    headers,
		Body: map[string]any{
			"error": map[string]any{
				"type":          core.ResponseRateLimitError,
				"message":       rle.Error(),
				"limit_type":    rle.LimitType,
				"current_usage": rle.CurrentUsage,
				"limit_value":   rle.LimitValue,
				"reset_time":    rle.ResetTime,
			},
		},
	}
}

func max0(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// retryAfterSeconds is a coarse fallback; rpm limits reset inside a
// minute so clients are told to wait that long rather than parsing the
// ISO reset time themselves.
func retryAfterSeconds(rle *core.RateLimitError) int {
	if rle.IsSpendLimit() {
		return 3600
	}
	return 60
}

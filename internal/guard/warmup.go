package guard

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/relaygate/relaygate/core"
)

// WarmupGuard is off by default (config.GatewayConfig.WarmupEnabled). When
// enabled it detects an Anthropic client's connectivity warmup probe and
// answers locally with a minimal, zero-token Messages response, without
// touching budgets, concurrency, or providers.
func WarmupGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if !deps.Config.WarmupEnabled {
		return nil, nil
	}
	if !isWarmupProbe(s) {
		return nil, nil
	}

	return &Outcome{
		StatusCode: 200,
		Body: map[string]any{
			"id":          "msg_cch_" + randomHex(12),
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{},
			"model":       s.Model,
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}, nil
}

// isWarmupProbe recognizes the claude-format connectivity check: a body
// whose messages normalize to exactly one user message with empty text.
// The system prompt and the request headers are not examined.
func isWarmupProbe(s *core.Session) bool {
	if s.OriginalFormat != core.FormatClaude {
		return false
	}
	messages := core.NormalizedMessages(s.Body, s.OriginalFormat)
	if len(messages) != 1 {
		return false
	}
	return messages[0].Role == "user" && messages[0].Text == ""
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000000000"
	}
	return hex.EncodeToString(b)
}

package guard

import (
	"context"
	"strings"

	"github.com/relaygate/relaygate/core"
)

// ModelGuard rejects a request whose model isn't in the user's
// AllowedModels whitelist, when one is configured.
func ModelGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if s.Auth.User == nil || len(s.Auth.User.AllowedModels) == 0 {
		return nil, nil
	}
	for _, allowed := range s.Auth.User.AllowedModels {
		if strings.EqualFold(allowed, s.Model) {
			return nil, nil
		}
	}
	return errorOutcome(400, core.ResponseInvalidRequestError, "model not allowed for this account"), nil
}

// VersionGuard is a placeholder for dialect-specific version validation
// (e.g. requiring anthropic-version on claude-format requests); relaygate
// currently accepts any version header and lets the upstream provider
// reject an unsupported one.
func VersionGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	return nil, nil
}

// ProbeGuard answers the CLI's capability probe ("foo" or "count" as the
// sole user turn) locally without touching providers or budgets.
func ProbeGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	messages := core.NormalizedMessages(s.Body, s.OriginalFormat)
	if len(messages) != 1 || messages[0].Role != "user" {
		return nil, nil
	}
	text := strings.ToLower(strings.TrimSpace(messages[0].Text))
	if text != "foo" && text != "count" {
		return nil, nil
	}
	return &Outcome{StatusCode: 200, Body: map[string]any{"input_tokens": 0}}, nil
}

package guard

import (
	"context"
	"regexp"
	"strings"

	"github.com/relaygate/relaygate/core"
)

// claudeCLIUserAgents lists the substrings a genuine Claude Code CLI
// identifies itself with.
var claudeCLIUserAgents = []string{"claude-cli", "claude-code"}

const claudeCodeSystemMarker = "You are Claude Code, Anthropic's official CLI for Claude"

var claudeCLISessionID = regexp.MustCompile(`^user_[a-f0-9]{64}_account__session_[a-f0-9-]{36}$`)

// disguisedGroupTag is where non-CLI claude-format requests are force-routed.
const disguisedGroupTag = "2api"

// ClientGuard only inspects claude-format requests. It force-routes
// non-CLI Claude clients to a dedicated provider group and, when the user
// configured AllowedClients, enforces a substring match against the
// request's User-Agent.
func ClientGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if s.OriginalFormat != core.FormatClaude {
		return nil, nil
	}

	if s.Auth.User != nil && len(s.Auth.User.AllowedClients) > 0 {
		ua := s.Headers.Get("User-Agent")
		if !matchesAnyClientPattern(ua, s.Auth.User.AllowedClients) {
			return errorOutcome(403, core.ResponseInvalidRequestError, "client not allowed"), nil
		}
	}

	if isClaudeCLI(s) {
		return nil, nil
	}

	s.NeedsClaudeDisguise = true
	s.GroupOverride = disguisedGroupTag
	return nil, nil
}

// isClaudeCLI reports whether this claude-format request came from the
// genuine Claude Code CLI: a recognized User-Agent, a system prompt
// containing the exact CLI marker string, and a metadata.user_id matching
// the CLI's session-id shape.
func isClaudeCLI(s *core.Session) bool {
	ua := strings.ToLower(s.Headers.Get("User-Agent"))
	matchedUA := false
	for _, known := range claudeCLIUserAgents {
		if strings.Contains(ua, known) {
			matchedUA = true
			break
		}
	}
	if !matchedUA {
		return false
	}

	hasMarker := false
	for _, system := range core.SystemPrompts(s.Body) {
		if strings.Contains(system, claudeCodeSystemMarker) {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return false
	}

	metadata, _ := s.Body["metadata"].(map[string]any)
	userID, _ := metadata["user_id"].(string)
	return claudeCLISessionID.MatchString(userID)
}

// matchesAnyClientPattern does a case-insensitive substring match with
// hyphens and underscores stripped from both the UA and the patterns.
func matchesAnyClientPattern(ua string, patterns []string) bool {
	normalizedUA := normalizeClientString(ua)
	for _, p := range patterns {
		if strings.Contains(normalizedUA, normalizeClientString(p)) {
			return true
		}
	}
	return false
}

func normalizeClientString(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

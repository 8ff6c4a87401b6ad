package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// sessionSnapshotTTL is how long a request's snapshot (masked headers, body
// as received) remains readable under sess:<id>:<seq>:* for live debugging.
const sessionSnapshotTTL = 10 * time.Minute

// SessionGuard resolves the session id (client-provided or the
// deterministic fallback), atomically advances its per-session request
// sequence in Redis, and snapshots the request for live inspection:
// sensitive headers are masked, while the body is stored as received,
// without redaction.
func SessionGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	sessionID := extractClientSessionID(s.Body, s.OriginalFormat)
	if sessionID == "" {
		sessionID = core.GenerateDeterministicSessionID(s.Headers.Get("User-Agent"), firstForwardedIP(s.Headers.Get("X-Forwarded-For")), s.Auth.RawKey)
	}
	s.SessionID = sessionID

	if sessionID == "" || deps.RDB == nil {
		s.NextSequence()
		return nil, nil
	}

	seqKey := fmt.Sprintf("sess:%s:seq", sessionID)
	n, err := deps.RDB.Incr(ctx, seqKey).Result()
	if err != nil {
		deps.Logger.Warn("session sequence increment failed", zap.String("session_id", sessionID), zap.Error(err))
		s.NextSequence()
		return nil, nil
	}
	s.NextSequence()

	snapshot := map[string]any{
		"headers": core.MaskSensitiveHeaders(flattenHeaders(s.Headers)),
		"body":    s.Body,
		"model":   s.Model,
	}
	if raw, err := json.Marshal(snapshot); err == nil {
		key := fmt.Sprintf("sess:%s:%d:request", sessionID, n)
		if err := deps.RDB.Set(ctx, key, raw, sessionSnapshotTTL).Err(); err != nil {
			deps.Logger.Warn("session snapshot write failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	return nil, nil
}

// extractClientSessionID reads metadata.session_id (claude/openai shape) or
// a top-level session_id field as a format-agnostic fallback.
func extractClientSessionID(body map[string]any, _ core.FormatDialect) string {
	if metadata, ok := body["metadata"].(map[string]any); ok {
		if id, ok := metadata["session_id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := body["session_id"].(string); ok && id != "" {
		return id
	}
	return ""
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// firstForwardedIP mirrors core.FirstForwardedIP's parsing against an
// already-extracted header value, since the guard only has s.Headers, not
// the original *http.Request.
func firstForwardedIP(xff string) string {
	if xff == "" {
		return ""
	}
	if idx := strings.IndexByte(xff, ','); idx >= 0 {
		return strings.TrimSpace(xff[:idx])
	}
	return strings.TrimSpace(xff)
}

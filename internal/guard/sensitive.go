package guard

import (
	"context"
	"strings"
	"sync"

	"github.com/relaygate/relaygate/core"
)

// SensitiveWordMatcher is a hot-reloadable list of substrings checked
// against a request's flattened message text before provider selection.
type SensitiveWordMatcher struct {
	mu      sync.RWMutex
	words   []string
	message string
}

func NewSensitiveWordMatcher() *SensitiveWordMatcher {
	return &SensitiveWordMatcher{message: "request content not allowed"}
}

// Load replaces the active word list and rejection message, used by the
// config hot-reload path.
func (m *SensitiveWordMatcher) Load(words []string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words = words
	if message != "" {
		m.message = message
	}
}

// Find returns the first configured word present in text, case-insensitive,
// or "" if none match.
func (m *SensitiveWordMatcher) Find(text string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lower := strings.ToLower(text)
	for _, w := range m.words {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return w
		}
	}
	return ""
}

func (m *SensitiveWordMatcher) rejectMessage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message
}

// SensitiveWordGuard rejects a request whose flattened message text
// contains a configured sensitive word.
func SensitiveWordGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	if deps.Sensitive == nil {
		return nil, nil
	}
	messages := core.NormalizedMessages(s.Body, s.OriginalFormat)
	text := core.FlattenedText(messages)
	for _, system := range core.SystemPrompts(s.Body) {
		text += "\n" + system
	}
	if hit := deps.Sensitive.Find(text); hit != "" {
		return errorOutcome(400, core.ResponseInvalidRequestError, deps.Sensitive.rejectMessage()), nil
	}
	return nil, nil
}

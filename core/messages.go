package core

import "strings"

// NormalizedMessage is one conversational turn, flattened to plain text
// regardless of which wire dialect it arrived in.
type NormalizedMessage struct {
	Role string
	Text string
}

// NormalizedMessages extracts a format-agnostic message list from a decoded
// request body: claude/openai "messages", response-format "input", or
// gemini "contents" (optionally nested under "request").
func NormalizedMessages(body map[string]any, format FormatDialect) []NormalizedMessage {
	switch format {
	case FormatGemini, FormatGeminiCLI:
		contents, _ := body["contents"].([]any)
		if contents == nil {
			if nested, ok := body["request"].(map[string]any); ok {
				contents, _ = nested["contents"].([]any)
			}
		}
		return normalizeGeminiContents(contents)
	case FormatResponse:
		input, ok := body["input"].([]any)
		if !ok {
			if s, ok := body["input"].(string); ok {
				return []NormalizedMessage{{Role: "user", Text: s}}
			}
			return nil
		}
		return normalizeChatMessages(input)
	default:
		messages, _ := body["messages"].([]any)
		return normalizeChatMessages(messages)
	}
}

func normalizeChatMessages(raw []any) []NormalizedMessage {
	out := make([]NormalizedMessage, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		out = append(out, NormalizedMessage{Role: role, Text: flattenContent(m["content"])})
	}
	return out
}

func normalizeGeminiContents(raw []any) []NormalizedMessage {
	out := make([]NormalizedMessage, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		parts, _ := m["parts"].([]any)
		var b strings.Builder
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := pm["text"].(string); ok {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(text)
			}
		}
		out = append(out, NormalizedMessage{Role: role, Text: b.String()})
	}
	return out
}

// flattenContent handles both the plain-string and content-block-array
// shapes every chat-style dialect allows for a message's "content" field.
func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, block := range v {
			bm, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := bm["text"].(string); ok {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(text)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// SystemPrompts extracts the claude-format top-level "system" field, which
// may be a plain string or an array of content blocks.
func SystemPrompts(body map[string]any) []string {
	switch v := body["system"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, block := range v {
			bm, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := bm["text"].(string); ok && text != "" {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}

// FlattenedText joins every normalized message's text with newlines, the
// shape the sensitive-word guard scans.
func FlattenedText(messages []NormalizedMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

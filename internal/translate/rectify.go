package translate

// RectifyThinkingSignature strips thinking/redacted_thinking blocks and any
// signature field on non-thinking blocks from a claude-format request body,
// and drops the top-level thinking config when the last assistant message
// doesn't start with a thinking block but contains a tool_use. This is the
// one-shot repair applied before a same-provider retry when the upstream
// rejects a thinking signature as invalid or missing.
func RectifyThinkingSignature(body map[string]any) map[string]any {
	messages, ok := body["messages"].([]any)
	if !ok {
		return body
	}

	out := make([]any, len(messages))
	for i, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			out[i] = raw
			continue
		}
		out[i] = rectifyMessage(msg)
	}
	body["messages"] = out

	if lastAssistantNeedsThinkingDropped(out) {
		delete(body, "thinking")
	}
	return body
}

func rectifyMessage(msg map[string]any) map[string]any {
	content, ok := msg["content"].([]any)
	if !ok {
		return msg
	}
	kept := make([]any, 0, len(content))
	for _, raw := range content {
		block, ok := raw.(map[string]any)
		if !ok {
			kept = append(kept, raw)
			continue
		}
		if t, _ := block["type"].(string); t == "thinking" || t == "redacted_thinking" {
			continue
		}
		delete(block, "signature")
		kept = append(kept, block)
	}
	msg["content"] = kept
	return msg
}

func lastAssistantNeedsThinkingDropped(messages []any) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok || len(content) == 0 {
			return false
		}
		first, ok := content[0].(map[string]any)
		startsWithThinking := ok && first["type"] == "thinking"
		hasToolUse := false
		for _, raw := range content {
			if block, ok := raw.(map[string]any); ok {
				if t, _ := block["type"].(string); t == "tool_use" {
					hasToolUse = true
					break
				}
			}
		}
		return !startsWithThinking && hasToolUse
	}
	return false
}

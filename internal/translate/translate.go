// Package translate converts a request/response body between the five wire
// dialects relaygate speaks: Claude Messages, OpenAI Chat Completions,
// OpenAI Responses (Codex), Gemini, and Gemini CLI. Translation operates on
// the already-decoded map[string]any body, the same representation
// core.Session carries end to end.
package translate

import (
	"github.com/relaygate/relaygate/core"
)

// Translate converts body from one client/provider dialect to another. A
// same-dialect call is a no-op returning body unchanged, since pass-through
// is always preferred over a lossy round trip.
func Translate(body map[string]any, from, to core.FormatDialect) map[string]any {
	if from == to || body == nil {
		return body
	}
	// Normalize through an intermediate "canonical" shape: claude-style
	// {system, messages:[{role, content}]}. Every dialect translator below
	// reads/writes that shape so N formats only need N pairs of
	// converters, not N^2.
	canonical := toCanonical(body, from)
	return fromCanonical(canonical, to)
}

// canonicalRequest is the claude-shaped intermediate representation every
// translation passes through.
type canonicalRequest struct {
	System        []string
	Messages      []core.NormalizedMessage
	Model         string
	MaxTokens     any
	Stream        bool
	Tools         any
	ThinkingBudget any
}

func toCanonical(body map[string]any, from core.FormatDialect) canonicalRequest {
	c := canonicalRequest{
		System:   core.SystemPrompts(body),
		Messages: core.NormalizedMessages(body, from),
	}
	if m, ok := body["model"].(string); ok {
		c.Model = m
	}
	if mt, ok := body["max_tokens"]; ok {
		c.MaxTokens = mt
	}
	if s, ok := body["stream"].(bool); ok {
		c.Stream = s
	}
	if t, ok := body["tools"]; ok {
		c.Tools = t
	}

	switch from {
	case core.FormatResponse:
		if reasoning, ok := body["reasoning"].(map[string]any); ok {
			if effort, ok := reasoning["effort"].(string); ok {
				c.ThinkingBudget = effortToBudgetTokens(effort)
			}
		}
	case core.FormatClaude:
		if thinking, ok := body["thinking"].(map[string]any); ok {
			if budget, ok := thinking["budget_tokens"]; ok {
				c.ThinkingBudget = budget
			}
		}
	}
	return c
}

func fromCanonical(c canonicalRequest, to core.FormatDialect) map[string]any {
	out := map[string]any{
		"model": c.Model,
	}

	msgs := make([]map[string]any, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Text})
	}

	switch to {
	case core.FormatClaude:
		if len(c.System) == 1 {
			out["system"] = c.System[0]
		} else if len(c.System) > 1 {
			out["system"] = c.System
		}
		out["messages"] = msgs
		if c.MaxTokens != nil {
			out["max_tokens"] = c.MaxTokens
		}
		if c.ThinkingBudget != nil {
			out["thinking"] = map[string]any{"type": "enabled", "budget_tokens": c.ThinkingBudget}
		}

	case core.FormatOpenAIChat:
		all := make([]map[string]any, 0, len(c.System)+len(msgs))
		for _, sys := range c.System {
			all = append(all, map[string]any{"role": "system", "content": sys})
		}
		all = append(all, msgs...)
		out["messages"] = all
		if c.MaxTokens != nil {
			out["max_tokens"] = c.MaxTokens
		}
		out["stream"] = c.Stream

	case core.FormatResponse:
		input := make([]map[string]any, 0, len(c.System)+len(msgs))
		for _, sys := range c.System {
			input = append(input, map[string]any{"role": "system", "content": sys})
		}
		input = append(input, msgs...)
		out["input"] = input
		// Codex forces these regardless of what the client asked for.
		out["stream"] = true
		out["store"] = false
		out["parallel_tool_calls"] = true
		delete(out, "max_tokens")
		if c.ThinkingBudget != nil {
			out["reasoning"] = map[string]any{"effort": budgetTokensToEffort(c.ThinkingBudget)}
		}

	case core.FormatGemini, core.FormatGeminiCLI:
		contents := make([]map[string]any, 0, len(c.Messages))
		for _, m := range c.Messages {
			role := m.Role
			if role == "assistant" {
				role = "model"
			}
			contents = append(contents, map[string]any{
				"role":  role,
				"parts": []map[string]any{{"text": m.Text}},
			})
		}
		out["contents"] = contents
		if len(c.System) > 0 {
			out["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": c.System[0]}}}
		}
		delete(out, "model")
	}

	if c.Tools != nil {
		out["tools"] = c.Tools
	}
	return out
}

// effortToBudgetTokens maps OpenAI's reasoning.effort enum onto Claude's
// thinking.budget_tokens scale.
func effortToBudgetTokens(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 4096
	case "high":
		return 16384
	default:
		return 4096
	}
}

// budgetTokensToEffort is the inverse mapping, used when a claude-format
// request is forwarded to a Codex provider.
func budgetTokensToEffort(budget any) string {
	n, ok := budget.(float64)
	if !ok {
		if i, ok := budget.(int); ok {
			n = float64(i)
		}
	}
	switch {
	case n <= 1024:
		return "low"
	case n <= 4096:
		return "medium"
	default:
		return "high"
	}
}

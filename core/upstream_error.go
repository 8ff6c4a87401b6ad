package core

import (
	"encoding/json"
	"net/http"
	"strings"
)

// requestIDHeaders lists header names, in priority order, the upstream
// might return a request id under.
var requestIDHeaders = []string{"x-request-id", "request-id", "x-amzn-requestid"}

// ParseUpstreamError builds a ProxyError from a non-2xx upstream response,
// extracting a human message from whichever provider's error shape the body
// happens to be in and a request id from headers or the body itself.
func ParseUpstreamError(provider string, statusCode int, body []byte, headers http.Header) *ProxyError {
	kind := ClassifyError(statusCode, len(body) == 0, false, false)
	pe := NewProxyError(kind, extractUpstreamMessage(body)).
		WithProvider(provider).
		WithStatusCode(statusCode).
		WithBody(string(body))

	if id := requestIDFromHeaders(headers); id != "" {
		pe.WithRequestID(id)
	} else if id := requestIDFromBody(body); id != "" {
		pe.WithRequestID(id)
	}
	return pe
}

func requestIDFromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, h := range requestIDHeaders {
		if v := headers.Get(h); v != "" {
			return v
		}
	}
	return ""
}

// extractUpstreamMessage walks the handful of error-body shapes the
// supported providers use: Claude/OpenAI's {"error":{"message":...}},
// Gemini's {"error":{"message":...}} or top-level {"message":...}.
func extractUpstreamMessage(body []byte) string {
	var v map[string]any
	if json.Unmarshal(body, &v) != nil {
		trimmed := strings.TrimSpace(string(body))
		if len(trimmed) > 200 {
			trimmed = trimmed[:200]
		}
		return trimmed
	}
	if errObj, ok := v["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if msg, ok := v["message"].(string); ok && msg != "" {
		return msg
	}
	return "upstream returned an error"
}

// requestIDFromBody looks for request_id/requestId at the top level or
// nested one level inside "error", including when the id is embedded as
// JSON text inside error.message (parsed up to two levels deep).
func requestIDFromBody(body []byte) string {
	return requestIDAtDepth(body, 0)
}

// requestIDAtDepth is requestIDFromBody for a body that was itself embedded
// depth levels down inside error.message.
func requestIDAtDepth(body []byte, depth int) string {
	var v map[string]any
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	if id := stringField(v, "request_id", "requestId"); id != "" {
		return id
	}
	if errObj, ok := v["error"].(map[string]any); ok {
		if id := stringField(errObj, "request_id", "requestId"); id != "" {
			return id
		}
		if msg, ok := errObj["message"].(string); ok && depth < 2 {
			return requestIDAtDepth([]byte(msg), depth+1)
		}
	}
	return ""
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

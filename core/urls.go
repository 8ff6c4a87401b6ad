package core

import (
	"net/url"
	"strings"
)

// knownEndpointRoots lists the path suffixes BuildProxyURL recognizes as
// "the provider's own endpoint root" when deciding how much of a
// provider's configured base URL to keep.
var knownEndpointRoots = []string{
	"/messages",
	"/messages/count_tokens",
	"/chat/completions",
	"/responses",
	"/models",
}

// BuildProxyURL joins a provider's configured base URL with an inbound
// request path. Three cases, checked in order:
//  1. the request path already equals or starts with the base's path —
//     return the base origin plus the request path verbatim;
//  2. the base ends with one of the known endpoint roots (or with a
//     "/v1<root>" variant) — append only the request path's suffix past
//     that root;
//  3. otherwise concatenate the base path with the request path.
//
// The query string, when present on requestPath, is copied verbatim in
// all three cases.
func BuildProxyURL(base, requestPath string) string {
	origin, basePath := splitOrigin(base)
	reqPath, reqQuery := splitQuery(requestPath)

	var joined string
	if reqPath == basePath || strings.HasPrefix(reqPath, basePath+"/") {
		joined = reqPath
	} else if root := matchEndpointRoot(basePath); root != "" && strings.Contains(reqPath, root) {
		joined = basePath + reqPath[strings.Index(reqPath, root)+len(root):]
	} else {
		joined = strings.TrimSuffix(basePath, "/") + "/" + strings.TrimPrefix(reqPath, "/")
	}

	if reqQuery != "" {
		return origin + joined + "?" + reqQuery
	}
	return origin + joined
}

func splitOrigin(rawURL string) (origin, path string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL
	}
	return u.Scheme + "://" + u.Host, u.Path
}

func splitQuery(rawPath string) (path, query string) {
	if idx := strings.IndexByte(rawPath, '?'); idx >= 0 {
		return rawPath[:idx], rawPath[idx+1:]
	}
	return rawPath, ""
}

func matchEndpointRoot(basePath string) string {
	for _, root := range knownEndpointRoots {
		if strings.HasSuffix(basePath, root) || strings.HasSuffix(basePath, "/v1"+root) {
			return root
		}
	}
	return ""
}

// sensitiveURLParams are query parameters masked by SanitizeURL.
var sensitiveURLParams = []string{"key", "api_key", "apikey", "token", "access_token", "secret", "password"}

// SanitizeURL preserves origin, path, and fragment, masking only
// sensitive query parameters with "[REDACTED]". Non-sensitive parameters
// keep their values, but when anything is masked the query is re-encoded:
// parameters come out sorted by name and the mask itself is percent-encoded.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	changed := false
	for _, sensitive := range sensitiveURLParams {
		for key := range q {
			if strings.EqualFold(key, sensitive) {
				for i := range q[key] {
					q[key][i] = "[REDACTED]"
				}
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// sensitiveHeaders are masked wherever request/response headers are
// persisted or logged.
var sensitiveHeaders = map[string]struct{}{
	"authorization":        {},
	"x-api-key":            {},
	"x-goog-api-key":       {},
	"cookie":               {},
	"set-cookie":           {},
	"proxy-authorization": {},
}

// MaskSensitiveHeaders returns a copy of headers with sensitive values
// replaced by "[REDACTED]".
func MaskSensitiveHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// Package forwarder sends a Session's request upstream: composing the
// provider URL, translating the body when the provider's native dialect
// differs from the client's, acquiring a pooled dispatcher, and applying
// the retry/failover policy described for each error.Kind.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/agentpool"
	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/selector"
	"github.com/relaygate/relaygate/internal/translate"
)

// thinkingSignatureErrors are upstream messages that trigger the
// thinking-signature rectifier before one additional same-provider retry.
var thinkingSignatureErrors = []string{
	"Invalid signature in thinking block",
	"Expected thinking",
	"signature field required",
}

// ProviderSource supplies a fresh candidate snapshot for failover
// selection, excluding providers already tried this request.
type ProviderSource interface {
	Snapshot(ctx context.Context) ([]*core.Provider, error)
}

// Forwarder owns the agent pool, breaker, and selector collaborators a
// single forwarded request needs across however many attempts it takes.
type Forwarder struct {
	Pool      *agentpool.Pool
	Breaker   *breaker.Breaker
	Selector  *selector.Selector
	Providers ProviderSource
	Logger    *zap.Logger
}

// Result is a successful upstream response, ready for the Response
// Handler, plus which provider ultimately served it.
type Result struct {
	Response *http.Response
	Provider *core.Provider
}

// Forward sends s's request upstream, retrying and failing over according
// to the classified error kind, until a response comes back or every
// policy-permitted attempt is exhausted.
func (f *Forwarder) Forward(ctx context.Context, s *core.Session) (*Result, error) {
	excluded := map[string]bool{}
	sameProviderRetries := 0
	rectified := false

	for {
		provider := s.Provider
		if provider == nil {
			return nil, errors.New("forwarder: session has no selected provider")
		}

		resp, perr := f.attempt(ctx, s, provider)
		if perr == nil {
			return &Result{Response: resp, Provider: provider}, nil
		}

		s.AppendChainItem(core.ProviderChainItem{
			ProviderID:   provider.ID,
			ProviderName: provider.Name,
			Reason:       chainReasonFor(perr.Kind),
			StatusCode:   perr.StatusCode,
			ErrorDetails: &core.ErrorDetails{StatusCode: perr.StatusCode, Body: perr.Body},
		})

		if perr.Kind.FeedsCircuitBreaker() && f.Breaker != nil {
			f.Breaker.RecordFailure(ctx, provider.ID)
		}

		switch perr.Kind {
		case core.KindClientAbort, core.KindNonRetryableClientError:
			return nil, perr

		case core.KindSystemError:
			if sameProviderRetries < 1 {
				sameProviderRetries++
				continue
			}
			excluded[provider.ID] = true

		case core.KindResourceNotFound, core.KindProviderError:
			if !rectified && s.OriginalFormat == core.FormatClaude && isThinkingSignatureError(perr.Message) {
				rectified = true
				s.Body = translate.RectifyThinkingSignature(s.Body)
				continue
			}
			excluded[provider.ID] = true

		default:
			excluded[provider.ID] = true
		}

		next, err := f.reselect(ctx, s, excluded)
		if err != nil {
			return nil, perr
		}
		s.Provider = next
		s.ProviderType = next.ProviderType
	}
}

func (f *Forwarder) attempt(ctx context.Context, s *core.Session, provider *core.Provider) (*http.Response, *core.ProxyError) {
	return f.dispatch(ctx, s, provider, provider.ProxyURL == "")
}

// dispatch is attempt's implementation, parameterized on wantHTTP2 so the
// one-shot HTTP/2-to-HTTP/1.1 fallback can re-run it without recursing
// through a provider copy.
func (f *Forwarder) dispatch(ctx context.Context, s *core.Session, provider *core.Provider, wantHTTP2 bool) (*http.Response, *core.ProxyError) {
	body := s.Body
	if needsTranslation(s.OriginalFormat, provider.ProviderType) {
		body = translate.Translate(s.Body, s.OriginalFormat, core.FormatForProviderType(provider.ProviderType))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.NewProxyError(core.KindSystemError, "failed to encode upstream request").WithCause(err)
	}

	if isGeminiCLIStreamProvider(provider) {
		return f.dispatchGeminiCLIStream(ctx, provider, payload)
	}

	targetURL := core.BuildProxyURL(provider.URL, s.URL.String())

	client, dispatcherKey, err := f.Pool.Get(ctx, originOf(provider.URL), provider.ProxyURL, wantHTTP2)
	if err != nil {
		return nil, core.NewProxyError(core.KindSystemError, "failed to acquire dispatcher").WithCause(err)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, providerTimeout(provider))
	req, err := http.NewRequestWithContext(deadlineCtx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, core.NewProxyError(core.KindSystemError, "failed to build upstream request").WithCause(err)
	}
	req.Header = s.Headers.Clone()
	req.Header.Set("Content-Type", "application/json")
	if provider.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+provider.Credential)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, core.NewProxyError(core.KindClientAbort, "client disconnected").WithCause(err)
		}
		if wantHTTP2 && isHTTP2ProtocolError(err) {
			f.Pool.MarkUnhealthy(dispatcherKey, "http2 protocol error")
			return f.dispatch(ctx, s, provider, false)
		}
		return nil, core.NewProxyError(core.KindSystemError, "upstream request failed").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		return nil, core.ParseUpstreamError(provider.Name, resp.StatusCode, respBody, resp.Header)
	}

	// The deadline must outlive this call so the Response Handler can keep
	// streaming the body; tie its cancellation to the body's Close instead.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnCloseBody releases a dispatch's deadline context once the
// Response Handler is done reading the upstream body.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func (f *Forwarder) reselect(ctx context.Context, s *core.Session, excluded map[string]bool) (*core.Provider, error) {
	if f.Providers == nil || f.Selector == nil {
		return nil, errors.New("forwarder: no failover selector configured")
	}
	providers, err := f.Providers.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]*core.Provider, 0, len(providers))
	for _, p := range providers {
		if !excluded[p.ID] {
			candidates = append(candidates, p)
		}
	}
	dctx := &core.DecisionContext{}
	req := selector.Request{
		Format:    s.OriginalFormat,
		Model:     s.Model,
		Context1M: s.Context1MRequested,
		GroupTag:  s.GroupOverride,
	}
	return f.Selector.Select(ctx, candidates, req, dctx)
}

func chainReasonFor(kind core.ErrorKind) core.ProviderChainReason {
	switch kind {
	case core.KindResourceNotFound:
		return core.ReasonResourceNotFound
	case core.KindSystemError:
		return core.ReasonSystemError
	case core.KindClientAbort, core.KindNonRetryableClientError:
		return core.ReasonClientErrorNonRetry
	default:
		return core.ReasonRetryFailed
	}
}

func isThinkingSignatureError(message string) bool {
	for _, marker := range thinkingSignatureErrors {
		if containsFold(message, marker) {
			return true
		}
	}
	return false
}

func needsTranslation(clientFormat core.FormatDialect, pt core.ProviderType) bool {
	return !core.IsFormatCompatible(clientFormat, pt)
}

func providerTimeout(p *core.Provider) time.Duration {
	if p.RequestTimeoutNonStreamingMs > 0 {
		return time.Duration(p.RequestTimeoutNonStreamingMs) * time.Millisecond
	}
	return 600 * time.Second
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

func isHTTP2ProtocolError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "http2") || strings.Contains(msg, "protocol_error")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Package router wires inbound HTTP requests into a Session, runs the
// matching guard pipeline, forwards admitted requests upstream, and writes
// the resulting (or short-circuited) response back to the client.
package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/errrule"
	"github.com/relaygate/relaygate/internal/forwarder"
	"github.com/relaygate/relaygate/internal/guard"
	"github.com/relaygate/relaygate/internal/responsehandler"
)

// ProviderLister supplies the model families the GET /v1/models family
// advertises; satisfied by *internal/repository.Repository.
type ProviderLister interface {
	ListEnabledProviders(ctx context.Context) ([]*core.Provider, error)
}

// Finalizer persists the audit row on a failed forward, matching the
// Response Handler's own Finalizer so both paths share one table.
type Finalizer interface {
	FinalizeMessageRequest(ctx context.Context, mr *core.MessageRequest) error
}

// Router owns every collaborator needed to carry a request from the wire
// to a finished response: the two guard pipelines, the Forwarder, the
// Response Handler, and the error-rule engine consulted on failure.
type Router struct {
	Chat        *guard.Pipeline
	CountTokens *guard.Pipeline
	Deps        *guard.Deps
	Forward     *forwarder.Forwarder
	Responses   *responsehandler.Handler
	ErrorRules  *errrule.Engine
	Providers   ProviderLister
	Finalizer   Finalizer
	MaxBodySize int64
	Logger      *zap.Logger
}

// Mount registers every proxied route plus the blocked dashboard paths on
// mux, using the Go 1.22+ method+pattern ServeMux syntax.
func (rt *Router) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", rt.handleChat)
	mux.HandleFunc("POST /v1/messages/count_tokens", rt.handleCountTokens)
	mux.HandleFunc("POST /v1/chat/completions", rt.handleChat)
	mux.HandleFunc("POST /v1/responses", rt.handleChat)
	mux.HandleFunc("POST /v1beta/models/{model}", rt.handleChat)

	mux.HandleFunc("GET /v1/models", rt.handleModels)
	mux.HandleFunc("GET /v1/responses/models", rt.handleModels)
	mux.HandleFunc("GET /v1/chat/models", rt.handleModels)

	mux.HandleFunc("/v1/dashboard/", notProxied)
	mux.HandleFunc("/dashboard/", notProxied)
}

func notProxied(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not a proxied endpoint"})
}

func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	rt.serve(w, r, rt.Chat)
}

func (rt *Router) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	rt.serve(w, r, rt.CountTokens)
}

func (rt *Router) serve(w http.ResponseWriter, r *http.Request, pipeline *guard.Pipeline) {
	ctx := r.Context()

	s, err := core.FromRequest(r, rt.MaxBodySize)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error": map[string]any{"type": core.ResponseInvalidRequestError, "message": err.Error()},
		})
		return
	}
	defer s.Cancel()

	out, err := pipeline.Run(ctx, s, rt.Deps)
	if err != nil {
		rt.Logger.Error("guard pipeline error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"type": core.ResponseInternalServerError, "message": "internal error"},
		})
		return
	}
	if out != nil {
		writeOutcome(w, out)
		return
	}

	res, ferr := rt.Forward.Forward(ctx, s)
	if ferr != nil {
		rt.writeForwardError(ctx, w, s, ferr)
		return
	}

	clientResp, herr := rt.handleResult(ctx, s, res)
	if herr != nil {
		rt.Logger.Error("response handler error", zap.Error(herr))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{"type": core.ResponseBadGatewayError, "message": "failed to relay upstream response"},
		})
		return
	}
	writeClientResponse(w, clientResp)
}

func (rt *Router) handleResult(ctx context.Context, s *core.Session, res *forwarder.Result) (*responsehandler.ClientResponse, error) {
	if isStreaming(s.Body) {
		return rt.Responses.HandleStream(ctx, s, res, s.MessageRequest)
	}
	return rt.Responses.HandleNonStream(ctx, s, res, s.MessageRequest)
}

func isStreaming(body map[string]any) bool {
	v, ok := body["stream"].(bool)
	return ok && v
}

// writeForwardError converts a failed Forward call into the client error
// envelope, consulting the error-rule engine for an override and
// finalizing the audit row with the failure detail.
func (rt *Router) writeForwardError(ctx context.Context, w http.ResponseWriter, s *core.Session, perr *core.ProxyError) {
	status := statusForKind(perr)
	responseType := perr.ResponseType
	if responseType == "" {
		responseType = responseTypeForKind(perr)
	}
	body := map[string]any{
		"error": map[string]any{
			"type":    responseType,
			"message": perr.ClientSafeMessage(),
		},
	}

	if rt.ErrorRules != nil {
		match := rt.ErrorRules.Match(perr)
		if match.Matched {
			if match.OverrideStatusCode != 0 {
				status = match.OverrideStatusCode
			}
			if match.OverrideResponse != nil {
				body = match.OverrideResponse
			}
		}
	}

	if mr := s.MessageRequest; mr != nil && rt.Finalizer != nil {
		mr.StatusCode = status
		mr.ErrorMessage = perr.DetailedErrorMessage()
		mr.ProviderChain = s.ChainSnapshot()
		mr.DurationMs = time.Since(s.StartedAt).Milliseconds()
		if err := rt.Finalizer.FinalizeMessageRequest(ctx, mr); err != nil {
			rt.Logger.Warn("finalize failed message request failed", zap.Error(err))
		}
	}

	writeJSON(w, status, body)
}

func statusForKind(perr *core.ProxyError) int {
	if perr.StatusCode != 0 {
		return perr.StatusCode
	}
	switch perr.Kind {
	case core.KindClientAbort:
		return 499
	case core.KindNonRetryableClientError:
		return http.StatusBadRequest
	case core.KindResourceNotFound:
		return http.StatusNotFound
	case core.KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func responseTypeForKind(perr *core.ProxyError) core.ResponseType {
	switch perr.Kind {
	case core.KindNonRetryableClientError:
		return core.ResponseInvalidRequestError
	case core.KindResourceNotFound:
		return core.ResponseNoAvailableProviders
	case core.KindProviderError:
		return core.ResponseBadGatewayError
	default:
		return core.ResponseInternalServerError
	}
}

func writeOutcome(w http.ResponseWriter, out *guard.Outcome) {
	for k, vs := range out.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeJSON(w, out.StatusCode, out.Body)
}

func writeClientResponse(w http.ResponseWriter, cr *responsehandler.ClientResponse) {
	defer cr.Body.Close()
	for k, vs := range cr.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(cr.StatusCode)
	if cr.Streaming {
		flusher, ok := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, err := cr.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				if ok {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}
	io.Copy(w, cr.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleModels aggregates the set of models any enabled provider
// advertises via AllowedModels into the flat list the CLI model pickers
// expect; providers with no explicit allow-list contribute nothing since
// they accept any model rather than advertising one.
func (rt *Router) handleModels(w http.ResponseWriter, r *http.Request) {
	if rt.Providers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		return
	}
	providers, err := rt.Providers.ListEnabledProviders(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"type": core.ResponseInternalServerError, "message": "failed to list models"},
		})
		return
	}

	seen := map[string]bool{}
	models := make([]string, 0)
	for _, p := range providers {
		for _, m := range p.AllowedModels {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
	}
	sort.Strings(models)

	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{"id": m, "object": "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

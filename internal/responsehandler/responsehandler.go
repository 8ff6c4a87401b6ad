// Package responsehandler turns a Forwarder Result into what the client
// ultimately receives: the upstream body repaired and translated back to
// the caller's dialect, usage parsed and costed, Redis counters updated,
// and the audit row finalized.
package responsehandler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go/v3"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/forwarder"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/translate"
)

const (
	maxBufferedBody    = 20 << 20
	streamIdleDefault  = 30 * time.Second
	streamTotalTimeout = 180 * time.Second
)

// PriceSource resolves a model's per-million-token price for one token
// kind. Price-table synchronization lives outside this package; when a
// model has no price record the request is still recorded, just at zero
// cost.
type PriceSource interface {
	Price(ctx context.Context, model, kind string) (perMTok float64, ok bool)
}

// Price kinds passed to PriceSource.Price.
const (
	PriceKindPrompt     = "prompt"
	PriceKindCompletion = "completion"
)

// Finalizer persists the completed audit row. Satisfied by
// *internal/repository.Repository.
type Finalizer interface {
	FinalizeMessageRequest(ctx context.Context, mr *core.MessageRequest) error
}

// Handler turns Forwarder results into client responses.
type Handler struct {
	RateLimit *ratelimit.Store
	Repo      Finalizer
	Prices    PriceSource
	Logger    *zap.Logger

	encodingCache map[string]*tiktoken.Tiktoken
}

func New(rateLimit *ratelimit.Store, repo Finalizer, prices PriceSource, logger *zap.Logger) *Handler {
	return &Handler{
		RateLimit:     rateLimit,
		Repo:          repo,
		Prices:        prices,
		Logger:        logger.With(zap.String("component", "response_handler")),
		encodingCache: map[string]*tiktoken.Tiktoken{},
	}
}

// ClientResponse is the fully prepared response the HTTP layer writes back.
type ClientResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Streaming  bool
}

// HandleNonStream reads the full upstream body, repairs and translates it,
// parses usage, computes cost, updates Redis counters, and finalizes mr.
func (h *Handler) HandleNonStream(ctx context.Context, s *core.Session, res *forwarder.Result, mr *core.MessageRequest) (*ClientResponse, error) {
	defer res.Response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Response.Body, maxBufferedBody))
	if err != nil {
		return nil, err
	}
	raw = fixEncoding(raw)
	raw = repairTruncatedJSON(raw)

	providerFmt := core.FormatForProviderType(res.Provider.ProviderType)
	usage := h.parseUsage(raw, providerFmt)
	if usage.IsZero() {
		usage = h.estimateUsage(s, raw)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = map[string]any{"raw": string(raw)}
	}
	outBody := raw
	if providerFmt != s.OriginalFormat {
		translated := translate.Translate(decoded, providerFmt, s.OriginalFormat)
		if encoded, err := json.Marshal(translated); err == nil {
			outBody = encoded
		}
	}

	cost := h.computeCost(ctx, s, usage)
	h.recordAndFinalize(ctx, s, res, mr, usage, cost, res.Response.StatusCode, "")

	header := res.Response.Header.Clone()
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(outBody)))

	return &ClientResponse{
		StatusCode: res.Response.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(outBody)),
	}, nil
}

// HandleStream forks the upstream body: the returned ClientResponse streams
// to the caller immediately while a background task drains a second copy
// for usage parsing, TTFB, idle/total timeouts, and the terminal-chunk
// check, finalizing mr once the stream ends.
func (h *Handler) HandleStream(ctx context.Context, s *core.Session, res *forwarder.Result, mr *core.MessageRequest) (*ClientResponse, error) {
	idle := streamIdleDefault
	if res.Provider.StreamingIdleTimeoutMs > 0 {
		idle = time.Duration(res.Provider.StreamingIdleTimeoutMs) * time.Millisecond
	}

	clientPipeR, clientPipeW := io.Pipe()
	stats := &bytes.Buffer{}

	go h.drainStream(ctx, s, res, mr, idle, clientPipeW, stats)

	header := res.Response.Header.Clone()
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	return &ClientResponse{
		StatusCode: res.Response.StatusCode,
		Header:     header,
		Body:       clientPipeR,
		Streaming:  true,
	}, nil
}

func (h *Handler) drainStream(ctx context.Context, s *core.Session, res *forwarder.Result, mr *core.MessageRequest, idle time.Duration, clientPipeW *io.PipeWriter, stats *bytes.Buffer) {
	defer res.Response.Body.Close()

	totalCtx, cancelTotal := context.WithTimeout(ctx, streamTotalTimeout)
	defer cancelTotal()

	idleTimer := time.AfterFunc(idle, func() {
		res.Response.Body.Close()
	})
	defer idleTimer.Stop()

	firstChunk := true
	buf := make([]byte, 32*1024)
	var streamErr error

	for {
		select {
		case <-totalCtx.Done():
			streamErr = totalCtx.Err()
		default:
		}
		if streamErr != nil {
			break
		}

		n, err := res.Response.Body.Read(buf)
		if n > 0 {
			if firstChunk {
				firstChunk = false
				mr.TTFBMs = time.Since(s.StartedAt).Milliseconds()
			}
			idleTimer.Reset(idle)
			if stats.Len() < maxBufferedBody {
				stats.Write(buf[:n])
			}
			if _, werr := clientPipeW.Write(buf[:n]); werr != nil {
				streamErr = werr
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				streamErr = err
			}
			break
		}
	}

	statusCode := res.Response.StatusCode
	errMsg := ""
	if streamErr != nil {
		statusCode = http.StatusBadGateway
		errMsg = "stream_incomplete"
		h.Logger.Warn("stream ended early", zap.Error(streamErr), zap.String("provider", res.Provider.Name))
		clientPipeW.CloseWithError(streamErr)
	} else if isClaudeFamily(core.FormatForProviderType(res.Provider.ProviderType)) && !hasTerminalChunk(stats.Bytes()) {
		statusCode = http.StatusBadGateway
		errMsg = "stream_incomplete"
		clientPipeW.Close()
	} else {
		clientPipeW.Close()
	}

	providerFmt := core.FormatForProviderType(res.Provider.ProviderType)
	usage := h.parseUsage(stats.Bytes(), providerFmt)
	if usage.IsZero() {
		usage = h.estimateUsage(s, stats.Bytes())
	}
	cost := h.computeCost(ctx, s, usage)
	h.recordAndFinalize(ctx, s, res, mr, usage, cost, statusCode, errMsg)
}

func (h *Handler) recordAndFinalize(ctx context.Context, s *core.Session, res *forwarder.Result, mr *core.MessageRequest, usage Usage, cost float64, statusCode int, errMsg string) {
	mr.PromptTokens = usage.PromptTokens
	mr.CompletionTokens = usage.CompletionTokens
	mr.CacheCreation5mTokens = usage.CacheCreation5mTokens
	mr.CacheCreation1hTokens = usage.CacheCreation1hTokens
	mr.CacheReadTokens = usage.CacheReadTokens
	mr.Cost = cost
	mr.StatusCode = statusCode
	mr.ErrorMessage = errMsg
	mr.FinalModel = s.Model
	mr.OriginalModel = s.OriginalModelName()
	mr.Context1M = s.Context1MRequested
	mr.DurationMs = time.Since(s.StartedAt).Milliseconds()
	if mr.TTFBMs == 0 {
		mr.TTFBMs = mr.DurationMs
	}
	providerID := res.Provider.ID
	mr.FinalProviderID = &providerID
	mr.ProviderChain = s.ChainSnapshot()

	if h.RateLimit != nil && cost > 0 {
		if err := h.RateLimit.RecordUsage(ctx, s.Auth.User, s.Auth.Key, res.Provider, cost, time.Now()); err != nil {
			h.Logger.Warn("record usage failed", zap.Error(err))
		}
	}
	if h.Repo != nil {
		if err := h.Repo.FinalizeMessageRequest(ctx, mr); err != nil {
			h.Logger.Warn("finalize message request failed", zap.Error(err))
		}
	}
}

// Usage is the token breakdown parsed from an upstream response, in the
// shape every supported provider's billing fields reduce to.
type Usage struct {
	PromptTokens          int
	CompletionTokens      int
	CacheCreation5mTokens int
	CacheCreation1hTokens int
	CacheReadTokens       int
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.CacheReadTokens == 0
}

// parseUsage tries the real SDK response types first — this is the
// happy path for well-formed upstream bodies and is what actually
// exercises anthropic-sdk-go/openai-go/genai's typed usage fields —
// falling back to nothing (the caller estimates) when decoding fails.
func (h *Handler) parseUsage(raw []byte, format core.FormatDialect) Usage {
	switch format {
	case core.FormatClaude:
		var msg anthropic.Message
		if json.Unmarshal(raw, &msg) == nil {
			return Usage{
				PromptTokens:          int(msg.Usage.InputTokens),
				CompletionTokens:      int(msg.Usage.OutputTokens),
				CacheCreation5mTokens: int(msg.Usage.CacheCreationInputTokens),
				CacheReadTokens:       int(msg.Usage.CacheReadInputTokens),
			}
		}
	case core.FormatOpenAIChat:
		var cc openai.ChatCompletion
		if json.Unmarshal(raw, &cc) == nil && cc.Usage.TotalTokens > 0 {
			return Usage{
				PromptTokens:     int(cc.Usage.PromptTokens),
				CompletionTokens: int(cc.Usage.CompletionTokens),
			}
		}
	case core.FormatGemini, core.FormatGeminiCLI:
		var gr genai.GenerateContentResponse
		if json.Unmarshal(raw, &gr) == nil && gr.UsageMetadata != nil {
			return Usage{
				PromptTokens:     int(gr.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(gr.UsageMetadata.CandidatesTokenCount),
				CacheReadTokens:  int(gr.UsageMetadata.CachedContentTokenCount),
			}
		}
	}
	return Usage{}
}

// estimateUsage falls back to a tiktoken-go cl100k_base count of the
// request/response text when a non-standard or misbehaving upstream omits
// usage entirely — persisted token counts and cost should not silently
// read zero just because one provider's body didn't include them.
func (h *Handler) estimateUsage(s *core.Session, responseRaw []byte) Usage {
	enc := h.encoding("cl100k_base")
	if enc == nil {
		return Usage{}
	}
	promptText := core.FlattenedText(core.NormalizedMessages(s.Body, s.OriginalFormat))
	var respBody map[string]any
	_ = json.Unmarshal(responseRaw, &respBody)
	completionText := core.FlattenedText(core.NormalizedMessages(respBody, core.FormatClaude))
	return Usage{
		PromptTokens:     len(enc.Encode(promptText, nil, nil)),
		CompletionTokens: len(enc.Encode(completionText, nil, nil)),
	}
}

func (h *Handler) encoding(name string) *tiktoken.Tiktoken {
	if enc, ok := h.encodingCache[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		h.Logger.Warn("tiktoken encoding unavailable", zap.String("encoding", name), zap.Error(err))
		return nil
	}
	h.encodingCache[name] = enc
	return enc
}

// computeCost resolves a per-million-token price for the billing-candidate
// model, falling back from the primary candidate to the other one when the
// primary has no price record (originalModel under billing-source
// "original", the redirected request.model under "redirected").
func (h *Handler) computeCost(ctx context.Context, s *core.Session, usage Usage) float64 {
	if h.Prices == nil {
		return 0
	}
	primary, fallback := s.OriginalModelName(), s.Model
	if primary == "" {
		primary, fallback = s.Model, ""
	}

	model := primary
	prompt, ok := s.CachedPrice("prompt:"+primary, func() (float64, bool) { return h.Prices.Price(ctx, primary, PriceKindPrompt) })
	if !ok && fallback != "" && fallback != primary {
		model = fallback
		prompt, ok = s.CachedPrice("prompt:"+fallback, func() (float64, bool) { return h.Prices.Price(ctx, fallback, PriceKindPrompt) })
	}
	if !ok {
		return 0
	}
	completion, _ := s.CachedPrice("completion:"+model, func() (float64, bool) { return h.Prices.Price(ctx, model, PriceKindCompletion) })
	return float64(usage.PromptTokens)/1_000_000*prompt + float64(usage.CompletionTokens)/1_000_000*completion
}

func isClaudeFamily(f core.FormatDialect) bool {
	return f == core.FormatClaude
}

func hasTerminalChunk(data []byte) bool {
	return bytes.Contains(data, []byte("message_stop")) || bytes.Contains(data, []byte("[DONE]"))
}

// fixEncoding strips a UTF-8 BOM and drops trailing invalid-UTF-8 bytes a
// truncated upstream chunk can leave behind.
func fixEncoding(raw []byte) []byte {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(raw) {
		return raw
	}
	for i := len(raw); i > 0; i-- {
		if utf8.Valid(raw[:i]) {
			return raw[:i]
		}
	}
	return raw
}

// repairTruncatedJSON closes unterminated braces/brackets/strings left by a
// response cut off mid-encode, so a best-effort parse succeeds instead of
// failing outright. A no-op when raw already parses.
func repairTruncatedJSON(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	var v any
	if json.Unmarshal(trimmed, &v) == nil {
		return raw
	}

	var stack []byte
	inString := false
	escaped := false
	for _, b := range trimmed {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, b)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	repaired := make([]byte, len(trimmed))
	copy(repaired, trimmed)
	if inString {
		repaired = append(repaired, '"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			repaired = append(repaired, '}')
		} else {
			repaired = append(repaired, ']')
		}
	}
	if json.Unmarshal(repaired, &v) == nil {
		return repaired
	}
	return raw
}


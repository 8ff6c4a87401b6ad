package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// geminiCLIFrame is one JSON message exchanged over a Gemini CLI
// streaming session: an outbound turn or an inbound partial/final
// response chunk.
type geminiCLIFrame struct {
	Body  json.RawMessage `json:"body,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Error string          `json:"error,omitempty"`
}

// geminiCLIStream wraps a coder/websocket connection to a
// core.ProviderTypeGeminiCLI provider configured for its websocket
// streaming transport (provider.URL using the ws/wss scheme) instead of
// the usual request/response HTTP path.
type geminiCLIStream struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// dialGeminiCLIStream opens a websocket session against provider.URL and
// sends the translated request body as the session's opening turn.
func dialGeminiCLIStream(ctx context.Context, provider *core.Provider, body []byte, logger *zap.Logger) (*geminiCLIStream, error) {
	header := http.Header{}
	if provider.Credential != "" {
		header.Set("Authorization", "Bearer "+provider.Credential)
	}
	conn, _, err := websocket.Dial(ctx, provider.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("gemini cli websocket dial: %w", err)
	}
	s := &geminiCLIStream{conn: conn, logger: logger.With(zap.String("component", "geminicli_ws"))}
	if err := s.writeTurn(ctx, body); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Debug("gemini cli stream opened", zap.String("url", provider.URL))
	return s, nil
}

func (s *geminiCLIStream) writeTurn(ctx context.Context, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("gemini cli stream closed")
	}
	frame := geminiCLIFrame{Body: body}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal gemini cli turn: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readChunk reads one frame from the stream. A frame with Done set is the
// session's final message.
func (s *geminiCLIStream) readChunk(ctx context.Context) (geminiCLIFrame, error) {
	if s.closed {
		return geminiCLIFrame{}, fmt.Errorf("gemini cli stream closed")
	}
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return geminiCLIFrame{}, fmt.Errorf("gemini cli websocket read: %w", err)
	}
	var frame geminiCLIFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return geminiCLIFrame{}, fmt.Errorf("unmarshal gemini cli frame: %w", err)
	}
	return frame, nil
}

// drain reads every frame up to and including Done, concatenating each
// frame's Body into a single JSON response the rest of the forwarder's
// pipeline can treat like an ordinary HTTP body.
func (s *geminiCLIStream) drain(ctx context.Context) ([]byte, error) {
	var parts [][]byte
	for {
		frame, err := s.readChunk(ctx)
		if err != nil {
			return nil, err
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("gemini cli stream error: %s", frame.Error)
		}
		if len(frame.Body) > 0 {
			parts = append(parts, frame.Body)
		}
		if frame.Done {
			break
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	joined := append([]byte("["), bytes.Join(parts, []byte(","))...)
	return append(joined, ']'), nil
}

func (s *geminiCLIStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}

// dispatchGeminiCLIStream opens a streaming session, sends payload as the
// opening turn, and collects every chunk into one *http.Response so the
// rest of the Forwarder's error-classification and retry logic, written
// for the HTTP path, can treat it identically.
func (f *Forwarder) dispatchGeminiCLIStream(ctx context.Context, provider *core.Provider, payload []byte) (*http.Response, *core.ProxyError) {
	stream, err := dialGeminiCLIStream(ctx, provider, payload, f.Logger)
	if err != nil {
		return nil, core.NewProxyError(core.KindSystemError, "failed to open gemini cli stream").WithCause(err)
	}
	defer stream.Close()

	respBody, err := stream.drain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewProxyError(core.KindClientAbort, "client disconnected").WithCause(err)
		}
		return nil, core.NewProxyError(core.KindSystemError, "gemini cli stream failed").WithCause(err)
	}

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}
	return resp, nil
}

// isGeminiCLIStreamProvider reports whether provider should be dispatched
// over the websocket streaming transport instead of plain HTTP: a
// core.ProviderTypeGeminiCLI provider whose URL carries a ws/wss scheme.
func isGeminiCLIStreamProvider(provider *core.Provider) bool {
	return provider.ProviderType == core.ProviderTypeGeminiCLI &&
		(strings.HasPrefix(provider.URL, "ws://") || strings.HasPrefix(provider.URL, "wss://"))
}

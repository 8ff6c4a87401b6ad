package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

func geminiCLITestServer(t *testing.T, frames []geminiCLIFrame) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestIsGeminiCLIStreamProvider(t *testing.T) {
	assert.True(t, isGeminiCLIStreamProvider(&core.Provider{ProviderType: core.ProviderTypeGeminiCLI, URL: "wss://example.com/live"}))
	assert.False(t, isGeminiCLIStreamProvider(&core.Provider{ProviderType: core.ProviderTypeGeminiCLI, URL: "https://example.com"}))
	assert.False(t, isGeminiCLIStreamProvider(&core.Provider{ProviderType: core.ProviderTypeGemini, URL: "wss://example.com"}))
}

func TestGeminiCLIStream_DrainJoinsChunksUntilDone(t *testing.T) {
	srv := geminiCLITestServer(t, []geminiCLIFrame{
		{Body: json.RawMessage(`{"delta":"hel"}`)},
		{Body: json.RawMessage(`{"delta":"lo"}`), Done: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider := &core.Provider{ProviderType: core.ProviderTypeGeminiCLI, URL: wsURL(srv)}
	stream, err := dialGeminiCLIStream(ctx, provider, []byte(`{"prompt":"hi"}`), zap.NewNop())
	require.NoError(t, err)
	defer stream.Close()

	out, err := stream.drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[{"delta":"hel"},{"delta":"lo"}]`, string(out))
}

func TestGeminiCLIStream_ErrorFramePropagates(t *testing.T) {
	srv := geminiCLITestServer(t, []geminiCLIFrame{
		{Error: "upstream rejected request", Done: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider := &core.Provider{ProviderType: core.ProviderTypeGeminiCLI, URL: wsURL(srv)}
	stream, err := dialGeminiCLIStream(ctx, provider, []byte(`{}`), zap.NewNop())
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.drain(ctx)
	assert.ErrorContains(t, err, "upstream rejected request")
}

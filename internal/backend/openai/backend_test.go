package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/synlens/internal/backend"
)

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
	Messages  []struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	} `json:"messages"`
}

func newServer(t *testing.T, onChat func(w http.ResponseWriter, req capturedRequest)) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"qwen2.5-vl-3b","object":"model","owned_by":"local"}]}`)
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		onChat(w, req)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newBackend(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()

	b, err := NewBackend(Config{BaseURL: srv.URL + "/v1", APIKey: "test"})
	require.NoError(t, err)
	return b
}

func TestBackend_Load(t *testing.T) {
	srv := newServer(t, nil)
	b := newBackend(t, srv)

	require.NoError(t, b.Load(context.Background(), "qwen2.5-vl-3b"))
	assert.ErrorIs(t, b.Load(context.Background(), "gpt-4o"), ErrModelUnavailable)
}

func TestBackend_InferStream(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, req capturedRequest) {
		assert.True(t, req.Stream)
		assert.Equal(t, "qwen2.5-vl-3b", req.Model)
		assert.Equal(t, 48, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		require.Len(t, req.Messages[0].Content, 2)
		assert.Equal(t, "data:image/png;base64,AQID", req.Messages[0].Content[0].ImageURL.URL)
		assert.Equal(t, "Read the sign.", req.Messages[0].Content[1].Text)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"STOP", " AHEAD"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := newBackend(t, srv).InferStream(context.Background(), &backend.Request{
		ModelPath:  "qwen2.5-vl-3b",
		Input:      strings.NewReader("Read the sign."),
		Image:      []byte{1, 2, 3},
		ImageMIME:  "image/png",
		Parameters: map[string]any{"n_predict": 48},
	})
	require.NoError(t, err)

	var sb strings.Builder
	var done bool
	for chunk := range ch {
		require.NoError(t, chunk.Error)
		sb.Write(chunk.Data)
		done = done || chunk.Done
	}
	assert.True(t, done)
	assert.Equal(t, "STOP AHEAD", sb.String())
}

func TestBackend_Infer(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, req capturedRequest) {
		assert.False(t, req.Stream)
		assert.Equal(t, "data:image/jpeg;base64,AQ==", req.Messages[0].Content[0].ImageURL.URL)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","model":"qwen2.5-vl-3b","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"A kitchen."}}],"usage":{"completion_tokens":3}}`)
	})

	resp, err := newBackend(t, srv).Infer(context.Background(), &backend.Request{ModelPath: "qwen2.5-vl-3b", Image: []byte{1}})
	require.NoError(t, err)

	out, err := io.ReadAll(resp.Output)
	require.NoError(t, err)
	assert.Equal(t, "A kitchen.", string(out))
	assert.Equal(t, 3, resp.Metadata.BackendSpecific["completion_tokens"])
	assert.Equal(t, "stop", resp.Metadata.BackendSpecific["finish_reason"])
}

func TestBackend_RequiresImage(t *testing.T) {
	b, err := NewBackend(Config{})
	require.NoError(t, err)

	_, err = b.InferStream(context.Background(), &backend.Request{ModelPath: "m"})
	assert.ErrorIs(t, err, backend.ErrNoImage)
}

func TestNewBackend_ManagedServer(t *testing.T) {
	_, err := NewBackend(Config{Server: &backend.ServerConfig{Port: 8081}})
	require.Error(t, err)

	b, err := NewBackend(Config{Server: &backend.ServerConfig{Port: 8081}, Manager: backend.NewServerManager()})
	require.NoError(t, err)
	assert.Equal(t, backend.BackendProviderOpenAI, b.Provider())
	require.NoError(t, b.Close())
}

func TestExpandArgs(t *testing.T) {
	files := backend.GGUFFiles{Model: "/models/vlm/model.gguf", Projector: "/models/vlm/mmproj.gguf"}

	assert.Equal(t,
		[]string{"-m", "/models/vlm/model.gguf", "--mmproj", "/models/vlm/mmproj.gguf", "--port", "8081"},
		expandArgs([]string{"-m", "{model}", "--mmproj", "{mmproj}", "--port", "8081"}, files))

	assert.Equal(t,
		[]string{"--port", "8081", "--model", "/models/vlm/model.gguf", "--mmproj", "/models/vlm/mmproj.gguf"},
		expandArgs([]string{"--port", "8081"}, files))
}

func TestBackend_ManagedServerNeedsLocalModel(t *testing.T) {
	b, err := NewBackend(Config{Server: &backend.ServerConfig{Port: 8081}, Manager: backend.NewServerManager()})
	require.NoError(t, err)

	err = b.Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, backend.ErrNoModelFile)
}

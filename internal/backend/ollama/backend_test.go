package ollama

import (
	"context"
	"encoding/base64"
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

func newServer(t *testing.T, handler func(t *testing.T, req generateRequest, w http.ResponseWriter)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(t, req, w)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func drain(t *testing.T, ch <-chan backend.StreamChunk) (string, error) {
	t.Helper()

	var sb strings.Builder
	for chunk := range ch {
		sb.Write(chunk.Data)
		if chunk.Error != nil {
			return sb.String(), chunk.Error
		}
	}
	return sb.String(), nil
}

func TestNewBackend_Defaults(t *testing.T) {
	b := NewBackend(Config{})

	assert.Equal(t, DefaultBaseURL, b.baseURL)
	assert.Equal(t, defaultKeepAlive, b.keepAlive)
	assert.Equal(t, backend.BackendProviderOllama, b.Provider())

	b = NewBackend(Config{BaseURL: "http://gpu-box:11434/"})
	assert.Equal(t, "http://gpu-box:11434", b.baseURL)
}

func TestBackend_Load(t *testing.T) {
	srv := newServer(t, func(t *testing.T, req generateRequest, w http.ResponseWriter) {
		assert.Equal(t, "llava:7b", req.Model)
		assert.Empty(t, req.Prompt)
		assert.Equal(t, "5m", req.KeepAlive)
		fmt.Fprint(w, `{"model":"llava:7b","response":"","done":true}`)
	})

	b := NewBackend(Config{BaseURL: srv.URL, KeepAlive: "5m"})
	require.NoError(t, b.Load(context.Background(), "llava:7b"))
}

func TestBackend_LoadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	err := NewBackend(Config{BaseURL: srv.URL}).Load(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "not found")
}

func TestBackend_InferStream(t *testing.T) {
	image := []byte{0xff, 0xd8, 0xff, 0xe0}

	srv := newServer(t, func(t *testing.T, req generateRequest, w http.ResponseWriter) {
		assert.True(t, req.Stream)
		assert.Equal(t, "What is this?", req.Prompt)
		require.Len(t, req.Images, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString(image), req.Images[0])
		assert.EqualValues(t, 64, req.Options["num_predict"])
		assert.InDelta(t, 0.1, req.Options["temperature"], 1e-9)

		for _, tok := range []string{"A", " cup", " of", " tea"} {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", tok)
		}
		fmt.Fprint(w, "{\"response\":\"\",\"done\":true,\"eval_count\":4}\n")
	})

	b := NewBackend(Config{BaseURL: srv.URL})
	ch, err := b.InferStream(context.Background(), &backend.Request{
		ModelPath:  "llava:7b",
		Input:      strings.NewReader("What is this?"),
		Image:      image,
		Parameters: map[string]any{"n_predict": 64, "temperature": 0.1},
	})
	require.NoError(t, err)

	text, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "A cup of tea", text)
}

func TestBackend_InferStreamErrorLine(t *testing.T) {
	srv := newServer(t, func(_ *testing.T, _ generateRequest, w http.ResponseWriter) {
		fmt.Fprint(w, "{\"response\":\"A\",\"done\":false}\n{\"error\":\"out of memory\"}\n")
	})

	ch, err := NewBackend(Config{BaseURL: srv.URL}).InferStream(context.Background(), &backend.Request{ModelPath: "m", Image: []byte{1}})
	require.NoError(t, err)

	text, err := drain(t, ch)
	assert.Equal(t, "A", text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestBackend_InferStreamTruncated(t *testing.T) {
	srv := newServer(t, func(_ *testing.T, _ generateRequest, w http.ResponseWriter) {
		fmt.Fprint(w, "{\"response\":\"A\",\"done\":false}\n")
	})

	ch, err := NewBackend(Config{BaseURL: srv.URL}).InferStream(context.Background(), &backend.Request{ModelPath: "m", Image: []byte{1}})
	require.NoError(t, err)

	_, err = drain(t, ch)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBackend_Infer(t *testing.T) {
	srv := newServer(t, func(t *testing.T, req generateRequest, w http.ResponseWriter) {
		assert.False(t, req.Stream)
		assert.Nil(t, req.Options)
		fmt.Fprint(w, `{"response":"A parked car.","done":true,"eval_count":5}`)
	})

	resp, err := NewBackend(Config{BaseURL: srv.URL}).Infer(context.Background(), &backend.Request{ModelPath: "m", Image: []byte{1}})
	require.NoError(t, err)

	out, err := io.ReadAll(resp.Output)
	require.NoError(t, err)
	assert.Equal(t, "A parked car.", string(out))
	assert.Equal(t, 5, resp.Metadata.BackendSpecific["eval_count"])
}

func TestBackend_RequiresImage(t *testing.T) {
	_, err := NewBackend(Config{}).InferStream(context.Background(), &backend.Request{ModelPath: "m"})
	assert.ErrorIs(t, err, backend.ErrNoImage)
}

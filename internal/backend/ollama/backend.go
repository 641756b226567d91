package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/mapsafe"
)

const (
	// DefaultBaseURL is where a local Ollama listens by default.
	DefaultBaseURL = "http://localhost:11434"

	defaultKeepAlive = "10m"
	maxLineSize      = 1 << 20
)

// Config configures the Ollama backend.
type Config struct {
	BaseURL   string
	KeepAlive string
	Client    *http.Client
}

// Backend implements backend.StreamingBackend on top of Ollama's /api/generate.
type Backend struct {
	client    *http.Client
	baseURL   string
	keepAlive string
}

type generateRequest struct {
	Options   map[string]any `json:"options,omitempty"`
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Stream    bool           `json:"stream"`
}

type generateResponse struct {
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	EvalCount int    `json:"eval_count,omitempty"`
	Done      bool   `json:"done"`
}

// NewBackend creates a new Ollama backend.
func NewBackend(cfg Config) *Backend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = defaultKeepAlive
	}

	client := cfg.Client
	if client == nil {
		// Streams can run for minutes; cancellation goes through the request context.
		client = &http.Client{}
	}

	return &Backend{
		client:    client,
		baseURL:   baseURL,
		keepAlive: keepAlive,
	}
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderOllama
}

// Load asks Ollama to load the model into memory. An empty prompt makes
// /api/generate load the model and return without generating.
func (b *Backend) Load(ctx context.Context, model string) error {
	resp, err := b.post(ctx, generateRequest{
		Model:     model,
		KeepAlive: b.keepAlive,
	})
	if err != nil {
		return fmt.Errorf("ollama: load %s: %w", model, err)
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("ollama: load %s: decode response: %w", model, err)
	}
	if out.Error != "" {
		return fmt.Errorf("ollama: load %s: %s", model, out.Error)
	}

	return nil
}

// Infer executes synchronous inference.
func (b *Backend) Infer(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	body, err := b.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := b.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama: %s", out.Error)
	}

	return &backend.Response{
		Output: strings.NewReader(out.Response),
		Metadata: &backend.ResponseMetadata{
			Provider:    b.Provider(),
			Model:       req.ModelPath,
			Timestamp:   time.Now(),
			OutputBytes: int64(len(out.Response)),
			BackendSpecific: map[string]any{
				"eval_count": out.EvalCount,
			},
		},
	}, nil
}

// InferStream executes streaming inference. Each NDJSON line of the response
// becomes one chunk.
func (b *Backend) InferStream(ctx context.Context, req *backend.Request) (<-chan backend.StreamChunk, error) {
	body, err := b.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := b.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	ch := make(chan backend.StreamChunk, 32)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(chunk backend.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var out generateResponse
			if err := json.Unmarshal(line, &out); err != nil {
				send(backend.StreamChunk{Error: fmt.Errorf("ollama: decode chunk: %w", err), Done: true})
				return
			}
			if out.Error != "" {
				send(backend.StreamChunk{Error: fmt.Errorf("ollama: %s", out.Error), Done: true})
				return
			}
			if out.Response != "" {
				if !send(backend.StreamChunk{Data: []byte(out.Response)}) {
					return
				}
			}
			if out.Done {
				send(backend.StreamChunk{Done: true})
				return
			}
		}

		err := scanner.Err()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		send(backend.StreamChunk{Error: fmt.Errorf("ollama: stream ended: %w", err), Done: true})
	}()

	return ch, nil
}

func (b *Backend) buildRequest(req *backend.Request, stream bool) (generateRequest, error) {
	if len(req.Image) == 0 {
		return generateRequest{}, backend.ErrNoImage
	}

	prompt := ""
	if req.Input != nil {
		data, err := io.ReadAll(req.Input)
		if err != nil {
			return generateRequest{}, fmt.Errorf("ollama: read input: %w", err)
		}
		prompt = string(data)
	}

	return generateRequest{
		Model:     req.ModelPath,
		Prompt:    prompt,
		Images:    []string{base64.StdEncoding.EncodeToString(req.Image)},
		Stream:    stream,
		KeepAlive: b.keepAlive,
		Options:   buildOptions(req.Parameters),
	}, nil
}

// buildOptions maps model parameters to Ollama runtime options.
func buildOptions(p map[string]any) map[string]any {
	opts := map[string]any{}

	if v := mapsafe.Get(p, "n_predict", 0); v > 0 {
		opts["num_predict"] = v
	}
	if v := mapsafe.Get(p, "n_ctx", 0); v > 0 {
		opts["num_ctx"] = v
	}
	if v := mapsafe.Get(p, "top_k", 0); v > 0 {
		opts["top_k"] = v
	}
	for _, key := range []string{"temperature", "top_p", "repeat_penalty"} {
		if mapsafe.Has(p, key) {
			opts[key] = mapsafe.Get(p, key, 0.0)
		}
	}

	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (b *Backend) post(ctx context.Context, body generateRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return resp, nil
}

// Close cleans up resources.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/mapsafe"
)

// Placeholders replaced in managed server arguments.
const (
	ModelPlaceholder     = "{model}"
	ProjectorPlaceholder = "{mmproj}"
)

const (
	defaultReadyTimeout = 2 * time.Minute
	serverName          = "llama-server"
)

// ErrModelUnavailable is returned when the endpoint does not serve the requested model.
var ErrModelUnavailable = errors.New("model not served by endpoint")

// Config configures the OpenAI-compatible backend.
type Config struct {
	// Server, when set, is started on Load and BaseURL points at it.
	Server *backend.ServerConfig

	// Manager owns the managed server process. Required with Server.
	Manager *backend.ServerManager

	Logger  *slog.Logger
	BaseURL string
	APIKey  string
}

// Backend implements backend.StreamingBackend using chat completions with an
// inline data-URL image.
type Backend struct {
	client  *goopenai.Client
	server  *backend.ServerConfig
	manager *backend.ServerManager
	logger  *slog.Logger
	loaded  string
	mu      sync.Mutex
}

// NewBackend creates a new OpenAI-compatible backend.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Server != nil && cfg.Manager == nil {
		return nil, errors.New("openai: managed server requires a server manager")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.Server != nil {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d/v1", cfg.Server.Port)
	}

	clientConfig := goopenai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &Backend{
		client:  goopenai.NewClientWithConfig(clientConfig),
		server:  cfg.Server,
		manager: cfg.Manager,
		logger:  logger.With("component", "backend.openai"),
	}, nil
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderOpenAI
}

// Load makes sure the endpoint is up and serves the model. With a managed
// server this starts llama-server for the model first.
func (b *Backend) Load(ctx context.Context, model string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		if err := b.startServer(ctx, model); err != nil {
			return err
		}
	}

	list, err := b.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("openai: list models: %w", err)
	}

	// llama-server serves whatever it was started with under its own alias.
	if b.server == nil && !containsModel(list, model) {
		return fmt.Errorf("openai: %s: %w", model, ErrModelUnavailable)
	}

	b.loaded = model
	return nil
}

func (b *Backend) startServer(ctx context.Context, model string) error {
	if b.loaded != "" && b.loaded != model {
		if err := b.manager.StopServer(serverName, b.server.Port); err != nil {
			b.logger.Warn("Failed to stop previous server", "model", b.loaded, "error", err)
		}
	}

	files, err := backend.ResolveGGUF(model)
	if err != nil {
		return fmt.Errorf("openai: managed server: %w", err)
	}

	cfg := *b.server
	cfg.Name = serverName
	cfg.Args = expandArgs(b.server.Args, files)
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}

	b.logger.Info("Starting managed server", "bin", cfg.BinPath, "port", cfg.Port, "model", model)
	if err := b.manager.StartServer(ctx, cfg); err != nil {
		return fmt.Errorf("openai: %w", err)
	}

	return nil
}

// expandArgs fills placeholders. Arguments without placeholders get the model
// and projector appended.
func expandArgs(args []string, files backend.GGUFFiles) []string {
	out := make([]string, 0, len(args)+4)
	hasPlaceholder := false

	r := strings.NewReplacer(ModelPlaceholder, files.Model, ProjectorPlaceholder, files.Projector)
	for _, a := range args {
		if strings.Contains(a, ModelPlaceholder) || strings.Contains(a, ProjectorPlaceholder) {
			hasPlaceholder = true
			a = r.Replace(a)
		}
		out = append(out, a)
	}

	if !hasPlaceholder {
		out = append(out, "--model", files.Model, "--mmproj", files.Projector)
	}

	return out
}

func containsModel(list goopenai.ModelsList, model string) bool {
	for _, m := range list.Models {
		if m.ID == model {
			return true
		}
	}
	return false
}

// Infer executes synchronous inference.
func (b *Backend) Infer(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	chatReq, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty completion")
	}

	text := resp.Choices[0].Message.Content

	return &backend.Response{
		Output: strings.NewReader(text),
		Metadata: &backend.ResponseMetadata{
			Provider:    b.Provider(),
			Model:       resp.Model,
			Timestamp:   time.Now(),
			OutputBytes: int64(len(text)),
			BackendSpecific: map[string]any{
				"completion_tokens": resp.Usage.CompletionTokens,
				"finish_reason":     string(resp.Choices[0].FinishReason),
			},
		},
	}, nil
}

// InferStream executes streaming inference. Each content delta becomes one chunk.
func (b *Backend) InferStream(ctx context.Context, req *backend.Request) (<-chan backend.StreamChunk, error) {
	chatReq, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion stream: %w", err)
	}

	ch := make(chan backend.StreamChunk, 32)

	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(chunk backend.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(backend.StreamChunk{Done: true})
				return
			}
			if err != nil {
				send(backend.StreamChunk{Error: fmt.Errorf("openai: stream: %w", err), Done: true})
				return
			}

			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(backend.StreamChunk{Data: []byte(resp.Choices[0].Delta.Content)}) {
				return
			}
		}
	}()

	return ch, nil
}

func buildRequest(req *backend.Request) (goopenai.ChatCompletionRequest, error) {
	if len(req.Image) == 0 {
		return goopenai.ChatCompletionRequest{}, backend.ErrNoImage
	}

	prompt := ""
	if req.Input != nil {
		data, err := io.ReadAll(req.Input)
		if err != nil {
			return goopenai.ChatCompletionRequest{}, fmt.Errorf("openai: read input: %w", err)
		}
		prompt = string(data)
	}

	mime := req.ImageMIME
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	chatReq := goopenai.ChatCompletionRequest{
		Model: req.ModelPath,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role: goopenai.ChatMessageRoleUser,
				MultiContent: []goopenai.ChatMessagePart{
					{
						Type:     goopenai.ChatMessagePartTypeImageURL,
						ImageURL: &goopenai.ChatMessageImageURL{URL: dataURL, Detail: goopenai.ImageURLDetailAuto},
					},
					{
						Type: goopenai.ChatMessagePartTypeText,
						Text: prompt,
					},
				},
			},
		},
	}

	p := req.Parameters
	if v := mapsafe.Get(p, "n_predict", 0); v > 0 {
		chatReq.MaxTokens = v
	}
	if mapsafe.Has(p, "temperature") {
		chatReq.Temperature = float32(mapsafe.Get(p, "temperature", 0.0))
	}
	if mapsafe.Has(p, "top_p") {
		chatReq.TopP = float32(mapsafe.Get(p, "top_p", 0.0))
	}
	if v := mapsafe.Get(p, "seed", -1); v >= 0 {
		chatReq.Seed = &v
	}

	return chatReq, nil
}

// Close stops the managed server, if any.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server == nil || b.loaded == "" {
		return nil
	}

	b.loaded = ""
	if err := b.manager.StopServer(serverName, b.server.Port); err != nil {
		return fmt.Errorf("openai: stop server on port %d: %w", b.server.Port, err)
	}
	return nil
}

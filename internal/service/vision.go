package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/mapsafe"
	"github.com/ekisa-team/synlens/internal/model"
	"github.com/ekisa-team/synlens/internal/session"
)

// Vision is a service abstraction for vision-language models. It binds the
// configured model to its backend and implements session.Engine.
type Vision struct {
	backends *backend.Registry
	models   *model.Manager
	logger   *slog.Logger
	modelID  string
	mu       sync.RWMutex
}

// NewVision creates a new Vision service.
func NewVision(backends *backend.Registry, models *model.Manager, modelID string, logger *slog.Logger) *Vision {
	if logger == nil {
		logger = slog.Default()
	}

	return &Vision{
		backends: backends,
		models:   models,
		modelID:  modelID,
		logger:   logger.With("component", "service.vision"),
	}
}

// ModelID returns the model the service uses.
func (s *Vision) ModelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.modelID
}

// SetModelID switches the model used by the next Load.
func (s *Vision) SetModelID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modelID = id
}

// Load downloads the model if needed and lets its backend acquire it.
func (s *Vision) Load(ctx context.Context, progress func(percent int)) (*model.Instance, error) {
	id := s.ModelID()

	inst, err := s.models.Prepare(ctx, id, progress)
	if err != nil {
		return nil, err
	}

	b, err := s.backendFor(inst)
	if err != nil {
		inst.SetError(err)
		return nil, err
	}

	if locator, ok := b.(backend.ModelLocator); ok {
		path, err := locator.ResolveModelPath(inst.Path())
		if err != nil {
			inst.SetError(err)
			return nil, fmt.Errorf("failed to locate model %s: %w", id, err)
		}
		s.logger.Debug("Model file resolved", "model_id", id, "path", path)
	}

	if loader, ok := b.(backend.ModelLoader); ok {
		if err := loader.Load(ctx, inst.Path()); err != nil {
			inst.SetError(err)
			return nil, fmt.Errorf("failed to load model %s: %w", id, err)
		}
	}

	inst.SetStatus(model.ModelStatusLoaded)
	s.logger.Info("Model ready", "model_id", id, "backend", b.Provider())

	return inst, nil
}

// Generate streams a description of the request image.
func (s *Vision) Generate(ctx context.Context, inst *model.Instance, req *session.Request) (<-chan backend.StreamChunk, error) {
	b, err := s.backendFor(inst)
	if err != nil {
		return nil, err
	}

	breq := &backend.Request{
		ModelPath:  inst.Path(),
		Input:      strings.NewReader(req.Prompt),
		Parameters: parameters(inst, req.MaxTokens),
		Image:      req.Image,
		ImageMIME:  req.ImageMIME,
	}

	if bs, ok := b.(backend.StreamingBackend); ok {
		ch, err := bs.InferStream(ctx, breq)
		if err != nil {
			s.logger.Error("Failed to generate streamed description", "error", err)
			return nil, err
		}
		return ch, nil
	}

	return s.inferAsStream(ctx, b, breq)
}

// inferAsStream adapts a non-streaming backend: the whole answer arrives as one token.
func (s *Vision) inferAsStream(ctx context.Context, b backend.Backend, breq *backend.Request) (<-chan backend.StreamChunk, error) {
	ch := make(chan backend.StreamChunk, 2)

	go func() {
		defer close(ch)

		resp, err := b.Infer(ctx, breq)
		if err != nil {
			s.logger.Error("Failed to generate description", "error", err)
			ch <- backend.StreamChunk{Error: err, Done: true}
			return
		}

		var sb strings.Builder
		if resp.Output != nil {
			if _, err := io.Copy(&sb, resp.Output); err != nil {
				ch <- backend.StreamChunk{Error: err, Done: true}
				return
			}
		}
		if sb.Len() > 0 {
			ch <- backend.StreamChunk{Data: []byte(sb.String())}
		}
		ch <- backend.StreamChunk{Done: true}
	}()

	return ch, nil
}

func (s *Vision) backendFor(inst *model.Instance) (backend.Backend, error) {
	provider := backend.BackendProvider(inst.Config().Backend)

	b, ok := s.backends.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, provider)
	}
	return b, nil
}

// parameters copies the model parameters and caps generation at maxTokens.
func parameters(inst *model.Instance, maxTokens int) map[string]any {
	params := make(map[string]any)
	if cfg := inst.Config(); cfg != nil {
		maps.Copy(params, cfg.Parameters)
	}

	if maxTokens > 0 {
		if n := mapsafe.Get(params, "n_predict", 0); n <= 0 || n > maxTokens {
			params["n_predict"] = maxTokens
		}
	}

	return params
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/backend/llama"
	"github.com/ekisa-team/synlens/internal/backend/ollama"
	"github.com/ekisa-team/synlens/internal/backend/openai"
	"github.com/ekisa-team/synlens/internal/config"
	"github.com/ekisa-team/synlens/internal/envvar"
	"github.com/ekisa-team/synlens/internal/frame"
)

// newBackendRegistry registers every engine the config enables.
func newBackendRegistry(cfg *config.Config, servers *backend.ServerManager) (*backend.Registry, error) {
	registry := backend.NewRegistry()

	if c := cfg.Backends.LlamaCPP; c != nil {
		b, err := llama.NewBackend(c.BinPath, time.Duration(c.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp backend: %w", err)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	if c := cfg.Backends.Ollama; c != nil {
		b := ollama.NewBackend(ollama.Config{BaseURL: c.BaseURL, KeepAlive: c.KeepAlive})
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	if c := cfg.Backends.OpenAI; c != nil {
		apiKey := c.APIKey
		if apiKey == "" {
			apiKey = os.Getenv(envvar.SynlensOpenAIAPIKey)
		}

		oc := openai.Config{
			Logger:  slog.Default(),
			BaseURL: c.BaseURL,
			APIKey:  apiKey,
		}
		if s := c.Server; s != nil {
			oc.Manager = servers
			oc.Server = &backend.ServerConfig{
				Env:          s.Env,
				BinPath:      s.BinPath,
				Args:         s.Args,
				Port:         s.Port,
				ReadyTimeout: time.Duration(s.ReadyTimeoutSeconds) * time.Second,
			}
		}

		b, err := openai.NewBackend(oc)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai backend: %w", err)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// camera is a frame source that also accepts uploaded frames.
type camera interface {
	Start(ctx context.Context) error
	Stop() error
	Pause()
	Resume()
	Frames() <-chan *frame.Frame
	CaptureOne(ctx context.Context) (*frame.Frame, error)
	Publish(f *frame.Frame)
}

func newCamera(cfg *config.Config) (camera, error) {
	switch cfg.Camera.Source {
	case "push":
		return frame.NewPushSource(), nil
	case "dir":
		if cfg.Camera.Dir == "" {
			return nil, fmt.Errorf("camera source %q requires a directory", cfg.Camera.Source)
		}
		return frame.NewDirSource(cfg.Camera.Dir, cfg.Camera.FPS, slog.Default()), nil
	}
	return nil, fmt.Errorf("unknown camera source %q", cfg.Camera.Source)
}

package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/ekisa-team/synlens/internal/config"
	"github.com/ekisa-team/synlens/internal/config/source"
	"github.com/ekisa-team/synlens/internal/envvar"
	"github.com/ekisa-team/synlens/internal/xfs"
)

// DownloaderFactory returns the downloader for a source type.
type DownloaderFactory func(ctx context.Context, sourceType config.SourceType) (source.Downloader, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDownloaderFactory replaces how downloaders are chosen.
func WithDownloaderFactory(f DownloaderFactory) ManagerOption {
	return func(m *Manager) {
		m.downloaders = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager orchestrates model lifecycle: registration from config and
// download on first use.
type Manager struct {
	registry    *Registry
	downloaders DownloaderFactory
	logger      *slog.Logger
	modelsPath  string
	mu          sync.RWMutex
}

// NewManager creates a new Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:    NewRegistry(),
		downloaders: source.GetDownloader,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "model.manager")

	return m
}

// Registry returns the model registry.
func (m *Manager) Registry() *Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry
}

// LoadModelsFromConfig registers the models assigned to the vision service.
// Nothing is downloaded here; that happens in Prepare. Instances whose backend
// and source did not change keep their state across reloads.
func (m *Manager) LoadModelsFromConfig(_ context.Context, cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	modelsPath := resolveModelsPath(cfg)
	if err := source.EnsureModelsDirectory(modelsPath); err != nil {
		return fmt.Errorf("failed to prepare models directory %s: %w", modelsPath, err)
	}
	m.modelsPath = modelsPath

	keep := make(map[string]bool)
	for _, modelID := range cfg.Services.Vision.Models {
		modelConfig, ok := cfg.Models[modelID]
		if !ok {
			m.logger.Warn("Model not found in config", "model_id", modelID)
			continue
		}
		if _, err := modelConfig.GetSource(); err != nil {
			return fmt.Errorf("failed to get model source for %s: %w", modelID, err)
		}

		keep[modelID] = true

		if existing, ok := m.registry.Get(modelID); ok && sameAcquisition(existing.Config(), &modelConfig) {
			existing.setConfig(&modelConfig)
			continue
		}

		m.registry.Set(NewInstance(&modelConfig, modelID))
		m.logger.Info("Model registered", "model_id", modelID, "backend", modelConfig.Backend)
	}

	for _, instance := range m.registry.List() {
		if !keep[instance.ID] {
			m.registry.Delete(instance.ID)
			m.logger.Info("Model removed from registry", "model_id", instance.ID)
		}
	}

	return nil
}

func sameAcquisition(a, b *config.ModelConfig) bool {
	return a.Backend == b.Backend && reflect.DeepEqual(a.Source, b.Source)
}

// Prepare makes the model files available and returns the instance with its
// path set. The status moves to Downloading while fetching and to Loading on
// success; on failure the instance is marked Failed.
func (m *Manager) Prepare(ctx context.Context, id string, progress source.ProgressFunc) (*Instance, error) {
	m.mu.RLock()
	instance, ok := m.registry.Get(id)
	modelsPath := m.modelsPath
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	modelConfig := instance.Config()
	modelSource, err := modelConfig.GetSource()
	if err != nil {
		instance.SetError(err)
		return nil, fmt.Errorf("failed to get model source for %s: %w", id, err)
	}

	downloader, err := m.downloaders(ctx, modelSource.Type())
	if err != nil {
		instance.SetError(err)
		return nil, fmt.Errorf("failed to get downloader for %s: %w", id, err)
	}

	instance.SetStatus(ModelStatusDownloading)
	path, cached, err := downloader.Download(ctx, modelConfig, modelsPath, func(percent int) {
		instance.SetProgress(percent)
		if progress != nil {
			progress(percent)
		}
	})
	if err != nil {
		instance.SetError(err)
		return nil, fmt.Errorf("failed to download model %s into %s: %w", id, modelsPath, err)
	}

	instance.SetPath(path)
	instance.SetStatus(ModelStatusLoading)
	m.logger.Info("Model files ready", "model_id", id, "path", path, "cached", cached)

	return instance, nil
}

// resolveModelsPath returns the path to the models directory.
// Precedence:
// 1. SYNLENS_MODELS_PATH environment variable.
// 2. ModelsDir field in the config.
// 3. Default models path.
func resolveModelsPath(cfg *config.Config) string {
	if p := os.Getenv(envvar.SynlensModelsPath); p != "" {
		return xfs.ExpandTilde(p)
	}
	if cfg.Storage.ModelsDir != "" {
		return xfs.ExpandTilde(cfg.Storage.ModelsDir)
	}
	return xfs.ExpandTilde(config.DefaultModelsPath())
}

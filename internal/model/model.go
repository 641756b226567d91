package model

import (
	"sync"
	"time"

	"github.com/ekisa-team/synlens/internal/config"
)

// ModelType is the type of a model.
type ModelType string

// ModelTypeVision is the type of a vision-language model.
const ModelTypeVision ModelType = "vision"

// ModelStatus is the current loading status of a model.
type ModelStatus string

const (
	// ModelStatusUnloaded indicates that the model is not loaded.
	ModelStatusUnloaded ModelStatus = "unloaded"

	// ModelStatusDownloading indicates that the model files are being fetched.
	ModelStatusDownloading ModelStatus = "downloading"

	// ModelStatusLoading indicates that the model is being loaded.
	ModelStatusLoading ModelStatus = "loading"

	// ModelStatusLoaded indicates that the model is loaded.
	ModelStatusLoaded ModelStatus = "loaded"

	// ModelStatusFailed indicates that the model failed to load.
	ModelStatusFailed ModelStatus = "failed"
)

// Instance is a configured model and its acquisition state.
type Instance struct {
	cfg      *config.ModelConfig
	loadedAt *time.Time
	ID       string
	path     string
	status   ModelStatus
	err      string
	progress int
	mu       sync.RWMutex
}

// Info is a point-in-time copy of an Instance.
type Info struct {
	LoadedAt *time.Time  `json:"loaded_at,omitempty"`
	ID       string      `json:"id"`
	Backend  string      `json:"backend"`
	Status   ModelStatus `json:"status"`
	Error    string      `json:"error,omitempty"`
	Progress int         `json:"progress"`
}

// NewInstance creates a new model instance.
func NewInstance(cfg *config.ModelConfig, id string) *Instance {
	return &Instance{
		ID:     id,
		cfg:    cfg,
		status: ModelStatusUnloaded,
	}
}

// Config returns the model configuration.
func (mi *Instance) Config() *config.ModelConfig {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	return mi.cfg
}

func (mi *Instance) setConfig(cfg *config.ModelConfig) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.cfg = cfg
}

// Path returns where the model lives: a local file or directory, or the name
// an engine serves it under.
func (mi *Instance) Path() string {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	return mi.path
}

// SetPath sets the resolved model path.
func (mi *Instance) SetPath(path string) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.path = path
}

// Status returns the current status.
func (mi *Instance) Status() ModelStatus {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	return mi.status
}

// SetStatus sets the status of the model instance. Any status other than
// Failed clears the previous error.
func (mi *Instance) SetStatus(status ModelStatus) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.status = status
	switch status {
	case ModelStatusLoaded:
		now := time.Now()
		mi.loadedAt = &now
		mi.progress = 100
		mi.err = ""
	case ModelStatusFailed:
	case ModelStatusDownloading:
		mi.progress = 0
		mi.err = ""
	default:
		mi.err = ""
	}
}

// SetProgress records download progress in percent.
func (mi *Instance) SetProgress(percent int) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.progress = min(max(percent, 0), 100)
}

// SetError marks the instance failed with err.
func (mi *Instance) SetError(err error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.status = ModelStatusFailed
	mi.loadedAt = nil
	if err != nil {
		mi.err = err.Error()
	}
}

// Info returns a snapshot of the instance.
func (mi *Instance) Info() Info {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	info := Info{
		ID:       mi.ID,
		Status:   mi.status,
		Error:    mi.err,
		Progress: mi.progress,
		LoadedAt: mi.loadedAt,
	}
	if mi.cfg != nil {
		info.Backend = mi.cfg.Backend
	}

	return info
}

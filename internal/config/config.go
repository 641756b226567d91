package config

import (
	"errors"
	"time"
)

// SourceType represents the type of model source.
type SourceType string

const (
	// SourceTypeHuggingFace represents a Hugging Face model repository source.
	SourceTypeHuggingFace SourceType = "huggingface"

	// SourceTypeLocal represents model files already present on disk.
	SourceTypeLocal SourceType = "local"

	// SourceTypeRemote represents a model served by an external runtime (Ollama, OpenAI-compatible server).
	SourceTypeRemote SourceType = "remote"
)

// CaptureMode selects how frames reach the model.
type CaptureMode string

const (
	// CaptureModeContinuous submits admitted camera frames automatically.
	CaptureModeContinuous CaptureMode = "continuous"

	// CaptureModeSingleShot submits a frame only when the user captures one.
	CaptureModeSingleShot CaptureMode = "single_shot"
)

// ErrNoSource is returned when a model has no source configured.
var ErrNoSource = errors.New("no source configured for model")

// ErrNoVisionModel is returned when no model is assigned to the vision service.
var ErrNoVisionModel = errors.New("no model assigned to the vision service")

// Config holds the main configuration for the application.
type Config struct {
	Models    map[string]ModelConfig `json:"models"              yaml:"models"`
	Version   string                 `json:"version"             yaml:"version"`
	Storage   StorageConfig          `json:"storage,omitempty"   yaml:"storage,omitempty"`
	Backends  BackendsConfig         `json:"backends,omitempty"  yaml:"backends,omitempty"`
	Services  ServicesConfig         `json:"services"            yaml:"services"`
	Inference InferenceConfig        `json:"inference,omitempty" yaml:"inference,omitempty"`
	Admission AdmissionConfig        `json:"admission,omitempty" yaml:"admission,omitempty"`
	Camera    CameraConfig           `json:"camera,omitempty"    yaml:"camera,omitempty"`
}

// StorageConfig holds configuration for caching and auto-download.
type StorageConfig struct {
	ModelsDir string `json:"models_dir,omitempty" yaml:"models_dir,omitempty"`
}

// ModelConfig holds configuration for a specific model.
type ModelConfig struct {
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Source     SourceConfig   `json:"source"               yaml:"source"`
	Type       string         `json:"type"                 yaml:"type"`
	Backend    string         `json:"backend"              yaml:"backend"`
	Tags       []string       `json:"tags,omitempty"       yaml:"tags,omitempty"`
	Order      int            `json:"order,omitempty"      yaml:"order,omitempty"`
}

// SourceConfig wraps optional sources (only one should be set).
type SourceConfig struct {
	HuggingFace *HuggingFaceSource `json:"huggingface,omitempty" yaml:"huggingface,omitempty"`
	Local       *LocalSource       `json:"local,omitempty"       yaml:"local,omitempty"`
	Remote      *RemoteSource      `json:"remote,omitempty"      yaml:"remote,omitempty"`
}

// BackendsConfig holds per-engine settings. A nil entry disables the engine.
type BackendsConfig struct {
	LlamaCPP *LlamaCPPBackendConfig `json:"llama_cpp,omitempty" yaml:"llama_cpp,omitempty"`
	Ollama   *OllamaBackendConfig   `json:"ollama,omitempty"    yaml:"ollama,omitempty"`
	OpenAI   *OpenAIBackendConfig   `json:"openai,omitempty"    yaml:"openai,omitempty"`
}

// LlamaCPPBackendConfig configures the llama.cpp multimodal CLI.
type LlamaCPPBackendConfig struct {
	BinPath        string `json:"bin_path"                  yaml:"bin_path"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// OllamaBackendConfig configures an Ollama server.
type OllamaBackendConfig struct {
	BaseURL   string `json:"base_url"             yaml:"base_url"`
	KeepAlive string `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
}

// OpenAIBackendConfig configures an OpenAI-compatible chat completions endpoint.
// When Server is set, a local llama-server is started and the endpoint points at it.
type OpenAIBackendConfig struct {
	Server  *ManagedServerConfig `json:"server,omitempty"   yaml:"server,omitempty"`
	BaseURL string               `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string               `json:"api_key,omitempty"  yaml:"api_key,omitempty"`
}

// ManagedServerConfig describes a server process started on model load.
type ManagedServerConfig struct {
	Env                 map[string]string `json:"env,omitempty"                   yaml:"env,omitempty"`
	BinPath             string            `json:"bin_path"                        yaml:"bin_path"`
	Args                []string          `json:"args,omitempty"                  yaml:"args,omitempty"`
	Port                int               `json:"port"                            yaml:"port"`
	ReadyTimeoutSeconds int               `json:"ready_timeout_seconds,omitempty" yaml:"ready_timeout_seconds,omitempty"`
}

// ServicesConfig holds configuration for all services.
type ServicesConfig struct {
	Vision ServicesConfigAssignment `json:"vision" yaml:"vision"`
}

// ServicesConfigAssignment holds model assignments for a service.
type ServicesConfigAssignment struct {
	Models []string `json:"models" yaml:"models"` // List of model IDs
}

// InferenceConfig holds generation tunables.
type InferenceConfig struct {
	Prompt           string `json:"prompt,omitempty"            yaml:"prompt,omitempty"`
	MaxTokens        int    `json:"max_tokens,omitempty"        yaml:"max_tokens,omitempty"`
	SnapshotInterval int    `json:"snapshot_interval,omitempty" yaml:"snapshot_interval,omitempty"`
}

// AdmissionConfig holds frame admission tunables.
type AdmissionConfig struct {
	TargetLatencyMS int  `json:"target_latency_ms,omitempty" yaml:"target_latency_ms,omitempty"`
	InitialSkip     *int `json:"initial_skip,omitempty"      yaml:"initial_skip,omitempty"`
	HistorySize     int  `json:"history_size,omitempty"      yaml:"history_size,omitempty"`
}

// CameraConfig selects the frame source.
type CameraConfig struct {
	Mode   CaptureMode `json:"mode,omitempty"   yaml:"mode,omitempty"`
	Source string      `json:"source,omitempty" yaml:"source,omitempty"`
	Dir    string      `json:"dir,omitempty"    yaml:"dir,omitempty"`
	FPS    float64     `json:"fps,omitempty"    yaml:"fps,omitempty"`
}

// -------------------------
// Source definitions
// -------------------------

// ModelSource represents a source for a model.
type ModelSource interface {
	Type() SourceType
}

// HuggingFaceSource represents a Hugging Face model repository source.
type HuggingFaceSource struct {
	Repo          string   `json:"repo"                     yaml:"repo"`
	Revision      string   `json:"revision,omitempty"       yaml:"revision,omitempty"`
	RepoType      string   `json:"repo_type,omitempty"      yaml:"repo_type,omitempty"`
	Token         string   `json:"token,omitempty"          yaml:"token,omitempty"`
	Include       []string `json:"include,omitempty"        yaml:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty"        yaml:"exclude,omitempty"`
	MaxWorkers    int      `json:"max_workers,omitempty"    yaml:"max_workers,omitempty"`
	ForceDownload bool     `json:"force_download,omitempty" yaml:"force_download,omitempty"`
}

// Type returns the Hugging Face source type.
func (h HuggingFaceSource) Type() SourceType {
	return SourceTypeHuggingFace
}

// LocalSource points at a directory or file already on disk.
type LocalSource struct {
	Path string `json:"path" yaml:"path"`
}

// Type returns the local source type.
func (l LocalSource) Type() SourceType {
	return SourceTypeLocal
}

// RemoteSource names a model the engine itself provides.
type RemoteSource struct {
	Name string `json:"name" yaml:"name"`
}

// Type returns the remote source type.
func (r RemoteSource) Type() SourceType {
	return SourceTypeRemote
}

// GetSource returns the active source for the model.
func (m *ModelConfig) GetSource() (ModelSource, error) {
	switch {
	case m.Source.HuggingFace != nil:
		return *m.Source.HuggingFace, nil
	case m.Source.Local != nil:
		return *m.Source.Local, nil
	case m.Source.Remote != nil:
		return *m.Source.Remote, nil
	}

	return nil, ErrNoSource
}

// SetHuggingFaceSource sets the Hugging Face source.
func (m *ModelConfig) SetHuggingFaceSource(source HuggingFaceSource) {
	m.Source = SourceConfig{HuggingFace: &source}
}

// VisionModelID returns the first model assigned to the vision service.
func (c *Config) VisionModelID() (string, error) {
	for _, id := range c.Services.Vision.Models {
		if _, ok := c.Models[id]; ok {
			return id, nil
		}
	}

	return "", ErrNoVisionModel
}

// TargetLatency returns the admission target as a duration, or zero when unset.
func (a AdmissionConfig) TargetLatency() time.Duration {
	return time.Duration(a.TargetLatencyMS) * time.Millisecond
}

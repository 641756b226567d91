package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/ekisa-team/synlens/internal/envvar"
)

const (
	defaultHTTPPort = 8080
	defaultGRPCPort = 9090

	// DefaultPrompt is used when neither the request nor the config names one.
	DefaultPrompt = "Describe what you see in one short sentence."

	// DefaultMaxTokens caps one generation.
	DefaultMaxTokens = 240

	// DefaultSnapshotInterval is the number of tokens between response snapshots.
	DefaultSnapshotInterval = 4

	// DefaultCameraFPS is the replay rate of directory frame sources.
	DefaultCameraFPS = 15.0
)

// DefaultHTTPPort returns the HTTP port from SYNLENS_SERVER_HTTP_PORT or the default.
func DefaultHTTPPort() int {
	return portFromEnv(envvar.SynlensServerHTTPPort, defaultHTTPPort)
}

// DefaultGRPCPort returns the gRPC port from SYNLENS_SERVER_GRPC_PORT or the default.
func DefaultGRPCPort() int {
	return portFromEnv(envvar.SynlensServerGRPCPort, defaultGRPCPort)
}

func portFromEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return fallback
}

// DefaultConfigPath returns the default path for SYNLENS config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "synlens", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "synlens")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "synlens")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "synlens")
		}
		return filepath.Join(home, ".config", "synlens")
	}
}

// DefaultModelsPath returns the default path for SYNLENS models directory.
func DefaultModelsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "synlens", "models")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "synlens", "models")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "synlens", "models")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "synlens", "models")
		}
		return filepath.Join(home, ".cache", "synlens", "models")
	}
}

// ApplyDefaults fills zero-valued tunables.
func (c *Config) ApplyDefaults() {
	if c.Inference.Prompt == "" {
		c.Inference.Prompt = DefaultPrompt
	}
	if c.Inference.MaxTokens <= 0 {
		c.Inference.MaxTokens = DefaultMaxTokens
	}
	if c.Inference.SnapshotInterval <= 0 {
		c.Inference.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.Camera.Mode == "" {
		c.Camera.Mode = CaptureModeContinuous
	}
	if c.Camera.Source == "" {
		c.Camera.Source = "push"
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = DefaultCameraFPS
	}
}

package source

import (
	"context"
	"fmt"
	"os"

	"github.com/ekisa-team/synlens/internal/config"
	"github.com/ekisa-team/synlens/internal/xfs"
)

// LocalDownloader resolves models that already live on disk.
type LocalDownloader struct{}

// Download checks that the configured path exists.
func (d *LocalDownloader) Download(_ context.Context, modelConfig *config.ModelConfig, _ string, progress ProgressFunc) (string, bool, error) {
	src, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	local, ok := src.(config.LocalSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", src)
	}

	path := xfs.ExpandTilde(local.Path)
	if _, err := os.Stat(path); err != nil {
		return "", false, fmt.Errorf("local model path %s: %w", path, err)
	}

	report(progress, 100)
	return path, true, nil
}

// RemoteDownloader handles models served by the engine itself; nothing is downloaded.
type RemoteDownloader struct{}

// Download returns the model name as its path.
func (d *RemoteDownloader) Download(_ context.Context, modelConfig *config.ModelConfig, _ string, progress ProgressFunc) (string, bool, error) {
	src, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	remote, ok := src.(config.RemoteSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", src)
	}

	report(progress, 100)
	return remote.Name, true, nil
}

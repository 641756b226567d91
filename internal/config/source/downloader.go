package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ekisa-team/synlens/internal/config"
)

// ErrUnsupportedSource is returned when no downloader handles a source type.
var ErrUnsupportedSource = errors.New("unsupported model source")

// ProgressFunc receives download progress in percent (0-100).
type ProgressFunc func(percent int)

// Downloader makes a model available on local disk.
// It returns the resolved path, whether it was already cached, and an error.
type Downloader interface {
	Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string, progress ProgressFunc) (string, bool, error)
}

// GetDownloader returns the downloader for a source type.
func GetDownloader(_ context.Context, sourceType config.SourceType) (Downloader, error) {
	switch sourceType {
	case config.SourceTypeHuggingFace:
		return &HuggingFaceDownloader{}, nil
	case config.SourceTypeLocal:
		return &LocalDownloader{}, nil
	case config.SourceTypeRemote:
		return &RemoteDownloader{}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, sourceType)
}

// EnsureModelsDirectory creates the models directory if needed.
func EnsureModelsDirectory(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}

	if !os.IsNotExist(err) {
		return err
	}

	return os.MkdirAll(path, 0o755)
}

func report(progress ProgressFunc, percent int) {
	if progress != nil {
		progress(percent)
	}
}

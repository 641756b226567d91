package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ModelLocator is an optional interface for backends that can locate
// the actual model file to load or execute.
type ModelLocator interface {
	// ResolveModelPath resolves the real model path inside the base downloaded directory.
	ResolveModelPath(basePath string) (string, error)
}

const (
	ggufExt         = ".gguf"
	projectorPrefix = "mmproj"
)

// GGUFFiles holds the two files a llama.cpp vision model needs.
type GGUFFiles struct {
	Model     string
	Projector string
}

// ResolveGGUF finds the language model and its vision projector. basePath may be
// the download directory or the model file itself; the projector is looked up
// next to the model. Ties are broken by name so the choice is stable.
func ResolveGGUF(basePath string) (GGUFFiles, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return GGUFFiles{}, fmt.Errorf("%w: %w", ErrNoModelFile, err)
	}

	model := basePath
	dir := filepath.Dir(basePath)

	if info.IsDir() {
		dir = basePath
		models, err := ggufIn(dir, false)
		if err != nil {
			return GGUFFiles{}, err
		}
		if len(models) == 0 {
			return GGUFFiles{}, fmt.Errorf("%w: no %s model in %s", ErrNoModelFile, ggufExt, dir)
		}
		model = models[0]
	}

	projectors, err := ggufIn(dir, true)
	if err != nil {
		return GGUFFiles{}, err
	}
	if len(projectors) == 0 {
		return GGUFFiles{}, fmt.Errorf("%w: no %s projector in %s", ErrNoModelFile, projectorPrefix, dir)
	}

	return GGUFFiles{Model: model, Projector: projectors[0]}, nil
}

func ggufIn(dir string, projector bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoModelFile, err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ggufExt) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), projectorPrefix) != projector {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)

	return out, nil
}

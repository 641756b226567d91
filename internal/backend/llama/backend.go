package llama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/mapsafe"
)

const (
	defaultTimeout   = 2 * time.Minute
	defaultNPredict  = 240
	tempImagePattern = "synlens-frame-*"
)

// Backend implements backend.StreamingBackend for the llama.cpp multimodal CLI (llama-mtmd-cli).
type Backend struct {
	executor *backend.Executor
	tempDir  string
}

// NewBackend creates a new llama.cpp backend.
func NewBackend(binPath string, timeout time.Duration) (*Backend, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	executor, err := backend.NewExecutor(binPath, timeout, backend.WithSplit(backend.ScanAvailable))
	if err != nil {
		return nil, err
	}

	return NewBackendWithExecutor(executor), nil
}

// NewBackendWithExecutor creates a backend on top of an existing executor.
func NewBackendWithExecutor(executor *backend.Executor) *Backend {
	return &Backend{
		executor: executor,
		tempDir:  os.TempDir(),
	}
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderLlamaCPP
}

// Load verifies that the language model and its vision projector can be found.
// The CLI maps the model on every run, so there is nothing else to warm up.
func (b *Backend) Load(_ context.Context, modelPath string) error {
	_, err := backend.ResolveGGUF(modelPath)
	return err
}

// ResolveModelPath returns the language model file inside basePath.
func (b *Backend) ResolveModelPath(basePath string) (string, error) {
	files, err := backend.ResolveGGUF(basePath)
	if err != nil {
		return "", err
	}
	return files.Model, nil
}

// Infer executes synchronous inference.
func (b *Backend) Infer(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	args, cleanup, err := b.prepare(req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stdout, stderr, err := b.executor.Execute(ctx, args, nil)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w\nstderr: %s", err, stderr)
	}

	text := b.parseOutput(string(stdout))

	return &backend.Response{
		Output: strings.NewReader(text),
		Metadata: &backend.ResponseMetadata{
			Provider:    b.Provider(),
			Model:       req.ModelPath,
			Timestamp:   time.Now(),
			OutputBytes: int64(len(text)),
			BackendSpecific: map[string]any{
				"stderr": string(stderr),
				"args":   strings.Join(args, " "),
			},
		},
	}, nil
}

// InferStream executes streaming inference. Each chunk is whatever the CLI
// flushed to stdout, which is one token in practice.
func (b *Backend) InferStream(ctx context.Context, req *backend.Request) (<-chan backend.StreamChunk, error) {
	args, cleanup, err := b.prepare(req)
	if err != nil {
		return nil, err
	}

	in, err := b.executor.Stream(ctx, args, nil)
	if err != nil {
		cleanup()
		return nil, err
	}

	out := make(chan backend.StreamChunk, cap(in))
	go func() {
		defer close(out)
		defer cleanup()

		for chunk := range in {
			select {
			case out <- chunk:
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()

	return out, nil
}

// prepare resolves model files, writes the image to a temp file and builds arguments.
func (b *Backend) prepare(req *backend.Request) ([]string, func(), error) {
	if len(req.Image) == 0 {
		return nil, nil, backend.ErrNoImage
	}

	files, err := backend.ResolveGGUF(req.ModelPath)
	if err != nil {
		return nil, nil, err
	}

	prompt, err := readPrompt(req.Input)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.CreateTemp(b.tempDir, tempImagePattern+imageExt(req.ImageMIME))
	if err != nil {
		return nil, nil, fmt.Errorf("create image file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.Write(req.Image); err != nil {
		f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("write image file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("close image file: %w", err)
	}

	return b.buildArgs(req.Parameters, files, f.Name(), prompt), cleanup, nil
}

func readPrompt(r io.Reader) (string, error) {
	if r == nil {
		return "", nil
	}

	prompt, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(prompt), nil
}

func imageExt(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	default:
		return ".jpg"
	}
}

// buildArgs builds llama-mtmd-cli command-line arguments.
func (b *Backend) buildArgs(p map[string]any, files backend.GGUFFiles, image, prompt string) []string {
	args := []string{
		"--model", files.Model,
		"--mmproj", files.Projector,
		"--image", image,
		"--prompt", prompt,
		"-n", strconv.Itoa(mapsafe.Get(p, "n_predict", defaultNPredict)),
	}

	if v := mapsafe.Get(p, "n_ctx", 0); v > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(v))
	}
	if v := mapsafe.Get(p, "n_gpu_layers", -1); v >= 0 {
		args = append(args, "-ngl", strconv.Itoa(v))
	}
	if v := mapsafe.Get(p, "threads", 0); v > 0 {
		args = append(args, "-t", strconv.Itoa(v))
	}
	if mapsafe.Has(p, "temperature") {
		args = append(args, "--temp", fmt.Sprintf("%.2f", mapsafe.Get(p, "temperature", 0.0)))
	}
	if mapsafe.Has(p, "top_p") {
		args = append(args, "--top-p", fmt.Sprintf("%.2f", mapsafe.Get(p, "top_p", 0.0)))
	}
	if v := mapsafe.Get(p, "top_k", 0); v > 0 {
		args = append(args, "--top-k", strconv.Itoa(v))
	}
	args = append(args, "--repeat-penalty", fmt.Sprintf("%.2f", mapsafe.Get(p, "repeat_penalty", 1.1)))

	args = append(args, "--no-warmup")

	return args
}

// parseOutput drops log lines the CLI may print to stdout.
func (b *Backend) parseOutput(output string) string {
	lines := strings.Split(output, "\n")
	var result bytes.Buffer

	for _, line := range lines {
		if strings.HasPrefix(line, "llama_") ||
			strings.HasPrefix(line, "ggml_") ||
			strings.HasPrefix(line, "clip_") ||
			strings.HasPrefix(line, "mtmd_") ||
			strings.HasPrefix(line, "load:") ||
			strings.HasPrefix(line, "main:") ||
			strings.HasPrefix(line, "encoding image") ||
			strings.HasPrefix(line, "image ") {
			continue
		}

		result.WriteString(line)
		result.WriteString("\n")
	}

	return strings.TrimSpace(result.String())
}

// Close cleans up resources. The CLI holds nothing between runs.
func (b *Backend) Close() error {
	return nil
}

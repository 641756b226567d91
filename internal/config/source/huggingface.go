package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ekisa-team/synlens/internal/config"
)

const (
	defaultRetryDelay = 2 * time.Second
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Minute
	defaultBinary     = "hf"
	markerFilename    = ".synlens-downloaded"
)

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// HuggingFaceDownloader downloads a model from Hugging Face with the hf CLI.
type HuggingFaceDownloader struct {
	// Binary overrides the hf executable. Empty means "hf" from PATH.
	Binary string

	// RetryDelay overrides the delay between attempts.
	RetryDelay time.Duration
}

// Download downloads Hugging Face model to local cache.
func (d *HuggingFaceDownloader) Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string, progress ProgressFunc) (string, bool, error) {
	source, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	hfSource, ok := source.(config.HuggingFaceSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", source)
	}

	repo := strings.TrimSpace(hfSource.Repo)
	if repo == "" {
		return "", false, fmt.Errorf("invalid repo name: %q", hfSource.Repo)
	}

	fullPath := filepath.Join(targetDir, repo)
	markerPath := filepath.Join(fullPath, markerFilename)
	markerContent := d.markerContent(repo, hfSource.Revision)

	if _, err := os.Stat(markerPath); err == nil && !hfSource.ForceDownload {
		if !d.shouldRedownload(markerPath, markerContent) {
			slog.Info("Model already downloaded and up-to-date (marker match), skipping", "repo", repo, "path", fullPath)
			report(progress, 100)
			return fullPath, true, nil
		}
	}

	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create directory: %w", err)
	}

	args := d.buildArgs(hfSource, repo, fullPath)

	retryDelay := d.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}

	var lastErr error
	for attempt := range defaultMaxRetries {
		if attempt > 0 {
			slog.Info("Retrying download", "repo", repo, "attempt", attempt+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", false, fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(retryDelay):
			}
		} else {
			slog.Info("Downloading model", "repo", repo, "path", fullPath)
		}

		report(progress, 0)

		attemptCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		output, err := d.run(attemptCtx, args, progress)
		cancel()

		if err == nil {
			if err := os.WriteFile(markerPath, []byte(markerContent), 0o644); err != nil {
				slog.Warn("Failed to write download marker", "path", markerPath, "error", err)
			} else {
				slog.Debug("Download marker updated", "path", markerPath)
			}

			report(progress, 100)
			slog.Info("Model downloaded successfully", "repo", repo, "path", fullPath, "attempt", attempt+1)
			return fullPath, false, nil
		}

		lastErr = err
		slog.Error("Failed to download model", "repo", repo, "path", fullPath, "attempt", attempt+1, "error", err, "output", output)

		if ctx.Err() != nil {
			return "", false, fmt.Errorf("download canceled: %w", ctx.Err())
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			slog.Warn("Download timed out", "repo", repo, "path", fullPath, "attempt", attempt+1)
		}
	}

	return "", false, fmt.Errorf("download %s failed after %d attempts: %w", repo, defaultMaxRetries, lastErr)
}

func (d *HuggingFaceDownloader) buildArgs(hfSource config.HuggingFaceSource, repo, fullPath string) []string {
	args := []string{
		"download",
		repo,
		"--local-dir", fullPath,
	}

	if hfSource.Revision != "" {
		args = append(args, "--revision", hfSource.Revision)
	}
	if hfSource.RepoType != "" {
		args = append(args, "--repo-type", hfSource.RepoType)
	}
	for _, inc := range hfSource.Include {
		args = append(args, "--include", inc)
	}
	for _, exc := range hfSource.Exclude {
		args = append(args, "--exclude", exc)
	}
	if hfSource.ForceDownload {
		args = append(args, "--force-download")
	}
	if hfSource.Token != "" {
		args = append(args, "--token", hfSource.Token)
	}
	if hfSource.MaxWorkers > 0 {
		args = append(args, "--max-workers", strconv.Itoa(hfSource.MaxWorkers))
	}

	return args
}

// run executes the CLI, forwarding progress parsed from its progress bars.
// It returns the tail of the combined output for diagnostics.
func (d *HuggingFaceDownloader) run(ctx context.Context, args []string, progress ProgressFunc) (string, error) {
	bin := d.Binary
	if bin == "" {
		bin = defaultBinary
	}

	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	var tail []string
	scanProgress(stderr, func(line string) {
		if pct, ok := parsePercent(line); ok {
			report(progress, pct)
		}
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	})

	err = cmd.Wait()
	return stdout.String() + strings.Join(tail, "\n"), err
}

// scanProgress splits r on both '\n' and '\r' since progress bars redraw in place.
func scanProgress(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})

	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
}

func parsePercent(line string) (int, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		return 0, false
	}
	return pct, true
}

// markerContent generates the expected content of the marker file.
// Used to detect if we need to redownload due to config change.
func (d *HuggingFaceDownloader) markerContent(repo, revision string) string {
	return fmt.Sprintf("repo: %s\nrevision: %s\n", repo, revision)
}

// shouldRedownload checks if the model should be redownloaded by comparing marker content.
func (d *HuggingFaceDownloader) shouldRedownload(markerPath, expectedContent string) bool {
	content, err := os.ReadFile(markerPath)
	if err != nil {
		slog.Debug("Marker file missing or unreadable", "path", markerPath, "error", err)
		return true
	}

	if string(content) != expectedContent {
		slog.Info("Model config changed (marker mismatch), will redownload",
			"marker_path", markerPath,
			"expected_snippet", expectedContent,
			"actual_snippet", string(content))
		return true
	}

	return false
}

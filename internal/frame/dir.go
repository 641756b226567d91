package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ekisa-team/synlens/internal/xfs"
)

// ImageExtensions are the files a DirSource replays.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ErrNoImages is returned when a directory holds no image to replay.
var ErrNoImages = errors.New("no images in directory")

// DirSource replays the images of a directory as a camera, looping at a fixed
// rate. Images added while running join the rotation.
type DirSource struct {
	*PushSource
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	dir      string
	files    []string
	interval time.Duration
	next     int
	mu       sync.Mutex
}

// NewDirSource creates a DirSource replaying dir at fps frames per second.
func NewDirSource(dir string, fps float64, logger *slog.Logger) *DirSource {
	if fps <= 0 {
		fps = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DirSource{
		PushSource: NewPushSource(),
		logger:     logger.With("component", "frame.dir", "dir", dir),
		dir:        xfs.ExpandTilde(dir),
		interval:   time.Duration(float64(time.Second) / fps),
	}
}

// Start scans the directory and begins replaying. Starting a running source
// is a no-op.
func (s *DirSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return s.PushSource.Start(ctx)
	}

	files, err := xfs.ListFiles(s.dir, ImageExtensions...)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.dir, err)
	}
	s.files = files

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(s.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	if err := s.PushSource.Start(ctx); err != nil {
		fsw.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, fsw, s.done)

	s.logger.Info("Directory camera started", "images", len(files), "interval", s.interval)
	return nil
}

// Stop stops replaying and watching.
func (s *DirSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	return s.PushSource.Stop()
}

// CaptureOne reads the next image of the rotation right away.
func (s *DirSource) CaptureOne(context.Context) (*Frame, error) {
	f, err := s.nextFrame()
	if err != nil {
		return nil, err
	}

	f.Seq = s.seq.Add(1)
	return f, nil
}

func (s *DirSource) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer fsw.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			f, err := s.nextFrame()
			if err != nil {
				if !errors.Is(err, ErrNoImages) {
					s.logger.Warn("Failed to read frame", "error", err)
				}
				continue
			}
			s.Publish(f)

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("Watcher error", "error", err)
		}
	}
}

func (s *DirSource) handleEvent(event fsnotify.Event) {
	if !slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(event.Name))) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case event.Op&fsnotify.Create != 0:
		if !slices.Contains(s.files, event.Name) {
			s.files = append(s.files, event.Name)
			slices.Sort(s.files)
			s.logger.Debug("Image added", "file", event.Name)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if i := slices.Index(s.files, event.Name); i >= 0 {
			s.files = slices.Delete(s.files, i, i+1)
			s.logger.Debug("Image removed", "file", event.Name)
		}
	}
}

func (s *DirSource) isPaused() bool {
	s.PushSource.mu.Lock()
	defer s.PushSource.mu.Unlock()

	return s.paused
}

// nextFrame reads the next image of the rotation, skipping unreadable files.
func (s *DirSource) nextFrame() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		files, err := xfs.ListFiles(s.dir, ImageExtensions...)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
		}
		s.files = files
	}

	for range len(s.files) {
		if s.next >= len(s.files) {
			s.next = 0
		}
		path := s.files[s.next]
		s.next++

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Failed to read image", "file", path, "error", err)
			continue
		}
		f, err := New(data)
		if err != nil {
			s.logger.Warn("Skipping file", "file", path, "error", err)
			continue
		}
		return f, nil
	}

	return nil, ErrNoImages
}

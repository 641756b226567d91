package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/model"
)

const (
	// DefaultMaxTokens is the generation budget per request.
	DefaultMaxTokens = 240

	// DefaultSnapshotInterval is how many tokens pass between response snapshots.
	DefaultSnapshotInterval = 4
)

// Engine is the inference runtime a Session drives.
type Engine interface {
	// Load acquires the model. progress receives download progress in percent.
	Load(ctx context.Context, progress func(percent int)) (*model.Instance, error)

	// Generate starts a generation. Each chunk with data is one token. The
	// channel is closed after a Done chunk or once ctx is cancelled.
	Generate(ctx context.Context, inst *model.Instance, req *Request) (<-chan backend.StreamChunk, error)
}

// LoadState is the model acquisition state.
type LoadState string

const (
	LoadStateUnloaded LoadState = "unloaded"
	LoadStateLoading  LoadState = "loading"
	LoadStateReady    LoadState = "ready"
)

// Status is a point-in-time copy of the session state.
type Status struct {
	LoadState    LoadState `json:"load_state"`
	Phase        Phase     `json:"phase"`
	RequestID    string    `json:"request_id,omitempty"`
	Response     string    `json:"response"`
	LoadError    string    `json:"load_error,omitempty"`
	Progress     int       `json:"progress"`
	IsProcessing bool      `json:"is_processing"`
}

// IsModelLoaded reports whether the model is Ready.
func (s Status) IsModelLoaded() bool {
	return s.LoadState == LoadStateReady
}

// Options configures a Session.
type Options struct {
	Logger           *slog.Logger
	MaxTokens        int
	SnapshotInterval int
}

// Session serializes access to one model: it loads it once and runs at most
// one generation at a time.
type Session struct {
	engine        Engine
	logger        *slog.Logger
	ctx           context.Context
	stop          context.CancelFunc
	loads         singleflight.Group
	maxTokens     int
	snapshotEvery int

	mu        sync.Mutex
	loadState LoadState
	handle    *model.Instance
	loadErr   string
	stale     bool
	progress  int
	phase     Phase
	task      *task
	response  string
	closed    bool
}

type task struct {
	req       *Request
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	events    chan Event
	result    *Result
	err       error
	cancelled atomic.Bool
	streaming bool

	// emitMu orders event delivery against cancellation.
	emitMu sync.Mutex
}

// New creates a Session.
func New(engine Engine, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	every := opts.SnapshotInterval
	if every <= 0 {
		every = DefaultSnapshotInterval
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Session{
		engine:        engine,
		logger:        logger.With("component", "session"),
		ctx:           ctx,
		stop:          stop,
		maxTokens:     maxTokens,
		snapshotEvery: every,
		loadState:     LoadStateUnloaded,
		progress:      -1,
		phase:         PhaseIdle,
	}
}

// Load acquires the model unless it is already Ready. Concurrent callers share
// one acquisition. The acquisition itself outlives a caller whose ctx ends.
func (s *Session) Load(ctx context.Context) (*model.Instance, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.loadState == LoadStateReady {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	ch := s.loads.DoChan("load", func() (any, error) {
		return s.acquire()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) acquire() (*model.Instance, error) {
	s.mu.Lock()
	if s.loadState == LoadStateReady {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.loadState = LoadStateLoading
	s.loadErr = ""
	s.progress = -1
	s.mu.Unlock()

	s.logger.Info("Loading model")
	start := time.Now()

	for {
		inst, err := s.engine.Load(s.ctx, func(percent int) {
			s.mu.Lock()
			if s.loadState == LoadStateLoading {
				s.progress = percent
			}
			s.mu.Unlock()
		})

		s.mu.Lock()
		s.progress = -1
		stale := s.stale
		s.stale = false

		if err != nil {
			s.loadState = LoadStateUnloaded
			s.loadErr = err.Error()
			s.mu.Unlock()
			s.logger.Error("Failed to load model", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
		}

		if stale {
			s.mu.Unlock()
			s.logger.Info("Model unloaded while loading, loading again", "model_id", inst.ID)
			continue
		}

		s.loadState = LoadStateReady
		s.handle = inst
		s.mu.Unlock()
		s.logger.Info("Model loaded", "model_id", inst.ID, "duration", time.Since(start))

		return inst, nil
	}
}

// Unload forgets the Ready handle so the next Load acquires the model again.
// It does nothing while a generation is in progress. A load in progress is
// marked stale and acquires the model again once it lands; Unload still
// reports false then.
func (s *Session) Unload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadState == LoadStateLoading {
		s.stale = true
		return false
	}
	if s.loadState != LoadStateReady || s.task != nil {
		return false
	}
	s.loadState = LoadStateUnloaded
	s.handle = nil
	return true
}

// Generate runs a blocking generation. While another blocking generation is in
// flight the call waits for it and returns the very same *Result; a running
// streaming generation makes it fail with ErrBusy. Failures are reported as
// ErrModelLoadFailed, ErrGenerationFailed or ErrCancelled together with the
// partial result.
func (s *Session) Generate(ctx context.Context, req *Request) (*Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if t := s.task; t != nil {
		s.mu.Unlock()
		if t.streaming {
			return nil, ErrBusy
		}
		return t.wait(ctx)
	}
	t := s.start(ctx, req, false)
	s.mu.Unlock()

	s.run(t)
	return t.result, t.err
}

// GenerateStreaming starts a generation and returns its events. The channel is
// closed after PhaseChange(Idle). It fails with ErrBusy while any generation runs.
func (s *Session) GenerateStreaming(ctx context.Context, req *Request) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.task != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	t := s.start(ctx, req, true)
	s.mu.Unlock()

	go s.run(t)
	return t.events, nil
}

// start registers a new task. Must be called with s.mu held.
func (s *Session) start(ctx context.Context, req *Request, streaming bool) *task {
	r := *req
	if r.MaxTokens <= 0 || r.MaxTokens > s.maxTokens {
		r.MaxTokens = s.maxTokens
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &task{
		req:       &r,
		ctx:       tctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		result:    &Result{RequestID: r.ID},
		streaming: streaming,
	}
	if streaming {
		// Sized for every event a request can produce so the producer never blocks.
		t.events = make(chan Event, r.MaxTokens/s.snapshotEvery+8)
	}

	s.task = t
	s.phase = PhaseProcessingPrompt
	s.response = ""

	return t
}

// Cancel stops the running generation, if any. When it returns the session no
// longer reports processing and the cancelled request delivers no further
// tokens, time-to-first-token or completion.
func (s *Session) Cancel() {
	s.mu.Lock()
	t := s.task
	if t != nil {
		s.task = nil
		s.phase = PhaseIdle
	}
	s.mu.Unlock()

	if t == nil {
		return
	}

	t.emitMu.Lock()
	t.cancelled.Store(true)
	t.emitMu.Unlock()
	t.cancel()

	s.logger.Debug("Generation cancelled", "request_id", t.req.ID)
}

// ClearResponse drops the cached response text.
func (s *Session) ClearResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.response = ""
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		LoadState:    s.loadState,
		Phase:        s.phase,
		Response:     s.response,
		LoadError:    s.loadErr,
		Progress:     s.progress,
		IsProcessing: s.task != nil,
	}
	if s.task != nil {
		st.RequestID = s.task.req.ID
	}

	return st
}

// Info returns a human-readable model status.
func (s *Session) Info() string {
	st := s.Status()

	switch st.LoadState {
	case LoadStateReady:
		return "Ready"
	case LoadStateLoading:
		if st.Progress >= 0 && st.Progress < 100 {
			return fmt.Sprintf("Downloading %d%%", st.Progress)
		}
		return "Loading"
	}

	if st.LoadError != "" {
		return "Load failed: " + st.LoadError
	}
	return "Unloaded"
}

// Close cancels the running generation and any load in progress.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Cancel()
	s.stop()

	return nil
}

func (s *Session) run(t *task) {
	start := time.Now()
	defer s.finish(t, start)

	t.emit(phaseEvent(t.req.ID, PhaseProcessingPrompt))

	if t.cancelled.Load() {
		t.fail(ErrCancelled)
		return
	}

	inst, err := s.Load(t.ctx)
	if err != nil {
		if t.stopped() {
			t.fail(ErrCancelled)
		} else {
			t.fail(err)
		}
		return
	}

	chunks, err := s.engine.Generate(t.ctx, inst, t.req)
	if err != nil {
		if t.stopped() {
			t.fail(ErrCancelled)
		} else {
			t.fail(fmt.Errorf("%w: %w", ErrGenerationFailed, err))
		}
		return
	}

	// Leave the producer to wind down on its own after an early exit.
	defer func() {
		t.cancel()
		go func() {
			for range chunks {
			}
		}()
	}()

	var text strings.Builder
	tokens := 0

	for chunk := range chunks {
		if t.cancelled.Load() {
			break
		}
		if chunk.Error != nil {
			if t.stopped() {
				break
			}
			t.result.Text = text.String()
			t.result.Tokens = tokens
			t.fail(fmt.Errorf("%w: %w", ErrGenerationFailed, chunk.Error))
			return
		}

		if len(chunk.Data) > 0 {
			tokens++
			text.Write(chunk.Data)

			if tokens == 1 {
				t.result.TimeToFirstToken = time.Since(start)
				t.emit(ttftEvent(t.req.ID, t.result.TimeToFirstToken))
				s.setPhase(t, PhaseGeneratingResponse)
				t.emit(phaseEvent(t.req.ID, PhaseGeneratingResponse))
			}
			if tokens == 1 || tokens%s.snapshotEvery == 0 {
				snapshot := text.String()
				s.setResponse(t, snapshot)
				t.emit(tokenEvent(t.req.ID, snapshot, tokens))
			}

			if tokens >= t.req.MaxTokens {
				t.result.Truncated = true
				break
			}
		}

		if chunk.Done {
			break
		}
	}

	t.result.Text = text.String()
	t.result.Tokens = tokens

	if t.stopped() {
		t.fail(ErrCancelled)
		return
	}

	s.setResponse(t, t.result.Text)
	t.emit(completeEvent(t.req.ID, t.result.Text, tokens))
}

func (s *Session) finish(t *task, start time.Time) {
	t.result.Duration = time.Since(start)

	s.mu.Lock()
	if s.task == t {
		s.task = nil
		s.phase = PhaseIdle
	}
	s.mu.Unlock()

	t.emit(phaseEvent(t.req.ID, PhaseIdle))
	if t.events != nil {
		close(t.events)
	}
	t.cancel()
	close(t.done)

	switch {
	case t.err == nil:
		s.logger.Debug("Generation complete", "request_id", t.req.ID, "tokens", t.result.Tokens, "ttft", t.result.TimeToFirstToken)
	case errors.Is(t.err, ErrCancelled):
		s.logger.Debug("Generation stopped", "request_id", t.req.ID, "tokens", t.result.Tokens)
	default:
		s.logger.Warn("Generation failed", "request_id", t.req.ID, "error", t.err)
	}
}

func (s *Session) setPhase(t *task, p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task == t {
		s.phase = p
	}
}

func (s *Session) setResponse(t *task, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task == t {
		s.response = text
	}
}

// stopped reports whether the task was cancelled by Cancel or through its context.
func (t *task) stopped() bool {
	return t.cancelled.Load() || t.ctx.Err() != nil
}

func (t *task) fail(err error) {
	t.err = err
	t.emit(errorEvent(t.req.ID, err))
}

func (t *task) emit(e Event) {
	if t.events == nil {
		return
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	if t.cancelled.Load() && e.suppressedAfterCancel() {
		return
	}
	t.events <- e
}

func (t *task) wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

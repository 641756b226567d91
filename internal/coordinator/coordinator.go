// Package coordinator wires the camera, the admission controller and the
// inference session together and keeps the state the UI renders.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ekisa-team/synlens/internal/admission"
	"github.com/ekisa-team/synlens/internal/config"
	"github.com/ekisa-team/synlens/internal/frame"
	"github.com/ekisa-team/synlens/internal/session"
)

// Mode selects how frames reach the model.
type Mode = config.CaptureMode

const (
	ModeContinuous = config.CaptureModeContinuous
	ModeSingleShot = config.CaptureModeSingleShot
)

// Error definitions for the coordinator package.
var (
	ErrUnknownMode   = errors.New("unknown capture mode")
	ErrNotSingleShot = errors.New("capture requires single-shot mode")
	ErrBackground    = errors.New("app is in the background")
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeContinuous, ModeSingleShot:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Source pushes camera frames in continuous mode.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Pause()
	Resume()
	Frames() <-chan *frame.Frame
}

// Capturer takes a single frame on demand.
type Capturer interface {
	CaptureOne(ctx context.Context) (*frame.Frame, error)
}

// Options configures a Coordinator.
type Options struct {
	Logger *slog.Logger
	Mode   Mode
	Prompt string
}

// Coordinator is the only component that talks to both the admission
// controller and the session. It submits at most one frame at a time.
type Coordinator struct {
	session   *session.Session
	admission *admission.Controller
	source    Source
	capturer  Capturer
	store     *Store
	logger    *slog.Logger
	runCtx    context.Context
	encode    func(*frame.Frame) ([]byte, string, error)

	// submitMu orders submissions against Cancel, SetMode, Background and
	// Foreground: a request is either submitted before a transition, which
	// then cancels it, or sees the transition and is not submitted.
	submitMu sync.Mutex

	mu         sync.Mutex
	mode       Mode
	prompt     string
	epoch      uint64
	resets     uint64
	dropped    uint64
	foreground bool
	streaming  bool
}

// New creates a Coordinator. The app starts in the foreground.
func New(sess *session.Session, adm *admission.Controller, src Source, capturer Capturer, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeContinuous
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = config.DefaultPrompt
	}

	c := &Coordinator{
		session:    sess,
		admission:  adm,
		source:     src,
		capturer:   capturer,
		logger:     logger.With("component", "coordinator"),
		runCtx:     context.Background(),
		encode:     frame.Encode,
		mode:       mode,
		prompt:     prompt,
		foreground: true,
	}
	c.store = NewStore(State{
		Mode:       mode,
		Phase:      session.PhaseIdle,
		ModelInfo:  sess.Info(),
		Foreground: true,
		Admission:  adm.Stats(),
	})

	return c
}

// Store returns the state store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// State returns the current state merged with the live session status.
func (c *Coordinator) State() State {
	st := c.store.Snapshot()
	ss := c.session.Status()

	st.Phase = ss.Phase
	st.IsProcessing = ss.IsProcessing
	st.ModelLoaded = ss.IsModelLoaded()
	st.ModelInfo = c.session.Info()
	st.Admission = c.admission.Stats()

	return st
}

// Prompt returns the prompt used when a request names none.
func (c *Coordinator) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.prompt
}

// SetPrompt changes the prompt used for the next submissions.
func (c *Coordinator) SetPrompt(prompt string) {
	if prompt == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prompt = prompt
}

// Run consumes the frame source until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	start := c.mode == ModeContinuous
	c.mu.Unlock()

	if start {
		if err := c.startStream(ctx); err != nil {
			return err
		}
	}

	frames := c.source.Frames()
	for {
		select {
		case <-ctx.Done():
			c.session.Cancel()
			if err := c.source.Stop(); err != nil {
				c.logger.Warn("Failed to stop frame source", "error", err)
			}
			return nil
		case f := <-frames:
			c.HandleFrame(f)
		}
	}
}

// HandleFrame runs one frame through admission and, if it can be processed,
// submits it. Admitted frames that cannot be processed only bump the drop counter.
func (c *Coordinator) HandleFrame(f *frame.Frame) {
	if !c.admission.ShouldProcessFrame() {
		return
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	mode, fg, epoch, resets, prompt, ctx := c.mode, c.foreground, c.epoch, c.resets, c.prompt, c.runCtx
	c.mu.Unlock()

	st := c.session.Status()
	if st.IsProcessing || !st.IsModelLoaded() || mode != ModeContinuous || !fg {
		c.drop()
		return
	}

	data, mime, err := c.encode(f)
	if err != nil {
		c.logger.Warn("Failed to encode frame", "seq", f.Seq, "error", err)
		c.finish(resets)
		return
	}

	req := session.NewRequest(prompt, data, mime)
	events, err := c.session.GenerateStreaming(ctx, req)
	if err != nil {
		c.logger.Debug("Frame not submitted", "seq", f.Seq, "error", err)
		c.finish(resets)
		return
	}

	c.logger.Debug("Frame submitted", "seq", f.Seq, "request_id", req.ID)
	go func() {
		c.consume(epoch, req.ID, events)
		c.finish(resets)
	}()
}

// finish closes the latency measurement of an admitted frame whatever its
// outcome, unless admission was reset since the frame was admitted.
func (c *Coordinator) finish(resets uint64) {
	c.mu.Lock()
	if c.resets != resets {
		c.mu.Unlock()
		return
	}
	c.admission.ReportProcessingComplete()
	c.mu.Unlock()

	c.store.Update(func(s *State) {
		s.Admission = c.admission.Stats()
	})
}

// resetAdmission starts admission over. Reports of frames admitted before
// are discarded. Callers hold submitMu.
func (c *Coordinator) resetAdmission() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resets++
	c.admission.Reset()
}

func (c *Coordinator) drop() {
	c.mu.Lock()
	c.dropped++
	n := c.dropped
	c.mu.Unlock()

	c.store.Update(func(s *State) {
		s.Dropped = n
	})
}

func (c *Coordinator) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.epoch == epoch
}

// outcome is what a consumed request produced.
type outcome struct {
	result *session.Result
	err    error
}

// consume applies the events of one request to the state. Events of a
// request that was superseded are drained without touching the state.
func (c *Coordinator) consume(epoch uint64, requestID string, events <-chan session.Event) outcome {
	out := outcome{result: &session.Result{RequestID: requestID}}

	if c.current(epoch) {
		c.store.Update(func(s *State) {
			s.RequestID = requestID
			s.Response = ""
			s.Tokens = 0
			s.TimeToFirstToken = 0
			s.LastError = ""
		})
	}

	for e := range events {
		switch e.Kind {
		case session.EventTimeToFirstToken:
			out.result.TimeToFirstToken = e.TimeToFirstToken
		case session.EventToken, session.EventComplete:
			out.result.Text = e.Text
			out.result.Tokens = e.Tokens
		case session.EventError:
			out.err = e.Err()
		}

		if !c.current(epoch) {
			continue
		}
		c.apply(e)
	}

	return out
}

func (c *Coordinator) apply(e session.Event) {
	loaded := c.session.Status().IsModelLoaded()

	c.store.Update(func(s *State) {
		s.ModelLoaded = loaded
		switch e.Kind {
		case session.EventPhaseChange:
			s.Phase = e.Phase
			s.IsProcessing = e.Phase != session.PhaseIdle
		case session.EventTimeToFirstToken:
			s.TimeToFirstToken = e.TimeToFirstToken
		case session.EventToken, session.EventComplete:
			s.Response = e.Text
			s.Tokens = e.Tokens
		case session.EventError:
			s.LastError = e.Error
		}
	})
}

// LoadModel loads the model and reports whether it is Ready.
func (c *Coordinator) LoadModel(ctx context.Context) (bool, error) {
	c.store.Update(func(s *State) { s.ModelInfo = c.session.Info() })

	_, err := c.session.Load(ctx)

	c.store.Update(func(s *State) {
		s.ModelLoaded = err == nil
		s.ModelInfo = c.session.Info()
	})

	return err == nil, err
}

// UnloadModel cancels the in-flight request and drops the Ready model, so the
// next request acquires it again.
func (c *Coordinator) UnloadModel() bool {
	c.Cancel()
	ok := c.session.Unload()

	c.store.Update(func(s *State) {
		s.ModelLoaded = c.session.Status().IsModelLoaded()
		s.ModelInfo = c.session.Info()
	})

	return ok
}

// Capture takes one frame and generates a response for it. It is the
// single-shot counterpart of the continuous stream. A transition while it
// waits for the frame aborts it.
func (c *Coordinator) Capture(ctx context.Context, prompt string) (*session.Result, error) {
	c.mu.Lock()
	epoch := c.epoch
	if prompt == "" {
		prompt = c.prompt
	}
	err := c.captureAllowedLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f, err := c.capturer.CaptureOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture frame: %w", err)
	}

	data, mime, err := c.encode(f)
	if err != nil {
		return nil, err
	}

	req := session.NewRequest(prompt, data, mime)

	c.submitMu.Lock()
	c.mu.Lock()
	err = c.captureAllowedLocked()
	if err == nil && c.epoch != epoch {
		err = session.ErrCancelled
	}
	c.mu.Unlock()

	var events <-chan session.Event
	if err == nil {
		events, err = c.session.GenerateStreaming(ctx, req)
	}
	c.submitMu.Unlock()
	if err != nil {
		return nil, err
	}

	out := c.consume(epoch, req.ID, events)
	return out.result, out.err
}

func (c *Coordinator) captureAllowedLocked() error {
	if c.mode != ModeSingleShot {
		return ErrNotSingleShot
	}
	if !c.foreground {
		return ErrBackground
	}
	return nil
}

// Cancel stops the in-flight request. Its remaining events are ignored.
func (c *Coordinator) Cancel() {
	c.submitMu.Lock()
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
	c.session.Cancel()
	c.submitMu.Unlock()

	c.store.Update(func(s *State) {
		s.Phase = session.PhaseIdle
		s.IsProcessing = false
	})
}

// SetMode switches between continuous and single-shot capture. The in-flight
// request is cancelled, its partial response discarded and the admission
// history reset. The frame stream lives as long as the context given to Run.
func (c *Coordinator) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	c.submitMu.Lock()
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		c.submitMu.Unlock()
		return nil
	}
	c.mode = mode
	c.epoch++
	fg := c.foreground
	runCtx := c.runCtx
	c.mu.Unlock()

	c.session.Cancel()
	c.session.ClearResponse()
	c.resetAdmission()
	c.submitMu.Unlock()

	c.store.Update(func(s *State) {
		s.Mode = mode
		s.Phase = session.PhaseIdle
		s.IsProcessing = false
		s.Response = ""
		s.RequestID = ""
		s.Tokens = 0
		s.TimeToFirstToken = 0
		s.LastError = ""
		s.Admission = c.admission.Stats()
	})

	c.logger.Info("Capture mode changed", "mode", mode)

	if mode == ModeContinuous {
		if !fg {
			return nil
		}
		return c.startStream(runCtx)
	}

	return c.stopStream()
}

// Background cancels in-flight inference and pauses the frame source. The
// cancelled frame still reports its latency.
func (c *Coordinator) Background() {
	c.submitMu.Lock()
	c.mu.Lock()
	if !c.foreground {
		c.mu.Unlock()
		c.submitMu.Unlock()
		return
	}
	c.foreground = false
	c.epoch++
	c.mu.Unlock()

	c.session.Cancel()
	c.submitMu.Unlock()
	c.source.Pause()

	c.store.Update(func(s *State) {
		s.Foreground = false
		s.Phase = session.PhaseIdle
		s.IsProcessing = false
	})
	c.logger.Info("App moved to background")
}

// Foreground resumes the frame source. In continuous mode admission starts
// over; nothing cancelled by Background is resubmitted.
func (c *Coordinator) Foreground() {
	c.submitMu.Lock()
	c.mu.Lock()
	if c.foreground {
		c.mu.Unlock()
		c.submitMu.Unlock()
		return
	}
	c.foreground = true
	mode := c.mode
	streaming := c.streaming
	runCtx := c.runCtx
	c.mu.Unlock()

	if mode == ModeContinuous {
		c.resetAdmission()
	}
	c.submitMu.Unlock()

	if mode == ModeContinuous {
		if !streaming {
			if err := c.startStream(runCtx); err != nil {
				c.logger.Error("Failed to start frame source", "error", err)
			}
		}
	}
	c.source.Resume()

	c.store.Update(func(s *State) {
		s.Foreground = true
		s.Admission = c.admission.Stats()
	})
	c.logger.Info("App moved to foreground")
}

func (c *Coordinator) startStream(ctx context.Context) error {
	if err := c.source.Start(ctx); err != nil {
		return fmt.Errorf("start frame source: %w", err)
	}
	c.source.Resume()

	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()
	c.store.Update(func(s *State) { s.Streaming = true })

	return nil
}

func (c *Coordinator) stopStream() error {
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	c.store.Update(func(s *State) { s.Streaming = false })

	if err := c.source.Stop(); err != nil {
		return fmt.Errorf("stop frame source: %w", err)
	}
	return nil
}

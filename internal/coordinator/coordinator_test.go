package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/synlens/internal/admission"
	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/config"
	"github.com/ekisa-team/synlens/internal/frame"
	"github.com/ekisa-team/synlens/internal/model"
	"github.com/ekisa-team/synlens/internal/session"
)

type fakeEngine struct {
	gate   chan struct{}
	err    error
	tokens []string
	gens   int
	mu     sync.Mutex
}

func (e *fakeEngine) Load(_ context.Context, progress func(int)) (*model.Instance, error) {
	progress(100)
	return model.NewInstance(&config.ModelConfig{Backend: "llama.cpp"}, "smolvlm"), nil
}

func (e *fakeEngine) Generate(_ context.Context, _ *model.Instance, _ *session.Request) (<-chan backend.StreamChunk, error) {
	e.mu.Lock()
	e.gens++
	gate, err, tokens := e.gate, e.err, e.tokens
	e.mu.Unlock()

	ch := make(chan backend.StreamChunk)
	go func() {
		defer close(ch)
		if gate != nil {
			<-gate
		}
		if err != nil {
			ch <- backend.StreamChunk{Error: err, Done: true}
			return
		}
		for _, tok := range tokens {
			ch <- backend.StreamChunk{Data: []byte(tok)}
		}
		ch <- backend.StreamChunk{Done: true}
	}()

	return ch, nil
}

// gatedCapturer hands out a frame only once released, so tests can act
// while a capture waits for its frame.
type gatedCapturer struct {
	waiting chan struct{}
	release chan struct{}
}

func newGatedCapturer() *gatedCapturer {
	return &gatedCapturer{waiting: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedCapturer) CaptureOne(ctx context.Context) (*frame.Frame, error) {
	close(g.waiting)
	select {
	case <-g.release:
		return testFrame(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *fakeEngine) generations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens
}

type fixture struct {
	engine  *fakeEngine
	session *session.Session
	adm     *admission.Controller
	source  *frame.PushSource
	coord   *Coordinator
}

func newFixture(t *testing.T, engine *fakeEngine, mode Mode) *fixture {
	t.Helper()

	sess := session.New(engine, session.Options{})
	t.Cleanup(func() { _ = sess.Close() })

	adm := admission.New(admission.WithInitialSkip(0))
	src := frame.NewPushSource()

	return &fixture{
		engine:  engine,
		session: sess,
		adm:     adm,
		source:  src,
		coord:   New(sess, adm, src, src, Options{Mode: mode, Prompt: "What is this?"}),
	}
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	ok, err := f.coord.LoadModel(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func testFrame() *frame.Frame {
	return &frame.Frame{Format: frame.FormatJPEG, Data: []byte{0xff, 0xd8, 0xff, 0xd9}, Timestamp: time.Now()}
}

func historyLen(c *Coordinator) int {
	return len(c.State().Admission.HistoryMS)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("single_shot")
	require.NoError(t, err)
	assert.Equal(t, ModeSingleShot, m)

	_, err = ParseMode("burst")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestCoordinator_DropsFrameWhenModelNotLoaded(t *testing.T) {
	f := newFixture(t, &fakeEngine{tokens: []string{"a"}}, ModeContinuous)

	f.coord.HandleFrame(testFrame())

	assert.Equal(t, 0, f.engine.generations())
	assert.Equal(t, uint64(1), f.coord.State().Dropped)
	assert.Equal(t, "Unloaded", f.coord.State().ModelInfo)
}

func TestCoordinator_ProcessesAdmittedFrame(t *testing.T) {
	f := newFixture(t, &fakeEngine{tokens: []string{"a ", "red ", "mug"}}, ModeContinuous)
	f.load(t)

	f.coord.HandleFrame(testFrame())

	require.Eventually(t, func() bool { return historyLen(f.coord) == 1 }, time.Second, time.Millisecond)
	st := f.coord.State()
	assert.Equal(t, "a red mug", st.Response)
	assert.Equal(t, 3, st.Tokens)
	assert.Empty(t, st.LastError)
	assert.True(t, st.ModelLoaded)
	assert.Equal(t, "Ready", st.ModelInfo)
}

func TestCoordinator_DropsFrameWhileProcessing(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}, gate: make(chan struct{})}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)

	f.coord.HandleFrame(testFrame())
	require.Eventually(t, func() bool { return f.session.Status().IsProcessing }, time.Second, time.Millisecond)

	f.coord.HandleFrame(testFrame())
	assert.Equal(t, 1, engine.generations())
	assert.Equal(t, uint64(1), f.coord.State().Dropped)

	close(engine.gate)
	require.Eventually(t, func() bool { return historyLen(f.coord) == 1 }, time.Second, time.Millisecond)
}

func TestCoordinator_DropsFrameInSingleShotMode(t *testing.T) {
	f := newFixture(t, &fakeEngine{tokens: []string{"x"}}, ModeSingleShot)
	f.load(t)

	f.coord.HandleFrame(testFrame())

	assert.Equal(t, 0, f.engine.generations())
	assert.Equal(t, uint64(1), f.coord.State().Dropped)
}

func TestCoordinator_EngineErrorStillReportsOnce(t *testing.T) {
	engine := &fakeEngine{err: errors.New("gpu lost")}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	require.Eventually(t, func() bool { return f.coord.State().Streaming }, time.Second, time.Millisecond)
	f.source.Publish(testFrame())

	require.Eventually(t, func() bool { return f.coord.State().LastError != "" }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return historyLen(f.coord) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, historyLen(f.coord))
	assert.Contains(t, f.coord.State().LastError, "gpu lost")
	assert.False(t, f.coord.State().IsProcessing)

	cancel()
	require.NoError(t, <-done)
}

func TestCoordinator_SetModeCancelsAndResets(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}, gate: make(chan struct{})}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)
	require.NoError(t, f.source.Start(context.Background()))

	f.coord.HandleFrame(testFrame())
	require.Eventually(t, func() bool { return f.session.Status().IsProcessing }, time.Second, time.Millisecond)

	require.NoError(t, f.coord.SetMode(ModeSingleShot))

	st := f.coord.State()
	assert.Equal(t, ModeSingleShot, st.Mode)
	assert.False(t, st.IsProcessing)
	assert.False(t, st.Streaming)
	assert.Empty(t, st.Response)
	assert.Empty(t, st.Admission.HistoryMS)

	close(engine.gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, historyLen(f.coord))

	// The stream is stopped: published frames no longer reach the mailbox.
	f.source.Publish(testFrame())
	assert.Empty(t, f.source.Frames())
}

func TestCoordinator_SetModeSameModeIsNoop(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}, gate: make(chan struct{})}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)

	f.coord.HandleFrame(testFrame())
	require.Eventually(t, func() bool { return f.session.Status().IsProcessing }, time.Second, time.Millisecond)

	require.NoError(t, f.coord.SetMode(ModeContinuous))
	assert.True(t, f.session.Status().IsProcessing)

	close(engine.gate)
	require.Eventually(t, func() bool { return historyLen(f.coord) == 1 }, time.Second, time.Millisecond)
}

func TestCoordinator_SetModeRejectsUnknown(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, ModeContinuous)
	assert.ErrorIs(t, f.coord.SetMode("burst"), ErrUnknownMode)
}

func TestCoordinator_BackgroundForeground(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}, gate: make(chan struct{})}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)
	require.NoError(t, f.source.Start(context.Background()))

	f.coord.HandleFrame(testFrame())
	require.Eventually(t, func() bool { return f.session.Status().IsProcessing }, time.Second, time.Millisecond)

	f.coord.Background()
	st := f.coord.State()
	assert.False(t, st.Foreground)
	assert.False(t, st.IsProcessing)

	f.source.Publish(testFrame())
	assert.Empty(t, f.source.Frames())

	f.coord.HandleFrame(testFrame())
	assert.Equal(t, 1, engine.generations())

	// The cancelled frame still closes its latency measurement.
	close(engine.gate)
	require.Eventually(t, func() bool { return historyLen(f.coord) == 1 }, time.Second, time.Millisecond)

	f.coord.Foreground()
	assert.True(t, f.coord.State().Foreground)
	assert.Equal(t, 0, historyLen(f.coord))
	assert.Equal(t, 1, engine.generations())

	f.source.Publish(testFrame())
	assert.Len(t, f.source.Frames(), 1)
}

func TestCoordinator_CaptureSingleShot(t *testing.T) {
	f := newFixture(t, &fakeEngine{tokens: []string{"a ", "cat"}}, ModeSingleShot)
	f.load(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			f.source.Publish(testFrame())
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := f.coord.Capture(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "a cat", res.Text)
	assert.Equal(t, 2, res.Tokens)
	assert.Equal(t, "a cat", f.coord.State().Response)
}

func TestCoordinator_CaptureReportsEngineError(t *testing.T) {
	f := newFixture(t, &fakeEngine{err: errors.New("oom")}, ModeSingleShot)
	f.load(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			f.source.Publish(testFrame())
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := f.coord.Capture(ctx, "")
	assert.ErrorIs(t, err, session.ErrGenerationFailed)
}

func TestCoordinator_CaptureRequiresSingleShot(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, ModeContinuous)

	_, err := f.coord.Capture(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotSingleShot)

	require.NoError(t, f.coord.SetMode(ModeSingleShot))
	f.coord.Background()
	_, err = f.coord.Capture(context.Background(), "")
	assert.ErrorIs(t, err, ErrBackground)
}

func TestCoordinator_CancelStillReportsLatency(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}, gate: make(chan struct{})}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)

	f.coord.HandleFrame(testFrame())
	require.Eventually(t, func() bool { return f.session.Status().IsProcessing }, time.Second, time.Millisecond)

	f.coord.Cancel()
	assert.False(t, f.coord.State().IsProcessing)

	close(engine.gate)
	require.Eventually(t, func() bool { return historyLen(f.coord) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.coord.State().Response)
}

func newCaptureFixture(t *testing.T, engine *fakeEngine) (*fixture, *gatedCapturer) {
	t.Helper()

	f := newFixture(t, engine, ModeSingleShot)
	capturer := newGatedCapturer()
	f.coord = New(f.session, f.adm, f.source, capturer, Options{Mode: ModeSingleShot, Prompt: "What is this?"})
	f.load(t)

	return f, capturer
}

func startCapture(f *fixture) chan error {
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Capture(context.Background(), "")
		done <- err
	}()
	return done
}

func TestCoordinator_BackgroundDuringCaptureSubmitsNothing(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}}
	f, capturer := newCaptureFixture(t, engine)

	done := startCapture(f)
	<-capturer.waiting

	f.coord.Background()
	close(capturer.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBackground)
	case <-time.After(time.Second):
		t.Fatal("capture did not return")
	}
	assert.False(t, f.session.Status().IsProcessing)
	assert.Equal(t, 0, engine.generations())
}

func TestCoordinator_SetModeDuringCaptureSubmitsNothing(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}}
	f, capturer := newCaptureFixture(t, engine)

	done := startCapture(f)
	<-capturer.waiting

	require.NoError(t, f.coord.SetMode(ModeContinuous))
	close(capturer.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotSingleShot)
	case <-time.After(time.Second):
		t.Fatal("capture did not return")
	}
	assert.False(t, f.session.Status().IsProcessing)
	assert.Equal(t, 0, engine.generations())

	// The session is free for the continuous stream.
	f.coord.HandleFrame(testFrame())
	require.Eventually(t, func() bool { return f.coord.State().Response == "x" }, time.Second, time.Millisecond)
	assert.Equal(t, 1, engine.generations())
}

func TestCoordinator_CancelDuringCaptureSubmitsNothing(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}}
	f, capturer := newCaptureFixture(t, engine)

	done := startCapture(f)
	<-capturer.waiting

	f.coord.Cancel()
	close(capturer.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("capture did not return")
	}
	assert.Equal(t, 0, engine.generations())
}

func TestCoordinator_BackgroundDuringFrameEncodeCancelsSubmission(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"x"}, gate: make(chan struct{})}
	f := newFixture(t, engine, ModeContinuous)
	f.load(t)

	encoding := make(chan struct{})
	release := make(chan struct{})
	f.coord.encode = func(fr *frame.Frame) ([]byte, string, error) {
		close(encoding)
		<-release
		return frame.Encode(fr)
	}

	handled := make(chan struct{})
	go func() {
		f.coord.HandleFrame(testFrame())
		close(handled)
	}()
	<-encoding

	backgrounded := make(chan struct{})
	go func() {
		f.coord.Background()
		close(backgrounded)
	}()

	close(release)
	<-handled
	<-backgrounded

	assert.False(t, f.coord.State().Foreground)
	assert.False(t, f.session.Status().IsProcessing)
	assert.LessOrEqual(t, engine.generations(), 1)

	close(engine.gate)
}

func TestStore_SubscribeReceivesUpdates(t *testing.T) {
	store := NewStore(State{Mode: ModeContinuous})

	var mu sync.Mutex
	var seen []Mode
	require.NoError(t, store.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Mode)
		mu.Unlock()
	}))

	store.Update(func(s *State) { s.Mode = ModeSingleShot })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Mode{ModeSingleShot}, seen)
	assert.Equal(t, ModeSingleShot, store.Snapshot().Mode)
}

func TestCoordinator_UnloadModel(t *testing.T) {
	f := newFixture(t, &fakeEngine{tokens: []string{"x"}}, ModeContinuous)
	f.load(t)
	require.True(t, f.coord.State().ModelLoaded)

	assert.True(t, f.coord.UnloadModel())

	st := f.coord.State()
	assert.False(t, st.ModelLoaded)
	assert.Equal(t, "Unloaded", st.ModelInfo)
	assert.False(t, f.coord.Store().Snapshot().ModelLoaded)
}

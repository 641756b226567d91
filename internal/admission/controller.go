// Package admission throttles a camera frame stream so that inference
// submissions track a latency budget.
package admission

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const (
	// DefaultTarget is the processing time the controller aims for.
	DefaultTarget = 200 * time.Millisecond

	// DefaultInitialSkip is how many frames are skipped between admissions at start.
	DefaultInitialSkip = 2

	// DefaultHistorySize is how many latency samples are averaged.
	DefaultHistorySize = 5

	MinSkip = 0
	MaxSkip = 10

	increaseThreshold = 1.5
	decreaseThreshold = 0.7
	increaseGain      = 0.5
)

// Option configures a Controller.
type Option func(*Controller)

// WithTarget sets the latency target.
func WithTarget(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.target = d
		}
	}
}

// WithInitialSkip sets the starting skip count. It is clamped to [MinSkip, MaxSkip].
func WithInitialSkip(n int) Option {
	return func(c *Controller) {
		c.skip = clamp(n)
	}
}

// WithHistorySize sets how many samples are kept.
func WithHistorySize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller decides per frame whether it is admitted for inference. The
// skip count grows quickly when processing is slow and shrinks one step at a
// time when it is fast, with a dead zone in between.
type Controller struct {
	now         func() time.Time
	logger      *slog.Logger
	lastStart   time.Time
	history     deque.Deque[float64]
	target      time.Duration
	skip        int
	counter     int
	historySize int
	admitted    uint64
	skipped     uint64
	pending     bool
	mu          sync.Mutex
}

// Stats is a snapshot of the controller state.
type Stats struct {
	HistoryMS    []float64     `json:"history_ms"`
	Target       time.Duration `json:"target"`
	FramesToSkip int           `json:"frames_to_skip"`
	Admitted     uint64        `json:"admitted"`
	Skipped      uint64        `json:"skipped"`
}

// New creates a Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		now:         time.Now,
		logger:      slog.Default(),
		target:      DefaultTarget,
		skip:        DefaultInitialSkip,
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "admission")

	return c
}

// ShouldProcessFrame reports whether the current frame is admitted. An
// admitted frame starts the latency measurement closed by ReportProcessingComplete.
func (c *Controller) ShouldProcessFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if c.counter <= c.skip {
		c.skipped++
		return false
	}

	c.counter = 0
	c.lastStart = c.now()
	c.pending = true
	c.admitted++

	return true
}

// ReportProcessingComplete records how long the last admitted frame took and
// adjusts the skip count. Without a pending admission it does nothing.
func (c *Controller) ReportProcessingComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pending {
		return
	}

	elapsed := c.now().Sub(c.lastStart)
	c.pending = false
	c.lastStart = time.Time{}

	c.history.PushBack(float64(elapsed) / float64(time.Millisecond))
	for c.history.Len() > c.historySize {
		c.history.PopFront()
	}

	c.adjust()
}

// adjust must be called with c.mu held.
func (c *Controller) adjust() {
	avg := c.average()
	target := float64(c.target) / float64(time.Millisecond)
	before := c.skip

	switch {
	case avg > target*increaseThreshold:
		step := int(math.Ceil((avg - target) / target * increaseGain))
		c.skip = clamp(c.skip + step)
	case avg < target*decreaseThreshold && c.history.Len() == c.historySize:
		c.skip = clamp(c.skip - 1)
	}

	if c.skip != before {
		c.logger.Debug("Frame skip adjusted", "from", before, "to", c.skip, "avg_ms", avg)
	}
}

func (c *Controller) average() float64 {
	n := c.history.Len()
	if n == 0 {
		return 0
	}

	var sum float64
	for i := range n {
		sum += c.history.At(i)
	}
	return sum / float64(n)
}

// Reset forgets the counter, the latency history and any pending measurement.
// The skip count is kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter = 0
	c.history.Clear()
	c.pending = false
	c.lastStart = time.Time{}
}

// SetTarget changes the latency target. It applies from the next adjustment.
func (c *Controller) SetTarget(d time.Duration) {
	if d <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.target = d
}

// FramesToSkip returns the current skip count.
func (c *Controller) FramesToSkip() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.skip
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]float64, c.history.Len())
	for i := range history {
		history[i] = c.history.At(i)
	}

	return Stats{
		HistoryMS:    history,
		Target:       c.target,
		FramesToSkip: c.skip,
		Admitted:     c.admitted,
		Skipped:      c.skipped,
	}
}

func clamp(n int) int {
	return min(max(n, MinSkip), MaxSkip)
}

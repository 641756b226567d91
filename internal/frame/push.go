package frame

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PushSource receives frames from a producer (a websocket, a capture loop)
// and hands them to one consumer through a single-slot mailbox. A frame the
// consumer has not picked up yet is replaced by the newer one.
type PushSource struct {
	out       chan *Frame
	latest    *Frame
	waiters   []chan *Frame
	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	mu        sync.Mutex
	running   bool
	paused    bool
}

// Stats counts what happened to published frames.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// NewPushSource creates a stopped PushSource.
func NewPushSource() *PushSource {
	return &PushSource{out: make(chan *Frame, 1)}
}

// Frames returns the mailbox. It is never closed.
func (s *PushSource) Frames() <-chan *Frame {
	return s.out
}

// Start begins delivering frames.
func (s *PushSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = true
	s.paused = false
	return nil
}

// Stop stops delivering frames and empties the mailbox.
func (s *PushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.drainLocked()
	return nil
}

// Pause stops delivery without forgetting that the source is started.
func (s *PushSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	s.drainLocked()
}

// Resume undoes Pause.
func (s *PushSource) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = false
}

// Publish hands a frame to the source. It never blocks. Frames published
// while stopped or paused only serve CaptureOne.
func (s *PushSource) Publish(f *Frame) {
	f.Seq = s.seq.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	s.published.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = f
	for _, w := range s.waiters {
		w <- f
	}
	s.waiters = nil

	if !s.running || s.paused {
		s.dropped.Add(1)
		return
	}

	select {
	case s.out <- f:
		return
	default:
	}

	// Mailbox full: the older frame is stale, replace it.
	select {
	case <-s.out:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.out <- f:
	default:
		s.dropped.Add(1)
	}
}

// CaptureOne waits for the next published frame.
func (s *PushSource) CaptureOne(ctx context.Context) (*Frame, error) {
	w := make(chan *Frame, 1)

	s.mu.Lock()
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case f := <-w:
		return f, nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, other := range s.waiters {
			if other == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Latest returns the most recently published frame, or nil.
func (s *PushSource) Latest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest
}

// Stats returns publish and drop counters.
func (s *PushSource) Stats() Stats {
	return Stats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *PushSource) drainLocked() {
	select {
	case <-s.out:
		s.dropped.Add(1)
	default:
	}
}

package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"

	"github.com/ekisa-team/synlens/internal/admission"
	"github.com/ekisa-team/synlens/internal/session"
)

// TopicStateChanged is published with the new State after every change.
const TopicStateChanged = "state:changed"

// State is what the presentation layer renders.
type State struct {
	Mode             Mode            `json:"mode"`
	Phase            session.Phase   `json:"phase"`
	ModelInfo        string          `json:"model_info"`
	Response         string          `json:"response"`
	RequestID        string          `json:"request_id,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	Admission        admission.Stats `json:"admission"`
	TimeToFirstToken time.Duration   `json:"ttft"`
	Tokens           int             `json:"tokens"`
	Dropped          uint64          `json:"dropped"`
	Foreground       bool            `json:"foreground"`
	Streaming        bool            `json:"streaming"`
	ModelLoaded      bool            `json:"model_loaded"`
	IsProcessing     bool            `json:"is_processing"`
}

// Store owns the State. Readers get copies; changes are announced on the bus.
type Store struct {
	bus   EventBus.Bus
	state State
	mu    sync.RWMutex
}

// NewStore creates a Store holding initial.
func NewStore(initial State) *Store {
	return &Store{
		bus:   EventBus.New(),
		state: initial,
	}
}

// Snapshot returns a copy of the state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Subscribe registers fn for every change. fn runs on the goroutine that made
// the change and must not block.
func (s *Store) Subscribe(fn func(State)) error {
	if err := s.bus.Subscribe(TopicStateChanged, fn); err != nil {
		return fmt.Errorf("subscribe to %s: %w", TopicStateChanged, err)
	}
	return nil
}

// Update applies fn and publishes the result outside the lock.
func (s *Store) Update(fn func(*State)) State {
	s.mu.Lock()
	fn(&s.state)
	st := s.state
	s.mu.Unlock()

	s.bus.Publish(TopicStateChanged, st)
	return st
}

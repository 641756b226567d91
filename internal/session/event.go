package session

import (
	"errors"
	"time"
)

// Phase describes where an in-flight request is in its lifecycle.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseProcessingPrompt   Phase = "processing_prompt"
	PhaseGeneratingResponse Phase = "generating_response"
)

// EventKind tags a stream event.
type EventKind string

const (
	EventToken            EventKind = "token"
	EventTimeToFirstToken EventKind = "ttft"
	EventPhaseChange      EventKind = "phase"
	EventComplete         EventKind = "complete"
	EventError            EventKind = "error"
)

// Event is one item of a streaming generation. Per request the order is:
// PhaseChange(ProcessingPrompt), at most one TimeToFirstToken, any number of
// Token, at most one Complete or Error, and PhaseChange(Idle) last.
type Event struct {
	Kind      EventKind `json:"kind"`
	RequestID string    `json:"request_id"`

	// Text is the response so far for Token and the final response for Complete.
	Text string `json:"text,omitempty"`

	// Tokens is the cumulative token count for Token and Complete.
	Tokens int `json:"tokens,omitempty"`

	TimeToFirstToken time.Duration `json:"ttft,omitempty"`
	Phase            Phase         `json:"phase,omitempty"`
	Error            string        `json:"error,omitempty"`

	err error
}

// Err returns the error carried by an Error event, matching the session's
// sentinel errors under errors.Is. It is nil for other kinds.
func (e Event) Err() error {
	if e.Kind != EventError {
		return nil
	}
	if e.err != nil {
		return e.err
	}
	return errors.New(e.Error)
}

func tokenEvent(id, text string, tokens int) Event {
	return Event{Kind: EventToken, RequestID: id, Text: text, Tokens: tokens}
}

func ttftEvent(id string, d time.Duration) Event {
	return Event{Kind: EventTimeToFirstToken, RequestID: id, TimeToFirstToken: d}
}

func phaseEvent(id string, p Phase) Event {
	return Event{Kind: EventPhaseChange, RequestID: id, Phase: p}
}

func completeEvent(id, text string, tokens int) Event {
	return Event{Kind: EventComplete, RequestID: id, Text: text, Tokens: tokens}
}

func errorEvent(id string, err error) Event {
	return Event{Kind: EventError, RequestID: id, Error: err.Error(), err: err}
}

// suppressedAfterCancel reports whether e must not be delivered once the
// request was cancelled.
func (e Event) suppressedAfterCancel() bool {
	switch e.Kind {
	case EventToken, EventTimeToFirstToken, EventComplete:
		return true
	case EventPhaseChange:
		return e.Phase != PhaseIdle
	}
	return false
}

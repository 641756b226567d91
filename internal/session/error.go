package session

import "errors"

// Error definitions for the session package.
var (
	// ErrModelLoadFailed means the model could not be acquired. Load may be retried.
	ErrModelLoadFailed = errors.New("model load failed")

	// ErrGenerationFailed means the engine failed mid-generation. The request may be resubmitted.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrCancelled means the request was cancelled. It is a terminal state, not a fault.
	ErrCancelled = errors.New("generation cancelled")

	// ErrBusy means another generation is running and the call cannot join it.
	ErrBusy = errors.New("a generation is already running")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

package session

import (
	"time"

	"github.com/google/uuid"
)

// Request is one prompt plus one image. It must not be modified after it is submitted.
type Request struct {
	ID        string
	Prompt    string
	ImageMIME string
	Image     []byte

	// MaxTokens is the generation budget. The session fills it in.
	MaxTokens int
}

// NewRequest creates a request with a fresh ID.
func NewRequest(prompt string, image []byte, mime string) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Image:     image,
		ImageMIME: mime,
	}
}

// Result is the outcome of a blocking generation. A failed or cancelled
// generation still returns the partial result next to its error.
type Result struct {
	RequestID        string        `json:"request_id"`
	Text             string        `json:"text"`
	TimeToFirstToken time.Duration `json:"ttft"`
	Duration         time.Duration `json:"duration"`
	Tokens           int           `json:"tokens"`

	// Truncated is set when generation stopped at the token budget.
	Truncated bool `json:"truncated"`
}

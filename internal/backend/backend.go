package backend

import (
	"context"
	"io"
	"time"
)

// BackendProvider is a string identifier for a backend provider.
type BackendProvider string

const (
	BackendProviderLlamaCPP BackendProvider = "llama.cpp"
	BackendProviderOllama   BackendProvider = "ollama"
	BackendProviderOpenAI   BackendProvider = "openai"
)

// Backend defines the core interface for all inference backends.
type Backend interface {
	// Provider returns the backend identifier.
	Provider() BackendProvider

	// Infer executes inference and returns complete result.
	Infer(ctx context.Context, req *Request) (*Response, error)

	// Close cleans up resources.
	Close() error
}

// StreamingBackend is an optional interface for backends that support streaming.
type StreamingBackend interface {
	Backend

	// InferStream executes inference and streams results as they're produced.
	// Each chunk with data carries one increment of generated text. The channel
	// is closed after a chunk with Done set, or when ctx is cancelled.
	InferStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}

// ModelLoader is an optional interface for backends that must acquire a model
// before the first inference (warm it up, start a server, verify files).
type ModelLoader interface {
	Load(ctx context.Context, modelPath string) error
}

// Request encapsulates all parameters for an inference call.
type Request struct {
	// Input is the prompt text.
	Input io.Reader

	// Parameters contains backend-specific inference parameters.
	Parameters map[string]any

	// ModelPath is the path to the model file, directory or engine model name.
	ModelPath string

	// ImageMIME is the media type of Image, e.g. "image/jpeg".
	ImageMIME string

	// Image is the encoded image the prompt refers to.
	Image []byte
}

// Response contains the result of an inference operation.
type Response struct {
	// Output is the raw output data.
	Output io.Reader

	// Metadata contains backend-specific information.
	Metadata *ResponseMetadata
}

// ResponseMetadata contains metadata about the response.
type ResponseMetadata struct {
	Timestamp       time.Time       `json:"timestamp"`
	BackendSpecific map[string]any  `json:"backend_specific,omitempty"`
	Provider        BackendProvider `json:"provider"`
	Model           string          `json:"model"`
	OutputBytes     int64           `json:"output_bytes"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	// Error if something went wrong.
	Error error

	// Data is the chunk content.
	Data []byte

	// Done indicates if this is the final chunk.
	Done bool
}

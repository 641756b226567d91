package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/ekisa-team/synlens/internal/coordinator"
	"github.com/ekisa-team/synlens/internal/frame"
	"github.com/ekisa-team/synlens/internal/session"
)

type (
	VisionRequestDTO struct {
		Prompt string `json:"prompt,omitempty" maxLength:"4096" doc:"Defaults to the configured prompt"`
		Image  []byte `json:"image" minLength:"1" doc:"Base64 encoded JPEG, PNG or WebP image"`
	}

	ModelInfoDTO struct {
		Info   string         `json:"info"`
		Status session.Status `json:"status"`
	}

	LoadModelDTO struct {
		Loaded bool   `json:"loaded"`
		Info   string `json:"info"`
	}
)

type (
	VisionInput struct {
		Body VisionRequestDTO
	}

	VisionOutput struct {
		Body *session.Result
	}

	ModelInfoOutput struct {
		Body ModelInfoDTO
	}

	LoadModelOutput struct {
		Body LoadModelDTO
	}
)

// VisionHandler exposes the inference session.
type VisionHandler struct {
	session     *session.Session
	coordinator *coordinator.Coordinator
}

// NewVisionHandler creates a new VisionHandler instance.
func NewVisionHandler(api huma.API, sess *session.Session, coord *coordinator.Coordinator) *VisionHandler {
	h := &VisionHandler{session: sess, coordinator: coord}

	huma.Register(api, huma.Operation{
		OperationID: "load-model",
		Method:      http.MethodPost,
		Path:        "/v1/model/load",
		Summary:     "Load the vision model",
		Tags:        []string{"model"},
	}, h.handleLoadModel)

	huma.Register(api, huma.Operation{
		OperationID: "get-model-info",
		Method:      http.MethodGet,
		Path:        "/v1/model",
		Summary:     "Describe the model state",
		Tags:        []string{"model"},
	}, h.handleModelInfo)

	huma.Register(api, huma.Operation{
		OperationID: "process-image",
		Method:      http.MethodPost,
		Path:        "/v1/vision",
		Summary:     "Describe an image",
		Tags:        []string{"vision"},
	}, h.handleProcessImage)

	sse.Register(api, huma.Operation{
		OperationID: "process-image-stream",
		Method:      http.MethodPost,
		Path:        "/v1/vision/stream",
		Summary:     "Describe an image as a stream of events (SSE)",
		Tags:        []string{"vision"},
	}, map[string]any{
		"message": session.Event{},
	}, h.handleProcessImageStream)

	huma.Register(api, huma.Operation{
		OperationID:   "cancel",
		Method:        http.MethodPost,
		Path:          "/v1/vision/cancel",
		Summary:       "Cancel the running generation",
		Tags:          []string{"vision"},
		DefaultStatus: http.StatusNoContent,
	}, h.handleCancel)

	return h
}

func (h *VisionHandler) handleLoadModel(ctx context.Context, _ *struct{}) (*LoadModelOutput, error) {
	loaded, err := h.coordinator.LoadModel(ctx)
	if err != nil && !errors.Is(err, session.ErrModelLoadFailed) {
		return nil, toHTTPError("failed to load model", err)
	}

	return &LoadModelOutput{
		Body: LoadModelDTO{Loaded: loaded, Info: h.session.Info()},
	}, nil
}

func (h *VisionHandler) handleModelInfo(_ context.Context, _ *struct{}) (*ModelInfoOutput, error) {
	return &ModelInfoOutput{
		Body: ModelInfoDTO{Info: h.session.Info(), Status: h.session.Status()},
	}, nil
}

func (h *VisionHandler) handleProcessImage(ctx context.Context, input *VisionInput) (*VisionOutput, error) {
	req, err := h.request(input.Body)
	if err != nil {
		return nil, toHTTPError("invalid image", err)
	}

	res, err := h.session.Generate(ctx, req)
	if err != nil {
		return nil, toHTTPError("failed to generate", err)
	}

	return &VisionOutput{Body: res}, nil
}

func (h *VisionHandler) handleProcessImageStream(ctx context.Context, input *VisionInput, send sse.Sender) {
	req, err := h.request(input.Body)
	if err != nil {
		_ = send.Data(errorEvent(err))
		return
	}

	events, err := h.session.GenerateStreaming(ctx, req)
	if err != nil {
		_ = send.Data(errorEvent(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := send.Data(e); err != nil {
				return
			}
		}
	}
}

func (h *VisionHandler) handleCancel(_ context.Context, _ *struct{}) (*struct{}, error) {
	h.coordinator.Cancel()
	return nil, nil
}

func (h *VisionHandler) request(body VisionRequestDTO) (*session.Request, error) {
	f, err := frame.New(body.Image)
	if err != nil {
		return nil, err
	}

	data, mime, err := frame.Encode(f)
	if err != nil {
		return nil, err
	}

	prompt := body.Prompt
	if prompt == "" {
		prompt = h.coordinator.Prompt()
	}

	return session.NewRequest(prompt, data, mime), nil
}

func errorEvent(err error) session.Event {
	return session.Event{Kind: session.EventError, Error: err.Error()}
}

package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/synlens/internal/coordinator"
	"github.com/ekisa-team/synlens/internal/session"
)

type (
	SetModeDTO struct {
		Mode string `json:"mode" enum:"continuous,single_shot"`
	}

	CaptureDTO struct {
		Prompt string `json:"prompt,omitempty" maxLength:"4096"`
	}
)

type (
	StateOutput struct {
		Body coordinator.State
	}

	SetModeInput struct {
		Body SetModeDTO
	}

	LifecycleInput struct {
		Transition string `path:"transition" enum:"background,foreground"`
	}

	CaptureInput struct {
		Body *CaptureDTO `required:"false"`
	}

	CaptureOutput struct {
		Body *session.Result
	}
)

// AppHandler exposes the coordinator: capture mode, app lifecycle and the
// state the UI renders.
type AppHandler struct {
	coordinator *coordinator.Coordinator
}

// NewAppHandler creates a new AppHandler instance.
func NewAppHandler(api huma.API, coord *coordinator.Coordinator) *AppHandler {
	h := &AppHandler{coordinator: coord}

	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/v1/state",
		Summary:     "Get the app state",
		Tags:        []string{"app"},
	}, h.handleState)

	huma.Register(api, huma.Operation{
		OperationID: "set-mode",
		Method:      http.MethodPut,
		Path:        "/v1/mode",
		Summary:     "Switch between continuous and single-shot capture",
		Tags:        []string{"app"},
	}, h.handleSetMode)

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle",
		Method:      http.MethodPost,
		Path:        "/v1/lifecycle/{transition}",
		Summary:     "Notify an app lifecycle transition",
		Tags:        []string{"app"},
	}, h.handleLifecycle)

	huma.Register(api, huma.Operation{
		OperationID: "capture",
		Method:      http.MethodPost,
		Path:        "/v1/capture",
		Summary:     "Capture one frame and describe it",
		Tags:        []string{"app"},
	}, h.handleCapture)

	return h
}

func (h *AppHandler) handleState(_ context.Context, _ *struct{}) (*StateOutput, error) {
	return &StateOutput{Body: h.coordinator.State()}, nil
}

func (h *AppHandler) handleSetMode(_ context.Context, input *SetModeInput) (*StateOutput, error) {
	mode, err := coordinator.ParseMode(input.Body.Mode)
	if err != nil {
		return nil, toHTTPError("invalid mode", err)
	}
	if err := h.coordinator.SetMode(mode); err != nil {
		return nil, toHTTPError("failed to switch mode", err)
	}

	return &StateOutput{Body: h.coordinator.State()}, nil
}

func (h *AppHandler) handleLifecycle(_ context.Context, input *LifecycleInput) (*StateOutput, error) {
	switch input.Transition {
	case "background":
		h.coordinator.Background()
	case "foreground":
		h.coordinator.Foreground()
	}

	return &StateOutput{Body: h.coordinator.State()}, nil
}

func (h *AppHandler) handleCapture(ctx context.Context, input *CaptureInput) (*CaptureOutput, error) {
	var prompt string
	if input.Body != nil {
		prompt = input.Body.Prompt
	}

	res, err := h.coordinator.Capture(ctx, prompt)
	if err != nil {
		return nil, toHTTPError("failed to capture", err)
	}

	return &CaptureOutput{Body: res}, nil
}

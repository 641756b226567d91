package http

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/coordinator"
	"github.com/ekisa-team/synlens/internal/frame"
	"github.com/ekisa-team/synlens/internal/model"
	"github.com/ekisa-team/synlens/internal/session"
)

// toHTTPError maps domain errors onto API errors.
func toHTTPError(msg string, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return huma.Error404NotFound("model not found", err)
	case errors.Is(err, session.ErrModelLoadFailed), errors.Is(err, session.ErrClosed):
		return huma.Error503ServiceUnavailable("model not ready", err)
	case errors.Is(err, session.ErrBusy):
		return huma.Error409Conflict("a generation is already running", err)
	case errors.Is(err, session.ErrCancelled):
		return huma.Error409Conflict("generation cancelled", err)
	case errors.Is(err, coordinator.ErrNotSingleShot), errors.Is(err, coordinator.ErrBackground):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, coordinator.ErrUnknownMode):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, frame.ErrUnsupportedFormat), errors.Is(err, frame.ErrInvalidFrame):
		return huma.Error422UnprocessableEntity("unsupported image", err)
	case errors.Is(err, session.ErrGenerationFailed):
		return huma.Error502BadGateway(msg, err)
	}
	return huma.Error500InternalServerError(msg, err)
}

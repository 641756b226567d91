// Package http serves the synlens API over HTTP: REST and SSE endpoints
// described with huma, plus the camera websocket.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/ekisa-team/synlens/internal/coordinator"
	"github.com/ekisa-team/synlens/internal/session"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Logger      *slog.Logger
	Session     *session.Session
	Coordinator *coordinator.Coordinator

	// Camera receives websocket frames. Nil disables frame upload.
	Camera Publisher

	Version string
}

// Server is the HTTP surface of synlens.
type Server struct {
	api    huma.API
	mux    *http.ServeMux
	hub    *Hub
	logger *slog.Logger
}

// NewServer registers every route on a fresh mux.
func NewServer(opts Options) (*Server, error) {
	if opts.Session == nil || opts.Coordinator == nil {
		return nil, errors.New("http server requires a session and a coordinator")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	mux := http.NewServeMux()
	api := humago.New(mux, huma.DefaultConfig("synlens", version))

	s := &Server{
		api:    api,
		mux:    mux,
		hub:    NewHub(logger),
		logger: logger.With("component", "http"),
	}

	NewVisionHandler(api, opts.Session, opts.Coordinator)
	NewAppHandler(api, opts.Coordinator)

	if err := opts.Coordinator.Store().Subscribe(s.hub.Broadcast); err != nil {
		return nil, err
	}
	mux.Handle("/ws/camera", NewCameraHandler(s.hub, opts.Camera, opts.Coordinator, logger))

	return s, nil
}

// API returns the huma API, for registering extra operations.
func (s *Server) API() huma.API {
	return s.api
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")

	return nil
}

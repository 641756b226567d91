package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ekisa-team/synlens/internal/admission"
	"github.com/ekisa-team/synlens/internal/backend"
	"github.com/ekisa-team/synlens/internal/config"
	"github.com/ekisa-team/synlens/internal/coordinator"
	"github.com/ekisa-team/synlens/internal/env"
	"github.com/ekisa-team/synlens/internal/logger"
	"github.com/ekisa-team/synlens/internal/model"
	grpcserver "github.com/ekisa-team/synlens/internal/server/grpc"
	httpserver "github.com/ekisa-team/synlens/internal/server/http"
	"github.com/ekisa-team/synlens/internal/service"
	"github.com/ekisa-team/synlens/internal/session"
)

var version = "dev"

func main() {
	var (
		flagHTTPPort   = flag.Int("http-port", config.DefaultHTTPPort(), "HTTP port to listen on")
		flagGRPCPort   = flag.Int("grpc-port", config.DefaultGRPCPort(), "GRPC port to listen on")
		flagConfigPath = flag.String("config", path.Join(config.DefaultConfigPath(), "config.yaml"), "Path to config file")
		flagSchemaPath = flag.String("schema", path.Join(config.DefaultConfigPath(), "synlens.v1.schema.json"), "Path to schema file")
		flagEnvFile    = flag.String("env-file", ".env", "Optional .env file loaded before reading the environment")
		flagPreload    = flag.Bool("preload", false, "Load the vision model on startup")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*flagEnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	environment := env.FromEnv()

	slog.SetDefault(
		logger.New(environment,
			logger.WithLogToFile(true),
			logger.WithLogFile("logs/synlens.log"),
		),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, options{
		httpAddr:   fmt.Sprintf(":%d", *flagHTTPPort),
		grpcAddr:   fmt.Sprintf(":%d", *flagGRPCPort),
		configPath: *flagConfigPath,
		schemaPath: *flagSchemaPath,
		preload:    *flagPreload,
	})
	if err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}

	slog.Info("Goodbye")
}

type options struct {
	httpAddr   string
	grpcAddr   string
	configPath string
	schemaPath string
	preload    bool
}

func run(ctx context.Context, opts options) error {
	reloads := make(chan *config.Config, 1)

	watcher, err := config.NewWatcher(opts.configPath, opts.schemaPath, func(cfg *config.Config, err error) {
		if err != nil {
			slog.Error("Failed to reload config", "error", err)
			return
		}

		// Keep only the newest config.
		select {
		case <-reloads:
		default:
		}
		reloads <- cfg
	})
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	cfg := watcher.Snapshot()
	slog.Info("Config loaded successfully", "config", opts.configPath, "schema", opts.schemaPath)

	manager := model.NewManager()
	if err := manager.LoadModelsFromConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to load models from config: %w", err)
	}

	servers := backend.NewServerManager()
	defer servers.StopAll()

	backends, err := newBackendRegistry(cfg, servers)
	if err != nil {
		return err
	}
	slog.Info("Backends registered", "providers", backends.Providers())

	modelID, err := visionModelID(cfg)
	if err != nil {
		return err
	}

	vision := service.NewVision(backends, manager, modelID, slog.Default())

	sess := session.New(vision, session.Options{
		MaxTokens:        cfg.Inference.MaxTokens,
		SnapshotInterval: cfg.Inference.SnapshotInterval,
	})
	defer sess.Close()

	adm := admission.New(admissionOptions(cfg)...)

	camera, err := newCamera(cfg)
	if err != nil {
		return err
	}

	coord := coordinator.New(sess, adm, camera, camera, coordinator.Options{
		Mode:   cfg.Camera.Mode,
		Prompt: cfg.Inference.Prompt,
	})

	httpSrv, err := httpserver.NewServer(httpserver.Options{
		Session:     sess,
		Coordinator: coord,
		Camera:      camera,
		Version:     version,
	})
	if err != nil {
		return err
	}

	grpcSrv := grpcserver.NewServer(slog.Default())
	if err := coord.Store().Subscribe(func(st coordinator.State) {
		grpcSrv.SetModelReady(st.ModelLoaded)
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return httpSrv.ListenAndServe(ctx, opts.httpAddr) })
	g.Go(func() error { return grpcSrv.ListenAndServe(ctx, opts.grpcAddr) })

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg := <-reloads:
				applyConfig(ctx, cfg, manager, vision, coord, adm)
			}
		}
	})

	if opts.preload {
		g.Go(func() error {
			if _, err := coord.LoadModel(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Failed to preload model", "model", modelID, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// applyConfig applies a reloaded config. Backend and server settings need a
// restart; models, the prompt and the latency target do not.
func applyConfig(ctx context.Context, cfg *config.Config, manager *model.Manager, vision *service.Vision, coord *coordinator.Coordinator, adm *admission.Controller) {
	if err := manager.LoadModelsFromConfig(ctx, cfg); err != nil {
		slog.Error("Failed to load models from config", "error", err)
		return
	}

	if id, err := visionModelID(cfg); err == nil && id != vision.ModelID() {
		slog.Info("Vision model changed", "previous", vision.ModelID(), "current", id)
		vision.SetModelID(id)
		if !coord.UnloadModel() {
			slog.Info("Model not ready, the pending or next load uses the new model", "model_id", id)
		}
	}

	coord.SetPrompt(cfg.Inference.Prompt)
	if cfg.Admission.TargetLatencyMS > 0 {
		adm.SetTarget(time.Duration(cfg.Admission.TargetLatencyMS) * time.Millisecond)
	}

	slog.Info("Config reloaded")
}

func visionModelID(cfg *config.Config) (string, error) {
	if len(cfg.Services.Vision.Models) == 0 {
		return "", config.ErrNoVisionModel
	}
	return cfg.Services.Vision.Models[0], nil
}

func admissionOptions(cfg *config.Config) []admission.Option {
	opts := []admission.Option{admission.WithLogger(slog.Default())}

	if cfg.Admission.TargetLatencyMS > 0 {
		opts = append(opts, admission.WithTarget(time.Duration(cfg.Admission.TargetLatencyMS)*time.Millisecond))
	}
	if cfg.Admission.InitialSkip != nil {
		opts = append(opts, admission.WithInitialSkip(*cfg.Admission.InitialSkip))
	}
	if cfg.Admission.HistorySize > 0 {
		opts = append(opts, admission.WithHistorySize(cfg.Admission.HistorySize))
	}

	return opts
}

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ServerManager manages server processes.
type ServerManager struct {
	servers map[string]*ServerProcess
	client  *http.Client
	mu      sync.Mutex
}

// ServerProcess represents a server running process.
type ServerProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// ServerConfig defines how to start and check a backend server.
type ServerConfig struct {
	Env          map[string]string
	Name         string
	BinPath      string
	HealthPath   string
	Args         []string
	Port         int
	ReadyTimeout time.Duration
}

// NewServerManager initializes a ServerManager.
func NewServerManager() *ServerManager {
	return &ServerManager{
		servers: map[string]*ServerProcess{},
		client:  &http.Client{Timeout: 1 * time.Second},
	}
}

func serverKey(name string, port int) string {
	return fmt.Sprintf("%s-%d", name, port)
}

// StartServer starts a backend server based on a generic configuration.
// Starting an already running server is a no-op.
func (sm *ServerManager) StartServer(ctx context.Context, cfg ServerConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := serverKey(cfg.Name, cfg.Port)
	if _, exists := sm.servers[key]; exists {
		return nil
	}

	if info, err := os.Stat(cfg.BinPath); err != nil {
		return fmt.Errorf("manager: failed to start %s server: %w", cfg.Name, err)
	} else if info.IsDir() {
		return fmt.Errorf("manager: failed to start %s server: %s is a directory", cfg.Name, cfg.BinPath)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.BinPath, cfg.Args...)

	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("manager: failed to start %s server: %w", cfg.Name, err)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", cfg.Port)

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}

	timeout := cfg.ReadyTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	if err := sm.waitForServer(ctx, baseURL+healthPath, timeout); err != nil {
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("manager: %s server did not become ready: %w", cfg.Name, err)
	}

	sm.servers[key] = &ServerProcess{
		cmd:    cmd,
		cancel: cancel,
	}

	slog.Info("Server started", "name", cfg.Name, "port", cfg.Port)
	return nil
}

// IsRunning reports whether a server with name and port was started.
func (sm *ServerManager) IsRunning(name string, port int) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, ok := sm.servers[serverKey(name, port)]
	return ok
}

// StopServer terminates a backend server.
func (sm *ServerManager) StopServer(name string, port int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := serverKey(name, port)
	srv, exists := sm.servers[key]
	if !exists {
		return fmt.Errorf("server %s not found", key)
	}

	srv.stop()
	delete(sm.servers, key)
	slog.Info("Server stopped", "name", name, "port", port)
	return nil
}

// StopAll terminates all running servers.
func (sm *ServerManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, srv := range sm.servers {
		srv.stop()
	}
	sm.servers = map[string]*ServerProcess{}

	slog.Info("All servers stopped")
}

func (p *ServerProcess) stop() {
	p.cancel()
	if err := p.cmd.Wait(); err != nil {
		slog.Debug("Server process exited", "error", err)
	}
}

// waitForServer waits for a server to be ready.
func (sm *ServerManager) waitForServer(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := sm.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	return fmt.Errorf("server failed to respond at %s within %v", url, timeout)
}

package backend

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperServerProcess is not a real test: it is the server binary started
// by the ServerManager tests.
func TestHelperServerProcess(t *testing.T) {
	if os.Getenv("SYNLENS_HELPER_SERVER") != "1" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_ = http.ListenAndServe("localhost:"+os.Getenv("SYNLENS_HELPER_PORT"), mux)
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()

	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer lis.Close()

	return lis.Addr().(*net.TCPAddr).Port
}

func TestServerManager_StartStop(t *testing.T) {
	port := freePort(t)
	sm := NewServerManager()
	defer sm.StopAll()

	cfg := ServerConfig{
		Name:    "helper",
		BinPath: os.Args[0],
		Args:    []string{"-test.run=TestHelperServerProcess"},
		Port:    port,
		Env: map[string]string{
			"SYNLENS_HELPER_SERVER": "1",
			"SYNLENS_HELPER_PORT":   strconv.Itoa(port),
		},
		ReadyTimeout: 10 * time.Second,
	}

	require.NoError(t, sm.StartServer(context.Background(), cfg))
	assert.True(t, sm.IsRunning("helper", port))

	// Already running.
	require.NoError(t, sm.StartServer(context.Background(), cfg))

	require.NoError(t, sm.StopServer("helper", port))
	assert.False(t, sm.IsRunning("helper", port))
	assert.Error(t, sm.StopServer("helper", port))
}

func TestServerManager_StartRejectsBadBinary(t *testing.T) {
	sm := NewServerManager()

	err := sm.StartServer(context.Background(), ServerConfig{Name: "missing", BinPath: "/nonexistent/llama-server", Port: 1})
	assert.ErrorContains(t, err, "failed to start missing server")

	err = sm.StartServer(context.Background(), ServerConfig{Name: "dir", BinPath: t.TempDir(), Port: 1})
	assert.ErrorContains(t, err, "is a directory")
}

func TestServerManager_WaitForServerHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sm := NewServerManager()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sm.waitForServer(ctx, srv.URL+"/health", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerManager_WaitForServerReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewServerManager().waitForServer(context.Background(), srv.URL+"/health", time.Second))
}

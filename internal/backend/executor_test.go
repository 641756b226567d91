package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	startErr error
	waitErr  error
	runArgs  []string
	stdout   string
	stderr   string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ io.Reader) ([]byte, []byte, error) {
	f.runArgs = args
	return []byte(f.stdout), []byte(f.stderr), f.waitErr
}

func (f *fakeRunner) Start(_ context.Context, _ string, args []string, _ io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	f.runArgs = args
	if f.startErr != nil {
		return nil, nil, nil, f.startErr
	}
	return io.NopCloser(strings.NewReader(f.stdout)),
		io.NopCloser(strings.NewReader(f.stderr)),
		func() error { return f.waitErr },
		nil
}

func collect(t *testing.T, ch <-chan StreamChunk) ([]string, error) {
	t.Helper()

	var (
		data []string
		last error
	)
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return data, last
			}
			if len(chunk.Data) > 0 {
				data = append(data, string(chunk.Data))
			}
			if chunk.Done {
				last = chunk.Error
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestExecutor_StreamLines(t *testing.T) {
	runner := &fakeRunner{stdout: "a cat\non a mat\n"}
	e := NewExecutorWithRunner("/bin/fake", time.Second, runner)

	ch, err := e.Stream(context.Background(), []string{"-x"}, nil)
	require.NoError(t, err)

	data, streamErr := collect(t, ch)
	assert.NoError(t, streamErr)
	assert.Equal(t, []string{"a cat\n", "on a mat\n"}, data)
	assert.Equal(t, []string{"-x"}, runner.runArgs)
}

func TestExecutor_StreamExitErrorIncludesStderr(t *testing.T) {
	runner := &fakeRunner{stdout: "partial", stderr: "model not found", waitErr: errors.New("exit status 1")}
	e := NewExecutorWithRunner("/bin/fake", time.Second, runner)

	ch, err := e.Stream(context.Background(), nil, nil)
	require.NoError(t, err)

	data, streamErr := collect(t, ch)
	assert.Equal(t, []string{"partial"}, data)
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "model not found")
}

func TestExecutor_StreamStartError(t *testing.T) {
	e := NewExecutorWithRunner("/bin/fake", time.Second, &fakeRunner{startErr: errors.New("no exec")})

	_, err := e.Stream(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestExecutor_Execute(t *testing.T) {
	runner := &fakeRunner{stdout: "ok", stderr: "log"}
	e := NewExecutorWithRunner("/bin/fake", time.Second, runner)

	stdout, stderr, err := e.Execute(context.Background(), []string{"--help"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(stdout))
	assert.Equal(t, "log", string(stderr))
}

func TestNewExecutor_MissingBinary(t *testing.T) {
	_, err := NewExecutor("/definitely/not/here", time.Second)
	assert.Error(t, err)
}

func TestScanAvailable_KeepsRunesWhole(t *testing.T) {
	// "é" is 0xC3 0xA9; feed only the first byte at the end of the buffer.
	data := []byte("caf\xc3")

	advance, token, err := ScanAvailable(data, false)
	require.NoError(t, err)
	assert.Equal(t, 3, advance)
	assert.Equal(t, "caf", string(token))

	advance, token, err = ScanAvailable([]byte("\xc3"), false)
	require.NoError(t, err)
	assert.Zero(t, advance)
	assert.Nil(t, token)

	advance, token, err = ScanAvailable([]byte("é!"), false)
	require.NoError(t, err)
	assert.Equal(t, len("é!"), advance)
	assert.Equal(t, "é!", string(token))

	advance, _, err = ScanAvailable(nil, true)
	require.NoError(t, err)
	assert.Zero(t, advance)
}

func TestScanAvailable_WithScanner(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("hello wörld"))
	scanner.Split(ScanAvailable)

	var sb strings.Builder
	for scanner.Scan() {
		sb.Write(scanner.Bytes())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "hello wörld", sb.String())
}

func TestServerManager_WaitForServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sm := NewServerManager()
	assert.NoError(t, sm.waitForServer(context.Background(), srv.URL+"/health", time.Second))
	assert.Error(t, sm.waitForServer(context.Background(), srv.URL+"/loading", 300*time.Millisecond))
}

func TestServerManager_StartMissingBinary(t *testing.T) {
	sm := NewServerManager()

	err := sm.StartServer(context.Background(), ServerConfig{Name: "llama-server", BinPath: "/nope", Port: 18080})
	assert.Error(t, err)
	assert.False(t, sm.IsRunning("llama-server", 18080))
	assert.Error(t, sm.StopServer("llama-server", 18080))
}

package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"
)

// CommandRunner is the interface for running commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
	Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// Run runs a command.
func (ExecCommandRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Start starts a command.
func (ExecCommandRunner) Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	return stdoutPipe, stderrPipe, cmd.Wait, nil
}

// Executor runs commands.
type Executor struct {
	runner     CommandRunner
	split      bufio.SplitFunc
	binaryPath string
	timeout    time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRunner replaces the os/exec runner.
func WithRunner(runner CommandRunner) ExecutorOption {
	return func(e *Executor) {
		e.runner = runner
	}
}

// WithSplit sets how streamed stdout is cut into chunks. Defaults to lines.
func WithSplit(split bufio.SplitFunc) ExecutorOption {
	return func(e *Executor) {
		e.split = split
	}
}

// NewExecutor creates an executor.
func NewExecutor(binaryPath string, timeout time.Duration, opts ...ExecutorOption) (*Executor, error) {
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("binary not found: %w", err)
	}

	return NewExecutorWithRunner(binaryPath, timeout, ExecCommandRunner{}, opts...), nil
}

// NewExecutorWithRunner creates an executor with a custom runner.
func NewExecutorWithRunner(binaryPath string, timeout time.Duration, runner CommandRunner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		binaryPath: binaryPath,
		timeout:    timeout,
		runner:     runner,
		split:      scanLinesKeepNewline,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the command and returns output.
func (e *Executor) Execute(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	return e.runner.Run(ctx, e.binaryPath, args, stdin)
}

// Stream runs the command and streams stdout as chunks cut by the split function.
// The final chunk has Done set and carries the exit error, if any.
func (e *Executor) Stream(ctx context.Context, args []string, stdin io.Reader) (<-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)

	stdout, stderr, wait, err := e.runner.Start(ctx, e.binaryPath, args, stdin)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executor: failed to start command: %w", err)
	}

	ch := make(chan StreamChunk, 32)

	go func() {
		defer close(ch)
		defer cancel()

		send := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Read stderr in background
		stderrBuf := new(bytes.Buffer)
		stderrDone := make(chan struct{})
		go func() {
			if _, err := io.Copy(stderrBuf, stderr); err != nil {
				slog.Debug("Failed to read stderr", "error", err)
			}
			close(stderrDone)
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Split(e.split)
		for scanner.Scan() {
			if !send(StreamChunk{Data: bytes.Clone(scanner.Bytes())}) {
				<-stderrDone
				_ = wait()
				return
			}
		}

		scanErr := scanner.Err()
		<-stderrDone
		waitErr := wait()

		switch {
		case ctx.Err() != nil:
			send(StreamChunk{Error: ctx.Err(), Done: true})
		case scanErr != nil:
			send(StreamChunk{Error: scanErr, Done: true})
		case waitErr != nil:
			if s := stderrBuf.String(); s != "" {
				send(StreamChunk{Error: fmt.Errorf("%w: %s", waitErr, s), Done: true})
			} else {
				send(StreamChunk{Error: waitErr, Done: true})
			}
		default:
			send(StreamChunk{Done: true})
		}
	}()

	return ch, nil
}

func scanLinesKeepNewline(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := bufio.ScanLines(data, atEOF)
	if token != nil && advance > len(token) {
		token = append(bytes.Clone(token), '\n')
	}
	return advance, token, err
}

// ScanAvailable is a split function that yields whatever stdout has produced so
// far, never cutting a UTF-8 sequence in half. CLI generators flush once per
// token, so each chunk is roughly one token.
func ScanAvailable(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}

	if cut == 0 {
		return 0, nil, nil
	}
	return cut, data[:cut], nil
}

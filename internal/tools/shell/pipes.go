package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

var errClosed = errors.New("shell session closed")

// pipeBackend runs every command in a fresh non-interactive shell. Nothing
// carries over between commands.
type pipeBackend struct {
	shell    string
	cfg      Config
	sentinel string

	mu      sync.Mutex
	closed  bool
	current *exec.Cmd
}

func newPipeBackend(cfg Config, sentinel string) (*pipeBackend, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "sh"
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		return nil, fmt.Errorf("find shell: %w", err)
	}
	return &pipeBackend{shell: path, cfg: cfg, sentinel: sentinel}, nil
}

func (b *pipeBackend) kind() string { return "pipes" }

func (b *pipeBackend) alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *pipeBackend) run(ctx context.Context, command string, timeout time.Duration) (outcome, error) {
	cmd := exec.Command(b.shell, "-c", command+"; echo '"+b.sentinel+"'")
	cmd.Dir = b.cfg.Dir
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return outcome{}, fmt.Errorf("create pipe: %w", err)
	}
	cmd.Stdout, cmd.Stderr = pw, pw

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pr.Close()
		_ = pw.Close()
		return outcome{exited: true}, errClosed
	}
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		_ = pr.Close()
		_ = pw.Close()
		return outcome{}, fmt.Errorf("start %s: %w", b.shell, err)
	}
	b.current = cmd
	b.mu.Unlock()
	_ = pw.Close()

	defer func() {
		b.mu.Lock()
		b.current = nil
		b.mu.Unlock()
	}()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	defer pr.Close()

	stream := newOutputStream(readChunks(pr), b.sentinel)
	res := stream.wait(ctx, exited, timeout)
	switch res {
	case waitFound, waitClosed:
		select {
		case <-exited:
		case <-time.After(time.Second):
			_ = killProcessGroup(cmd)
			<-exited
		}
		return outcome{output: stream.output(), exited: !b.alive()}, nil
	default:
		_ = killProcessGroup(cmd)
		<-exited
		return outcome{
			output:      stream.output(),
			interrupted: res == waitCancelled,
			timedOut:    res == waitTimedOut,
		}, nil
	}
}

func (b *pipeBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.current != nil {
		return killProcessGroup(b.current)
	}
	return nil
}

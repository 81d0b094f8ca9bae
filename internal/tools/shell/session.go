// Package shell provides a persistent, pty-backed shell session that runs one
// command at a time and delimits each command's output with a sentinel.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/deckhand/internal/agent"
)

const (
	// DefaultTimeout bounds a single command.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxOutput caps the bytes of output kept per command.
	DefaultMaxOutput = 64 << 10

	// InterruptedNote is appended to the output of a cancelled command.
	InterruptedNote = "[command interrupted]"

	sentinelPrefix = "__deckhand_done_"
	startTimeout   = 10 * time.Second

	restartHint = `the shell did not recover; call the tool again with "restart": true`
)

// errNoPTY means the platform cannot provide a pseudo-terminal.
var errNoPTY = errors.New("pseudo-terminal not available")

// State is a session's lifecycle position.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

// Config configures a shell session.
type Config struct {
	// Shell is the shell binary. Empty picks bash when installed, else /bin/sh.
	Shell string

	// Args replaces the default interactive arguments for Shell.
	Args []string

	// Dir is the working directory the shell starts in.
	Dir string

	// Env is added to the inherited environment.
	Env []string

	// Timeout bounds each command. Zero means DefaultTimeout; negative
	// disables the limit.
	Timeout time.Duration

	// MaxOutput caps the bytes of cleaned output returned per command.
	MaxOutput int

	// ForcePipes skips the pty and runs each command in a fresh
	// non-interactive shell.
	ForcePipes bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = DefaultMaxOutput
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// outcome is what a backend observed while running one command.
type outcome struct {
	output      string
	interrupted bool
	timedOut    bool
	exited      bool

	// desynced means the shell did not answer after an interrupt.
	desynced bool
}

// backend runs commands for a session.
type backend interface {
	run(ctx context.Context, command string, timeout time.Duration) (outcome, error)
	alive() bool
	close() error
	kind() string
}

// Session is a long-lived shell. Commands run one at a time; shell state such
// as the working directory and exported variables carries over between them
// when a pty is available.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	sentinel string

	runMu sync.Mutex

	mu      sync.Mutex
	state   State
	backend backend
}

// NewSession creates a session in StateNotStarted.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "shell"),
		sentinel: sentinelPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		state:    StateNotStarted,
	}
}

// State returns the session's lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the shell. Starting a running session is a no-op; starting a
// stopped one spawns a fresh shell.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return nil
	}

	b, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.backend = b
	s.state = StateRunning
	s.logger.Info("shell started", "backend", b.kind())
	return nil
}

func (s *Session) open(ctx context.Context) (backend, error) {
	if !s.cfg.ForcePipes {
		b, err := startPTY(ctx, s.cfg, s.sentinel, s.logger)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, errNoPTY) {
			return nil, err
		}
		s.logger.Warn("no pseudo-terminal, falling back to one-shot shells", "error", err)
	}
	return newPipeBackend(s.cfg, s.sentinel)
}

// Stop terminates the shell and every process it started. A command that is
// still running returns with a needs_restart result.
func (s *Session) Stop() error {
	s.mu.Lock()
	b := s.backend
	s.backend = nil
	s.state = StateStopped
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	s.logger.Info("shell stopped")
	return b.close()
}

// Restart stops the shell and starts a new one.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("stop before restart", "error", err)
	}
	return s.Start(ctx)
}

// Execute implements agent.Session. It expects {"command": "..."}.
func (s *Session) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return agent.ErrorResult(agent.ErrorKindInvalidArguments, fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return agent.ErrorResult(agent.ErrorKindInvalidArguments, "command is required"), nil
	}
	return s.Run(ctx, input.Command), nil
}

// Run executes command and waits for it to finish, for ctx to end or for the
// timeout. It never returns nil.
//
// Cancelling ctx kills the command's process group and returns the output
// gathered so far; the session stays running. A session whose shell has
// exited answers with a needs_restart error instead of blocking.
func (s *Session) Run(ctx context.Context, command string) *agent.ToolResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	state, b := s.state, s.backend
	s.mu.Unlock()

	if state != StateRunning || b == nil {
		return agent.ErrorResult(agent.ErrorKindNeedsRestart,
			`shell session is not running; call the tool again with "restart": true`)
	}
	if !b.alive() {
		s.markStopped(b)
		return agent.ErrorResult(agent.ErrorKindNeedsRestart,
			`shell process has exited; call the tool again with "restart": true`)
	}

	start := time.Now()
	out, err := b.run(ctx, command, s.cfg.Timeout)
	text := cleanOutput(out.output, s.cfg.MaxOutput)
	s.logger.Debug("command finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"interrupted", out.interrupted,
		"timed_out", out.timedOut,
		"exited", out.exited,
	)

	switch {
	case out.exited:
		s.markStopped(b)
		msg := `shell exited while running the command; call the tool again with "restart": true`
		if err != nil {
			msg = fmt.Sprintf("%s (%v)", msg, err)
		}
		result := agent.ErrorResult(agent.ErrorKindNeedsRestart, msg)
		if text != agent.NoOutput {
			result.Output = text
		}
		return result
	case err != nil:
		return agent.ErrorResult(agent.ErrorKindExecution, err.Error())
	case out.interrupted:
		note := InterruptedNote
		if out.desynced {
			s.markStopped(b)
			note += "\n" + restartHint
		}
		return agent.CancelledResult(text + "\n\n" + note)
	case out.timedOut:
		msg := fmt.Sprintf("command did not finish within %s and was interrupted", s.cfg.Timeout)
		if out.desynced {
			s.markStopped(b)
			msg += "; " + restartHint
		}
		result := agent.ErrorResult(agent.ErrorKindTimeout, msg)
		result.Output = text
		return result
	default:
		return agent.OutputResult(text)
	}
}

func (s *Session) markStopped(b backend) {
	s.mu.Lock()
	if s.backend == b {
		s.backend = nil
		s.state = StateStopped
	}
	s.mu.Unlock()
	if err := b.close(); err != nil {
		s.logger.Debug("close exited shell", "error", err)
	}
}

// defaultShell returns the shell binary and arguments used for the pty.
func defaultShell(cfg Config) (string, []string) {
	if cfg.Shell != "" {
		if cfg.Args != nil {
			return cfg.Shell, cfg.Args
		}
		if strings.HasSuffix(cfg.Shell, "bash") {
			return cfg.Shell, []string{"--noediting", "--noprofile", "--norc", "-i"}
		}
		return cfg.Shell, []string{"-i"}
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path, []string{"--noediting", "--noprofile", "--norc", "-i"}
	}
	return "/bin/sh", []string{"-i"}
}

// shellEnv quiets prompts and pagers so only command output reaches the pty.
func shellEnv(base []string, extra []string) []string {
	env := append([]string(nil), base...)
	env = append(env,
		"PS1=",
		"PS2=",
		"PROMPT_COMMAND=",
		"TERM=dumb",
		"PAGER=cat",
		"GIT_PAGER=cat",
		"HISTFILE=/dev/null",
	)
	return append(env, extra...)
}

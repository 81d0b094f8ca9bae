//go:build linux || darwin || freebsd || netbsd || openbsd

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	// resyncWait bounds the wait for the shell to answer again after an
	// interrupt.
	resyncWait = 2 * time.Second

	// interruptGrace is how long a foreground job gets to die from SIGINT
	// before it is killed.
	interruptGrace = 500 * time.Millisecond
)

// ptyBackend keeps one interactive shell on a pseudo-terminal.
type ptyBackend struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	sentinel string
	seq      uint64
	logger   *slog.Logger

	chunks <-chan string
	exited chan struct{}

	closeOnce sync.Once
}

func startPTY(ctx context.Context, cfg Config, sentinel string, logger *slog.Logger) (backend, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoPTY, err)
	}
	// Wide enough that the terminal never wraps long output lines.
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 50, Cols: 500}); err != nil {
		logger.Debug("set pty size", "error", err)
	}
	// With echo off the command line never comes back as output.
	if err := disableEcho(int(tty.Fd())); err != nil {
		logger.Debug("disable pty echo", "error", err)
	}

	path, args := defaultShell(cfg)
	cmd := exec.Command(path, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = shellEnv(os.Environ(), cfg.Env)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	_ = tty.Close()

	b := &ptyBackend{
		cmd:      cmd,
		ptmx:     ptmx,
		sentinel: sentinel,
		logger:   logger,
		chunks:   readChunks(ptmx),
		exited:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(b.exited)
	}()

	// Wait for the shell to answer once so startup noise never leaks into the
	// first command's output.
	readyCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	marker := b.nextMarker()
	if err := b.writeLine("echo '" + marker + "'"); err != nil {
		_ = b.close()
		return nil, err
	}
	if res := newOutputStream(b.chunks, marker).wait(readyCtx, b.exited, 0); res != waitFound {
		_ = b.close()
		return nil, fmt.Errorf("shell %s did not become ready", path)
	}
	return b, nil
}

func (b *ptyBackend) kind() string { return "pty" }

func (b *ptyBackend) alive() bool {
	select {
	case <-b.exited:
		return false
	default:
		return true
	}
}

func (b *ptyBackend) run(ctx context.Context, command string, timeout time.Duration) (outcome, error) {
	b.discardPending()
	marker := b.nextMarker()
	if err := b.writeLine(command + "; echo '" + marker + "'"); err != nil {
		return outcome{exited: !b.alive()}, err
	}

	stream := newOutputStream(b.chunks, marker)
	res := stream.wait(ctx, b.exited, timeout)
	switch res {
	case waitFound:
		return outcome{output: stream.output()}, nil
	case waitClosed:
		return outcome{output: stream.output(), exited: true}, nil
	}

	b.interrupt()
	synced := b.resync()
	return outcome{
		output:      stream.output(),
		interrupted: res == waitCancelled,
		timedOut:    res == waitTimedOut,
		exited:      !b.alive(),
		desynced:    !synced,
	}, nil
}

// nextMarker returns a sentinel no earlier command of this shell has used, so
// a late echo from an abandoned command can never end a later one.
func (b *ptyBackend) nextMarker() string {
	b.seq++
	return fmt.Sprintf("%s_%d_", b.sentinel, b.seq)
}

// interrupt stops the running command line. The foreground job gets SIGINT
// first: bash abandons the rest of a line, loops included, when a job dies
// from SIGINT. A job that survives the grace period is killed.
func (b *ptyBackend) interrupt() {
	shell := b.cmd.Process.Pid
	fg, err := foregroundGroup(b.ptmx)
	if err != nil || fg <= 0 || fg == shell {
		b.signal(shell, unix.SIGINT)
		return
	}
	b.signal(-fg, unix.SIGINT)
	b.signal(shell, unix.SIGINT)
	if b.waitForeground(shell, interruptGrace) {
		return
	}
	if fg, err := foregroundGroup(b.ptmx); err == nil && fg > 0 && fg != shell {
		b.signal(-fg, unix.SIGKILL)
	}
}

func (b *ptyBackend) signal(pid int, sig unix.Signal) {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		b.logger.Warn("signal shell process", "pid", pid, "signal", sig.String(), "error", err)
	}
}

// waitForeground polls until the shell owns the terminal again.
func (b *ptyBackend) waitForeground(shell int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		fg, err := foregroundGroup(b.ptmx)
		if err != nil || fg == shell {
			return true
		}
		if !b.alive() || time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// resync asks the shell for a fresh marker and reports whether it answered.
// A shell that stays busy is out of step with its caller and must be
// restarted.
func (b *ptyBackend) resync() bool {
	if !b.waitForeground(b.cmd.Process.Pid, resyncWait) {
		b.logger.Warn("shell still busy after interrupt")
		return false
	}
	marker := b.nextMarker()
	if err := b.writeLine("echo '" + marker + "'"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), resyncWait)
	defer cancel()
	if res := newOutputStream(b.chunks, marker).wait(ctx, b.exited, 0); res != waitFound {
		b.logger.Warn("shell did not resynchronize after interrupt")
		return false
	}
	return true
}

func (b *ptyBackend) writeLine(line string) error {
	if _, err := io.WriteString(b.ptmx, line+"\n"); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// discardPending drops output produced between commands, such as
// background job notices.
func (b *ptyBackend) discardPending() {
	for {
		select {
		case _, ok := <-b.chunks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (b *ptyBackend) close() error {
	var err error
	b.closeOnce.Do(func() {
		pid := b.cmd.Process.Pid
		if fg, ferr := foregroundGroup(b.ptmx); ferr == nil && fg > 0 && fg != pid {
			_ = unix.Kill(-fg, unix.SIGKILL)
		}
		// The shell leads its own session, so its pid is also its group id.
		if kerr := unix.Kill(-pid, unix.SIGKILL); kerr != nil && !errors.Is(kerr, unix.ESRCH) {
			err = kerr
		}
		if cerr := b.ptmx.Close(); cerr != nil && err == nil {
			err = cerr
		}
		select {
		case <-b.exited:
		case <-time.After(2 * time.Second):
			b.logger.Warn("shell did not exit after kill", "pid", pid)
		}
	})
	return err
}

// foregroundGroup returns the process group currently in the foreground of
// the terminal. It goes through SyscallConn so the descriptor stays in
// non-blocking mode.
func foregroundGroup(f *os.File) (int, error) {
	conn, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}
	var pgid int
	var ioctlErr error
	if err := conn.Control(func(fd uintptr) {
		pgid, ioctlErr = unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
	}); err != nil {
		return 0, err
	}
	return pgid, ioctlErr
}

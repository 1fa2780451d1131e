package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/antonkrylov/ssh-rev/internal/wire"
)

// forwardable lists the signals a peer may deliver. Window changes travel as
// Resize frames instead.
var forwardable = map[syscall.Signal]bool{
	unix.SIGINT:  true,
	unix.SIGHUP:  true,
	unix.SIGQUIT: true,
	unix.SIGTERM: true,
	unix.SIGKILL: true,
	unix.SIGUSR1: true,
	unix.SIGUSR2: true,
	unix.SIGCONT: true,
	unix.SIGTSTP: true,
}

// Forwardable reports whether sig may be sent to a session's process group.
func Forwardable(sig syscall.Signal) bool {
	return forwardable[sig]
}

// SignalName returns the conventional name of sig, e.g. "SIGINT".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}

// process is a started command and the handles the pumps work on.
type process struct {
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser // nil when stdout and stderr share a pty

	pty *os.File
}

func (p *process) terminal() bool { return p.pty != nil }

// startProcess spawns req. A failing pty allocation falls back to plain pipes.
func startProcess(req *wire.ExecRequest, logger *slog.Logger) (*process, error) {
	if req.Terminal {
		cmd := buildCommand(req)
		f, err := startPTY(cmd, winsize(req.Rows, req.Cols))
		if err == nil {
			return &process{cmd: cmd, stdin: f, stdout: f, pty: f}, nil
		}
		if !errors.Is(err, ErrPtyAllocationFailed) {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		logger.Warn("pty unavailable, running without a terminal", "err", err)
	}

	cmd := buildCommand(req)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func buildCommand(req *wire.ExecRequest) *exec.Cmd {
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = composeEnv(req.Env)
	cmd.Dir = req.Dir
	return cmd
}

// composeEnv layers the requested variables over the proxy's own environment.
func composeEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// signal delivers sig to the foreground group of the terminal, or to the
// process group the command leads.
func (p *process) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	pgid := p.cmd.Process.Pid
	if p.pty != nil {
		if fg, ok := foregroundGroup(p.pty); ok {
			pgid = fg
		}
	}
	return unix.Kill(-pgid, sig)
}

// kill forcibly ends everything the session started.
func (p *process) kill() {
	if p.cmd.Process == nil {
		return
	}
	if p.pty != nil {
		if fg, ok := foregroundGroup(p.pty); ok && fg != p.cmd.Process.Pid {
			_ = unix.Kill(-fg, unix.SIGKILL)
		}
	}
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

// closeOutputs unblocks output pumps whose readers are held open by
// descendants that outlived the kill.
func (p *process) closeOutputs() {
	_ = p.stdout.Close()
	if p.stderr != nil {
		_ = p.stderr.Close()
	}
}

// release closes the pty master, if any. Pipes are closed by cmd.Wait.
func (p *process) release() {
	if p.pty != nil {
		_ = p.pty.Close()
	}
}

// exitStatus maps the result of cmd.Wait onto the wire status.
func exitStatus(err error) wire.ExitStatus {
	if err == nil {
		return wire.Exited(0)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return wire.Signaled(ws.Signal())
			}
			return wire.Exited(ws.ExitStatus())
		}
		return wire.Exited(exitErr.ExitCode())
	}
	return wire.Exited(1)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cliconfig "github.com/antonkrylov/ssh-rev/internal/cli/config"
	"github.com/antonkrylov/ssh-rev/internal/client"
	"github.com/antonkrylov/ssh-rev/internal/wire"
)

const (
	exitSpawnFailed = 127
	exitNoSession   = 255
)

type execFlags struct {
	socket  string
	timeout time.Duration
	env     []string
	dir     string
	tty     bool
	noTTY   bool
	noStdin bool
}

func newExecCmd(root *rootOptions) *cobra.Command {
	opts := &execFlags{}
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a command on the host the agent was forwarded from",
		Long: `Send command to the ssh-rev agent behind the forwarded agent socket and
stream its stdin, stdout and stderr. ssh-rev exits with the command's exit
code; 127 means it could not be started and 255 means the session was lost.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, root, opts, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&opts.socket, "socket", "A", "", "forwarded agent socket (default: config or $SSH_AUTH_SOCK)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "dial timeout (default 5s)")
	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVarP(&opts.dir, "cwd", "C", "", "working directory on the originating host")
	cmd.Flags().BoolVarP(&opts.tty, "tty", "t", false, "force a pseudo-terminal (default when stdin and stdout are terminals)")
	cmd.Flags().BoolVarP(&opts.noTTY, "no-tty", "T", false, "never allocate a pseudo-terminal")
	cmd.Flags().BoolVarP(&opts.noStdin, "no-stdin", "n", false, "do not forward stdin")
	return cmd
}

func runExec(cmd *cobra.Command, root *rootOptions, opts *execFlags, args []string) error {
	if opts.tty && opts.noTTY {
		return fmt.Errorf("--tty and --no-tty are mutually exclusive")
	}
	logger := root.logger(cmd, "")

	conn, err := client.ResolveConnection(root.configPath, opts.socket, opts.timeout)
	if err != nil {
		return &exitError{code: exitNoSession, err: err}
	}
	flagEnv, err := cliconfig.ParseEnv(opts.env)
	if err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	terminal := !opts.noTTY && (opts.tty || (term.IsTerminal(stdinFd) && term.IsTerminal(int(os.Stdout.Fd()))))

	req := &wire.ExecRequest{
		Command:  args[0],
		Args:     args[1:],
		Env:      mergeEnv(conn.Env(), flagEnv),
		Terminal: terminal,
		Dir:      opts.dir,
	}
	if terminal {
		applyTerminalDefaults(req.Env, conn.Term())
		cols, rows := termSize()
		req.Rows, req.Cols = uint32(rows), uint32(cols)
	}

	ctx := context.Background()
	done := make(chan struct{})
	defer close(done)

	restore := func() {}
	if terminal && !opts.noStdin {
		if restore, err = makeStdinRaw(); err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
	}
	defer restore()

	var resize chan wire.Resize
	if terminal {
		resize = watchResize(done)
	}
	signals := forwardSignals(done, logger)

	var stdin io.Reader = os.Stdin
	if opts.noStdin {
		stdin = nil
	}
	status, err := client.Exec(ctx, client.Options{
		SocketPath:  conn.SocketPath,
		DialTimeout: conn.Timeout,
		Request:     req,
		Stdin:       stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Resize:      resize,
		Signals:     signals,
		Logger:      logger,
	})
	restore()
	if err != nil {
		logger.Debug("exec failed", "err", err)
		return &exitError{code: exitNoSession, err: describeExecError(err, conn.SocketPath)}
	}
	logger.Debug("exec finished", "status", status.String())

	code := exitCode(status)
	if sig, ok := status.Signal(); ok {
		reraise(sig)
	}
	if code == 0 {
		return nil
	}
	var msg error
	if status.IsSpawnFailed() {
		msg = fmt.Errorf("%s: could not be started on the originating host", req.Command)
	}
	return &exitError{code: code, err: msg}
}

// exitCode maps a remote status onto a local process exit code.
func exitCode(status wire.ExitStatus) int {
	if status.IsSpawnFailed() {
		return exitSpawnFailed
	}
	if sig, ok := status.Signal(); ok {
		return 128 + int(sig)
	}
	if status.Code < 0 || status.Code > 255 {
		return exitNoSession
	}
	return int(status.Code)
}

func describeExecError(err error, socket string) error {
	switch {
	case errors.Is(err, client.ErrExtensionUnsupported):
		return fmt.Errorf("%s is not an ssh-rev agent (start `ssh-rev agent` locally and forward its socket): %w", socket, err)
	case errors.Is(err, client.ErrConnectionLost):
		return fmt.Errorf("session lost before the command finished: %w", err)
	default:
		return err
	}
}

// reraise kills this process with sig so the caller sees the same
// termination. It returns if the signal did not end the process.
func reraise(sig syscall.Signal) {
	signal.Reset(sig)
	if err := syscall.Kill(os.Getpid(), sig); err != nil {
		return
	}
	time.Sleep(100 * time.Millisecond)
}

// mergeEnv layers flag entries over config defaults.
func mergeEnv(base, override map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range override {
		env[k] = v
	}
	return env
}

func applyTerminalDefaults(env map[string]string, overrideTERM string) {
	if env == nil {
		return
	}

	termVal := strings.TrimSpace(overrideTERM)
	termLower := strings.ToLower(termVal)
	if termVal == "" || termLower == "unknown" || termLower == "dumb" {
		termVal = "xterm-256color"
	}

	for k := range env {
		if strings.EqualFold(k, "TERM") {
			return
		}
	}
	env["TERM"] = termVal
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	var restored bool
	return func() {
		if restored {
			return
		}
		restored = true
		_ = term.Restore(fd, oldState)
	}, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 80, 24
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 80, 24
	}
	return c, r
}

func watchResize(done <-chan struct{}) chan wire.Resize {
	out := make(chan wire.Resize, 1)
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				cols, rows := termSize()
				r := wire.Resize{Rows: uint16(rows), Cols: uint16(cols)}
				// Keep only the latest size.
				select {
				case <-out:
				default:
				}
				out <- r
			}
		}
	}()
	return out
}

// forwardSignals relays interrupt-style signals to the remote process
// instead of letting them end this one. The remote exit status then decides
// how this process ends.
func forwardSignals(done <-chan struct{}, logger *slog.Logger) chan syscall.Signal {
	out := make(chan syscall.Signal, 4)
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-done:
				return
			case s := <-sigCh:
				sig, ok := s.(syscall.Signal)
				if !ok {
					continue
				}
				select {
				case out <- sig:
				default:
					logger.Warn("dropping signal, forward queue full", "signal", sig.String())
				}
			}
		}
	}()
	return out
}

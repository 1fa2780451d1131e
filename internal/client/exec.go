// Package client issues rev-exec requests over a forwarded agent socket and
// demultiplexes the session back onto local streams.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/antonkrylov/ssh-rev/internal/mux"
	"github.com/antonkrylov/ssh-rev/internal/wire"
)

var (
	// ErrConnectionLost means the socket closed before an Exit frame arrived.
	ErrConnectionLost = errors.New("connection lost")
	// ErrExtensionUnsupported means the agent on the socket is not an ssh-rev
	// proxy, or refused the request.
	ErrExtensionUnsupported = errors.New("agent does not support rev-exec")
)

// Options describes one exec invocation.
type Options struct {
	SocketPath  string
	DialTimeout time.Duration
	Request     *wire.ExecRequest

	// Stdin is forwarded until EOF. Nil sends EOF right away.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Resize and Signals are forwarded while the session runs.
	Resize  <-chan wire.Resize
	Signals <-chan syscall.Signal

	Logger *slog.Logger
}

// Exec runs opts.Request on the far end of the socket and returns its exit
// status once all output has been written locally.
func Exec(ctx context.Context, opts Options) (wire.ExitStatus, error) {
	if opts.Request == nil || opts.Request.Command == "" {
		return wire.ExitStatus{}, fmt.Errorf("%w: command is required", wire.ErrInvalidExecRequest)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", opts.SocketPath)
	if err != nil {
		return wire.ExitStatus{}, fmt.Errorf("dial %s: %w", opts.SocketPath, err)
	}
	defer conn.Close()

	if err := handshake(conn, opts.Request); err != nil {
		return wire.ExitStatus{}, err
	}
	logger.Debug("exec started", "command", opts.Request.Command, "terminal", opts.Request.Terminal)

	c := mux.New(conn)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	go pumpStdin(c, opts.Stdin, logger)
	go forwardControl(c, opts.Resize, opts.Signals, done, logger)

	status, err := demux(c, opts.Stdout, opts.Stderr, logger)
	if err != nil && ctx.Err() != nil {
		return wire.ExitStatus{}, ctx.Err()
	}
	return status, err
}

// handshake sends the request and waits for the proxy to switch to frames.
func handshake(conn net.Conn, req *wire.ExecRequest) error {
	raw, err := wire.Encode(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("%w: send request: %v", ErrConnectionLost, err)
	}
	resp, err := wire.NewReader(conn).ReadResponse()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: no reply to exec request", ErrConnectionLost)
		}
		return err
	}
	switch resp.Type() {
	case wire.SSHAgentSuccess:
		return nil
	case wire.SSHAgentFailure, wire.SSHAgentExtensionFailure:
		return ErrExtensionUnsupported
	default:
		return fmt.Errorf("%w: unexpected reply type %d", wire.ErrMalformedMessage, resp.Type())
	}
}

func pumpStdin(c *mux.Conn, in io.Reader, logger *slog.Logger) {
	w := c.Writer(wire.TagStdin)
	if in != nil {
		if _, err := io.Copy(w, in); err != nil {
			logger.Debug("stdin", "err", err)
		}
	}
	_ = w.Close()
}

func forwardControl(c *mux.Conn, resize <-chan wire.Resize, signals <-chan syscall.Signal, done <-chan struct{}, logger *slog.Logger) {
	for {
		var f wire.ExecFrame
		select {
		case r, ok := <-resize:
			if !ok {
				resize = nil
				continue
			}
			f = r.Frame()
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			f = wire.SignalFrame(sig)
		case <-done:
			return
		}
		if err := c.SendFrame(f); err != nil {
			logger.Debug("control frame", "tag", f.Tag.String(), "err", err)
			return
		}
	}
}

// demux writes output frames to the local streams until Exit.
func demux(c *mux.Conn, stdout, stderr io.Writer, logger *slog.Logger) (wire.ExitStatus, error) {
	outputs := map[wire.Tag]io.Writer{wire.TagStdout: stdout, wire.TagStderr: stderr}
	for {
		f, err := c.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedMessage) {
				return wire.ExitStatus{}, err
			}
			return wire.ExitStatus{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		switch f.Tag {
		case wire.TagStdout, wire.TagStderr:
			w := outputs[f.Tag]
			if f.EOF() || w == nil {
				continue
			}
			if _, err := w.Write(f.Payload); err != nil {
				// Keep draining so the exit code still arrives.
				logger.Debug("local write failed, discarding stream", "stream", f.Tag.String(), "err", err)
				outputs[f.Tag] = nil
			}
		case wire.TagExit:
			return wire.ParseExit(f.Payload)
		default:
			return wire.ExitStatus{}, fmt.Errorf("%w: unexpected %s frame from proxy", wire.ErrMalformedMessage, f.Tag)
		}
	}
}

// Package session runs one exec request as a local process bridged to a
// multiplexed connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/antonkrylov/ssh-rev/internal/mux"
	"github.com/antonkrylov/ssh-rev/internal/wire"
)

var (
	// ErrSpawnFailed means the command could not be started. The peer sees the
	// spawn-failed exit sentinel.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrPtyAllocationFailed means no pseudo-terminal was available. The
	// session then runs the command on plain pipes.
	ErrPtyAllocationFailed = errors.New("pty allocation failed")
	// ErrConnectionLost means the peer went away or broke framing while the
	// process was running. The process group has been killed.
	ErrConnectionLost = errors.New("connection lost")
)

// stdinQueue bounds how many stdin chunks may wait for a slow reader before
// the connection stops being read.
const stdinQueue = 16

// Result describes a finished session.
type Result struct {
	ID       string
	Command  string
	Args     []string
	Dir      string
	Terminal bool
	Started  time.Time
	Duration time.Duration
	Status   wire.ExitStatus
}

// Session binds one ExecRequest to one process and one connection.
type Session struct {
	ID string

	req    *wire.ExecRequest
	conn   *mux.Conn
	logger *slog.Logger
}

// New prepares a session. Nothing runs until Run.
func New(req *wire.ExecRequest, conn *mux.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	id := uuid.NewString()
	return &Session{
		ID:     id,
		req:    req,
		conn:   conn,
		logger: logger.With("session", id),
	}
}

// Run spawns the command and pumps its streams until it exits, the
// connection fails or ctx is cancelled. The Exit frame is sent only after
// both output streams have been closed. On connection failure or
// cancellation the process group is killed, the connection is closed and no
// Exit frame is sent.
func (s *Session) Run(ctx context.Context) (Result, error) {
	res := Result{
		ID:      s.ID,
		Command: s.req.Command,
		Args:    s.req.Args,
		Dir:     s.req.Dir,
		Started: time.Now(),
	}
	finish := func(status wire.ExitStatus) Result {
		res.Status = status
		res.Duration = time.Since(res.Started)
		return res
	}

	s.logger.Info("exec", "command", s.req.Command, "args", len(s.req.Args), "terminal", s.req.Terminal)

	proc, err := startProcess(s.req, s.logger)
	if err != nil {
		if !errors.Is(err, ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		s.logger.Warn("spawn failed", "command", s.req.Command, "err", err)
		status := wire.SpawnFailed()
		if sendErr := s.conn.SendFrame(status.Frame()); sendErr != nil {
			return finish(status), fmt.Errorf("%w: %v", ErrConnectionLost, sendErr)
		}
		return finish(status), err
	}
	defer proc.release()
	res.Terminal = proc.terminal()

	done := make(chan struct{})
	defer close(done)

	stdin := make(chan []byte, stdinQueue)
	go s.pumpStdin(proc, stdin, done)

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receive(proc, stdin, done) }()
	// receive stalls while stdin is backed up; the watcher still sees the peer leave.
	hangup := watchHangup(s.conn, done)

	var outputs sync.WaitGroup
	outputs.Add(1)
	go func() {
		defer outputs.Done()
		s.pumpOutput(proc.stdout, s.conn.Writer(wire.TagStdout))
	}()
	if proc.stderr != nil {
		outputs.Add(1)
		go func() {
			defer outputs.Done()
			s.pumpOutput(proc.stderr, s.conn.Writer(wire.TagStderr))
		}()
	} else if err := s.conn.CloseStream(wire.TagStderr); err != nil {
		s.logger.Debug("close stderr stream", "err", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		outputs.Wait()
		waitCh <- proc.cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		status := exitStatus(err)
		if sendErr := s.conn.SendFrame(status.Frame()); sendErr != nil {
			return finish(status), fmt.Errorf("%w: send exit: %v", ErrConnectionLost, sendErr)
		}
		s.logger.Info("exit", "status", status.String())
		return finish(status), nil

	case err := <-recvErr:
		s.logger.Warn("connection lost, killing process group", "err", err)
		status := s.abort(proc, waitCh)
		return finish(status), fmt.Errorf("%w: %w", ErrConnectionLost, err)

	case <-hangup:
		s.logger.Warn("peer hung up, killing process group")
		status := s.abort(proc, waitCh)
		return finish(status), fmt.Errorf("%w: peer hung up", ErrConnectionLost)

	case <-ctx.Done():
		s.logger.Info("session cancelled, killing process group")
		status := s.abort(proc, waitCh)
		return finish(status), ctx.Err()
	}
}

// abort kills the process, unblocks every pump and reaps the child.
func (s *Session) abort(proc *process, waitCh <-chan error) wire.ExitStatus {
	proc.kill()
	_ = s.conn.Close()
	proc.closeOutputs()
	return exitStatus(<-waitCh)
}

// receive handles frames from the peer until the connection ends.
func (s *Session) receive(proc *process, stdin chan<- []byte, done <-chan struct{}) error {
	for {
		f, err := s.conn.Receive()
		if err != nil {
			return err
		}
		switch f.Tag {
		case wire.TagStdin:
			select {
			case stdin <- f.Payload:
			case <-done:
				return nil
			}
		case wire.TagResize:
			r, err := wire.ParseResize(f.Payload)
			if err != nil {
				return err
			}
			if proc.pty == nil {
				continue
			}
			if err := pty.Setsize(proc.pty, &pty.Winsize{Rows: r.Rows, Cols: r.Cols}); err != nil {
				s.logger.Debug("resize", "rows", r.Rows, "cols", r.Cols, "err", err)
			}
		case wire.TagSignal:
			sig, err := wire.ParseSignal(f.Payload)
			if err != nil {
				return err
			}
			if !Forwardable(sig) {
				s.logger.Warn("ignoring signal", "signal", int(sig))
				continue
			}
			if err := proc.signal(sig); err != nil {
				s.logger.Debug("signal", "signal", SignalName(sig), "err", err)
			}
		default:
			return fmt.Errorf("%w: unexpected %s frame from client", wire.ErrMalformedMessage, f.Tag)
		}
	}
}

// pumpStdin feeds queued chunks to the process. An empty chunk ends input:
// the pipe is closed, or a terminal gets its EOF character.
func (s *Session) pumpStdin(proc *process, in <-chan []byte, done <-chan struct{}) {
	closed := false
	for {
		select {
		case chunk := <-in:
			if closed {
				continue
			}
			if len(chunk) == 0 {
				s.closeInput(proc)
				closed = true
				continue
			}
			if _, err := proc.stdin.Write(chunk); err != nil {
				s.logger.Debug("stdin write", "err", err)
				if !proc.terminal() {
					_ = proc.stdin.Close()
				}
				closed = true
			}
		case <-done:
			return
		}
	}
}

func (s *Session) closeInput(proc *process) {
	if proc.terminal() {
		// VEOF at the start of a line reads as end of input in canonical mode.
		_, _ = proc.stdin.Write([]byte{0x04})
		return
	}
	_ = proc.stdin.Close()
}

// pumpOutput copies r into w and closes the stream. Read failures, including
// the EIO a pty master reports after the last slave closes, count as EOF.
func (s *Session) pumpOutput(r io.Reader, w *mux.StreamWriter) {
	buf := make([]byte, s.conn.MaxPayload())
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.logger.Debug("output write", "err", werr)
				drain(r, buf)
				return
			}
		}
		if err != nil {
			if err != io.EOF && !isPTYEOF(err) {
				s.logger.Debug("output read", "err", err)
			}
			break
		}
	}
	if err := w.Close(); err != nil {
		s.logger.Debug("close stream", "err", err)
	}
}

// drain discards r until it ends so the process never blocks on a full pipe
// nobody reads.
func drain(r io.Reader, buf []byte) {
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

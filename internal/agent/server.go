// Package agent serves the reverse socket: ordinary agent traffic is relayed
// to the upstream agent and rev-exec requests become local sessions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/ssh-rev/internal/session"
)

// Recorder receives every finished exec session.
type Recorder interface {
	Record(ctx context.Context, res session.Result) error
}

type Config struct {
	// UpstreamSocket is the real agent. Empty means every standard request fails.
	UpstreamSocket string
	// ReverseSocket is where the proxy listens.
	ReverseSocket string
	DialTimeout   time.Duration

	Recorder Recorder
	Logger   *slog.Logger
}

type Server struct {
	cfg Config

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.ReverseSocket == "" {
		return nil, errors.New("reverse socket path is required")
	}
	if cfg.UpstreamSocket != "" && cfg.UpstreamSocket == cfg.ReverseSocket {
		return nil, fmt.Errorf("upstream and reverse socket are both %s", cfg.ReverseSocket)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{cfg: cfg, conns: make(map[net.Conn]struct{})}, nil
}

// Start listens on the reverse socket and serves in the background until ctx
// is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := removeStaleSocket(s.cfg.ReverseSocket); err != nil {
		return err
	}
	lis, err := net.Listen("unix", s.cfg.ReverseSocket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ReverseSocket, err)
	}
	if err := os.Chmod(s.cfg.ReverseSocket, 0o600); err != nil {
		_ = lis.Close()
		return fmt.Errorf("chmod %s: %w", s.cfg.ReverseSocket, err)
	}
	s.listener = lis
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.cfg.Logger.Info("agent proxy listening",
		"socket", s.cfg.ReverseSocket,
		"upstream", s.cfg.UpstreamSocket,
	)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
	s.wg.Add(1)
	go s.serve(lis)
	return nil
}

func (s *Server) serve(lis net.Listener) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.cfg.Logger.Warn("accept failed", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			h := newConnHandler(s, conn)
			h.serve(s.ctx)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection, killing running
// sessions, and waits for the handlers to return.
func (s *Server) Stop() {
	s.stop.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		conns := s.conns
		s.conns = nil
		s.mu.Unlock()
		for conn := range conns {
			_ = conn.Close()
		}
		s.wg.Wait()
		s.cfg.Logger.Info("agent proxy stopped", "socket", s.cfg.ReverseSocket)
	})
}

// removeStaleSocket deletes a socket file left by a dead proxy. A live socket
// or any other kind of file is an error.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%s is in use by another process", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func newConnID() string {
	return uuid.NewString()[:8]
}

func defaultDialTimeout() time.Duration {
	return 5 * time.Second
}

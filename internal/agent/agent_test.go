package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh/agent"

	"github.com/antonkrylov/ssh-rev/internal/client"
	"github.com/antonkrylov/ssh-rev/internal/session"
	"github.com/antonkrylov/ssh-rev/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketDir keeps paths under the unix socket length limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "srev")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// startUpstream serves a real in-memory ssh agent holding one key.
func startUpstream(t *testing.T, dir string) (string, agent.Agent) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: "test-key"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "up.sock")
	lis, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()
	return path, keyring
}

type memRecorder struct {
	mu      sync.Mutex
	results []session.Result
}

func (m *memRecorder) Record(_ context.Context, res session.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func (m *memRecorder) all() []session.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Result(nil), m.results...)
}

func startProxy(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// rawRoundTrip writes body as one agent message and returns the raw reply.
func rawRoundTrip(t *testing.T, conn net.Conn, body []byte) []byte {
	t.Helper()
	raw, err := wire.Encode(wire.StandardRequest{Body: body})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatal(err)
	}
	resp, err := wire.NewReader(conn).ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	return resp.Body
}

func TestPassThroughFidelity(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath})

	// SSH_AGENTC_REQUEST_IDENTITIES
	direct := rawRoundTrip(t, dial(t, upPath), []byte{11})
	proxied := rawRoundTrip(t, dial(t, revPath), []byte{11})
	if !bytes.Equal(direct, proxied) {
		t.Fatalf("proxied reply differs from direct reply")
	}

	proxyAgent := agent.NewClient(dial(t, revPath))
	keys, err := proxyAgent.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Comment != "test-key" {
		t.Fatalf("keys through proxy: %v", keys)
	}
	data := []byte("sign me")
	sig, err := proxyAgent.Sign(keys[0], data)
	if err != nil {
		t.Fatal(err)
	}
	if err := keys[0].Verify(data, sig); err != nil {
		t.Fatalf("signature from proxy does not verify: %v", err)
	}
}

func TestManyRequestsOnOneConnection(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath})

	proxyAgent := agent.NewClient(dial(t, revPath))
	for i := 0; i < 20; i++ {
		if _, err := proxyAgent.List(); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestUpstreamUnavailable(t *testing.T) {
	dir := socketDir(t)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: filepath.Join(dir, "missing.sock"), ReverseSocket: revPath})

	conn := dial(t, revPath)
	for i := 0; i < 2; i++ {
		reply := rawRoundTrip(t, conn, []byte{11})
		if !bytes.Equal(reply, []byte{wire.SSHAgentFailure}) {
			t.Fatalf("request %d: expected SSH_AGENT_FAILURE, got %v", i, reply)
		}
	}
}

func TestUpstreamRedialAfterRestart(t *testing.T) {
	dir := socketDir(t)
	upPath := filepath.Join(dir, "up.sock")
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath})

	conn := dial(t, revPath)
	if reply := rawRoundTrip(t, conn, []byte{11}); reply[0] != wire.SSHAgentFailure {
		t.Fatalf("expected failure before upstream exists, got %v", reply)
	}
	startUpstream(t, dir)
	if reply := rawRoundTrip(t, conn, []byte{11}); reply[0] == wire.SSHAgentFailure {
		t.Fatal("proxy did not redial the upstream")
	}
}

func TestQueryAdvertisesExtension(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath})

	p, err := client.ProbeAgent(context.Background(), revPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !p.RevExec || len(p.Keys) != 1 {
		t.Fatalf("probe: %+v", p)
	}

	direct, err := client.ProbeAgent(context.Background(), upPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if direct.RevExec {
		t.Fatal("plain agent reported rev-exec")
	}
}

func TestExecThroughProxy(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	revPath := filepath.Join(dir, "rev.sock")
	rec := &memRecorder{}
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath, Recorder: rec})

	var stdout, stderr bytes.Buffer
	status, err := client.Exec(context.Background(), client.Options{
		SocketPath: revPath,
		Request:    &wire.ExecRequest{Command: "sh", Args: []string{"-c", "cat; echo done >&2; exit 4"}},
		Stdin:      strings.NewReader("from stdin\n"),
		Stdout:     &stdout,
		Stderr:     &stderr,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if status.Code != 4 {
		t.Fatalf("exit %s", status)
	}
	if stdout.String() != "from stdin\n" || stderr.String() != "done\n" {
		t.Fatalf("stdout %q stderr %q", stdout.String(), stderr.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	results := rec.all()
	if len(results) != 1 || results[0].Command != "sh" || results[0].Status.Code != 4 {
		t.Fatalf("recorded %+v", results)
	}
}

func TestExecSpawnFailedThroughProxy(t *testing.T) {
	dir := socketDir(t)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{ReverseSocket: revPath})

	status, err := client.Exec(context.Background(), client.Options{
		SocketPath: revPath,
		Request:    &wire.ExecRequest{Command: "/nonexistent/ssh-rev"},
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsSpawnFailed() {
		t.Fatalf("expected spawn failed, got %s", status)
	}
}

func TestExecAgainstPlainAgent(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	_, err := client.Exec(context.Background(), client.Options{
		SocketPath: upPath,
		Request:    &wire.ExecRequest{Command: "true"},
		Logger:     quietLogger(),
	})
	if !errors.Is(err, client.ErrExtensionUnsupported) {
		t.Fatalf("expected ErrExtensionUnsupported, got %v", err)
	}
}

func TestConcurrentExecSessions(t *testing.T) {
	dir := socketDir(t)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{ReverseSocket: revPath})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out bytes.Buffer
			want := strings.Repeat("x", 1000*(i+1))
			status, err := client.Exec(context.Background(), client.Options{
				SocketPath: revPath,
				Request:    &wire.ExecRequest{Command: "printf", Args: []string{"%s", want}},
				Stdout:     &out,
				Logger:     quietLogger(),
			})
			if err != nil {
				errs <- err
				return
			}
			if status.Code != 0 || out.String() != want {
				errs <- errors.New("session output mixed up")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestInvalidExecPayloadKeepsConnection(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath})

	var body bytes.Buffer
	body.WriteByte(wire.SSHAgentcExtension)
	name := wire.ExtensionName
	body.Write([]byte{0, 0, 0, byte(len(name))})
	body.WriteString(name)
	body.Write([]byte{0, 0, 0, 9, 'x'}) // command string cut short

	conn := dial(t, revPath)
	if reply := rawRoundTrip(t, conn, body.Bytes()); !bytes.Equal(reply, []byte{wire.SSHAgentExtensionFailure}) {
		t.Fatalf("expected SSH_AGENT_EXTENSION_FAILURE, got %v", reply)
	}
	if reply := rawRoundTrip(t, conn, []byte{11}); reply[0] == wire.SSHAgentFailure {
		t.Fatal("connection unusable after a rejected exec request")
	}
}

func TestMalformedMessageDropsOnlyThatConnection(t *testing.T) {
	dir := socketDir(t)
	upPath, _ := startUpstream(t, dir)
	revPath := filepath.Join(dir, "rev.sock")
	startProxy(t, Config{UpstreamSocket: upPath, ReverseSocket: revPath})

	bad := dial(t, revPath)
	if _, err := bad.Write([]byte{0xff, 0xff, 0xff, 0xff, 11}); err != nil {
		t.Fatal(err)
	}
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the proxy to close a connection with a bad length")
	}

	if _, err := agent.NewClient(dial(t, revPath)).List(); err != nil {
		t.Fatalf("healthy connection affected: %v", err)
	}
}

func TestStopKillsRunningSessions(t *testing.T) {
	dir := socketDir(t)
	revPath := filepath.Join(dir, "rev.sock")
	srv, err := New(Config{ReverseSocket: revPath, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := client.Exec(context.Background(), client.Options{
			SocketPath: revPath,
			Request:    &wire.ExecRequest{Command: "sh", Args: []string{"-c", "echo up; exec sleep 30"}},
			Stdout:     writerFunc(func([]byte) { once.Do(func() { close(started) }) }),
			Logger:     quietLogger(),
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("session never produced output")
	}
	srv.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, client.ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the stop")
	}
	if _, err := os.Stat(revPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket left behind after stop: %v", err)
	}
}

type writerFunc func(p []byte)

func (f writerFunc) Write(p []byte) (int, error) {
	f(p)
	return len(p), nil
}

func TestStaleSocketIsReplaced(t *testing.T) {
	dir := socketDir(t)
	revPath := filepath.Join(dir, "rev.sock")

	lis, err := net.Listen("unix", revPath)
	if err != nil {
		t.Fatal(err)
	}
	lis.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = lis.Close()

	srv := startProxy(t, Config{ReverseSocket: revPath})
	fi, err := os.Stat(revPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("socket mode %v", fi.Mode().Perm())
	}

	second, _ := New(Config{ReverseSocket: revPath, Logger: quietLogger()})
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second proxy took over a live socket")
	}
	if srv.Addr() == nil {
		t.Fatal("no listener address")
	}
}

func TestRefusesNonSocketPath(t *testing.T) {
	dir := socketDir(t)
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, []byte("keep me"), 0o600); err != nil {
		t.Fatal(err)
	}
	srv, err := New(Config{ReverseSocket: path, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("expected refusal to replace a regular file")
	}
	if data, _ := os.ReadFile(path); string(data) != "keep me" {
		t.Fatal("regular file was clobbered")
	}
}

package e2e_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

func TestE2E_LocalRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dir, err := os.MkdirTemp("", "srev-e2e")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	bin := buildBinary(t, ctx, dir, "")
	upstream := serveKeyring(t, dir)
	reverse := filepath.Join(dir, "rev.sock")
	auditLog := filepath.Join(dir, "sessions.log.zst")
	env := append(os.Environ(), "SSH_REV_HOME="+dir)

	agentCmd := exec.CommandContext(ctx, bin, "agent", "-A", upstream, "-R", reverse, "--audit-log", auditLog)
	agentCmd.Env = env
	var agentLog bytes.Buffer
	agentCmd.Stderr = &agentLog
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() {
		_ = agentCmd.Process.Signal(os.Interrupt)
		_ = agentCmd.Wait()
	})
	waitForSocket(t, ctx, reverse)

	stdout, stderr, code := runBin(t, ctx, bin, env, "", "exec", "-A", reverse, "--", "sh", "-c", "echo out; echo err >&2; exit 3")
	if code != 3 || stdout != "out\n" || stderr != "err\n" {
		t.Fatalf("exec: code=%d stdout=%q stderr=%q\nagent log:\n%s", code, stdout, stderr, agentLog.String())
	}

	stdout, _, code = runBin(t, ctx, bin, env, "ping\n", "exec", "-A", reverse, "-e", "GREETING=hi", "--", "sh", "-c", `read line; echo "$GREETING $line"`)
	if code != 0 || stdout != "hi ping\n" {
		t.Fatalf("stdin/env: code=%d stdout=%q", code, stdout)
	}

	_, _, code = runBin(t, ctx, bin, env, "", "exec", "-A", reverse, "--", "/definitely/not/here")
	if code != 127 {
		t.Fatalf("spawn failure exit code %d", code)
	}

	_, stderr, code = runBin(t, ctx, bin, env, "", "exec", "-A", upstream, "--", "true")
	if code != 255 || !strings.Contains(stderr, "not an ssh-rev agent") {
		t.Fatalf("plain agent: code=%d stderr=%q", code, stderr)
	}

	stdout, _, code = runBin(t, ctx, bin, env, "", "doctor", "-A", reverse)
	if code != 0 || !strings.Contains(stdout, "rev_exec=true\n") || !strings.Contains(stdout, "agent_keys=1\n") {
		t.Fatalf("doctor: code=%d\n%s", code, stdout)
	}

	// The agent records a session after its Exit frame is sent.
	deadline := time.Now().Add(5 * time.Second)
	for {
		stdout, _, code = runBin(t, ctx, bin, env, "", "history", "--audit-log", auditLog, "-n", "0")
		if code == 0 && strings.Contains(stdout, "exit 3") && strings.Contains(stdout, "spawn failed") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history: code=%d\n%s", code, stdout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestE2E_SSHRemoteHost(t *testing.T) {
	target := strings.TrimSpace(os.Getenv("SSH_REV_E2E_SSH_HOST"))
	if target == "" {
		t.Skip("set SSH_REV_E2E_SSH_HOST (e.g. user@build-host) to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dir, err := os.MkdirTemp("", "srev-e2e")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	// Local binary runs the agent; the remote one is cross-built for linux/amd64.
	localBin := buildBinary(t, ctx, dir, "")
	remoteBin := buildBinary(t, ctx, dir, "linux/amd64")

	run(t, ctx, "ssh", target, "mkdir -p .ssh-rev/bin")
	run(t, ctx, "scp", remoteBin, fmt.Sprintf("%s:.ssh-rev/bin/ssh-rev.upload", target))
	run(t, ctx, "ssh", target, "mv .ssh-rev/bin/ssh-rev.upload .ssh-rev/bin/ssh-rev && chmod +x .ssh-rev/bin/ssh-rev")

	upstream := os.Getenv("SSH_AUTH_SOCK")
	if upstream == "" {
		upstream = serveKeyring(t, dir)
	}
	reverse := filepath.Join(dir, "rev.sock")
	agentCmd := exec.CommandContext(ctx, localBin, "agent", "-A", upstream, "-R", reverse, "--no-audit")
	agentCmd.Env = append(os.Environ(), "SSH_REV_HOME="+dir)
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() {
		_ = agentCmd.Process.Signal(os.Interrupt)
		_ = agentCmd.Wait()
	})
	waitForSocket(t, ctx, reverse)

	host, err := os.Hostname()
	if err != nil {
		t.Fatal(err)
	}
	ssh := exec.CommandContext(ctx, "ssh", "-A", "-o", "IdentityAgent="+reverse, target, ".ssh-rev/bin/ssh-rev exec -- hostname")
	ssh.Env = append(os.Environ(), "SSH_AUTH_SOCK="+reverse)
	out, err := ssh.CombinedOutput()
	if err != nil {
		t.Fatalf("remote exec: %v\n%s", err, out)
	}
	if strings.TrimSpace(string(out)) != host {
		t.Fatalf("expected local hostname %q, got %q", host, out)
	}
}

func buildBinary(t *testing.T, ctx context.Context, dir, platform string) string {
	t.Helper()
	name := "ssh-rev"
	env := os.Environ()
	if platform != "" {
		goos, goarch, _ := strings.Cut(platform, "/")
		name += "-" + goos + "-" + goarch
		env = append(env, "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
	}
	out := filepath.Join(dir, name)
	build := exec.CommandContext(ctx, "go", "build", "-o", out, "./cmd/ssh-rev")
	build.Dir = repoRoot(t)
	build.Env = env
	if b, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build ssh-rev: %v\n%s", err, b)
	}
	return out
}

// serveKeyring runs an in-memory ssh agent holding one ed25519 key.
func serveKeyring(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: "e2e"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "upstream.sock")
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
	return path
}

func runBin(t *testing.T, ctx context.Context, bin string, env []string, stdin string, args ...string) (string, string, int) {
	t.Helper()
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdout.String(), stderr.String(), 0
	case errors.As(err, &exitErr):
		return stdout.String(), stderr.String(), exitErr.ExitCode()
	default:
		t.Fatalf("%s %v: %v", bin, args, err)
		return "", "", -1
	}
}

func run(t *testing.T, ctx context.Context, name string, args ...string) {
	t.Helper()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = repoRoot(t)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found")
		}
		dir = parent
	}
}

func waitForSocket(t *testing.T, ctx context.Context, path string) {
	t.Helper()
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			_ = conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("socket %s never came up: %v", path, err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

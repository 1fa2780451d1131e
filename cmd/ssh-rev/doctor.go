package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/ssh-rev/internal/cli/config"
	"github.com/antonkrylov/ssh-rev/internal/client"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var socket string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		Args:  cobra.NoArgs,
		// A broken config is reported, not fatal.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			runDoctor(ctx, os.Stdout, root.configPath, socket, timeout)
			return nil
		},
	}
	cmd.Flags().StringVarP(&socket, "socket", "A", "", "agent socket to probe (default: config or $SSH_AUTH_SOCK)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "dial timeout (default 5s)")
	return cmd
}

func runDoctor(ctx context.Context, out io.Writer, cfgPath, socket string, timeout time.Duration) {
	exe, _ := os.Executable()
	exe = strings.TrimSpace(exe)
	look, _ := exec.LookPath("ssh-rev")
	look = strings.TrimSpace(look)

	fmt.Fprintf(out, "version=%s\n", versionString())
	fmt.Fprintf(out, "ssh_rev_executable=%s\n", exe)
	if look != "" {
		fmt.Fprintf(out, "ssh_rev_on_path=%s\n", look)
	}
	if exe != "" && look != "" {
		absExe, _ := filepath.EvalSymlinks(exe)
		absLook, _ := filepath.EvalSymlinks(look)
		if absExe != "" && absLook != "" && absExe != absLook {
			fmt.Fprintln(out, "warning=you_are_not_running_the_same_ssh_rev_as_on_PATH (the remote side needs the same build)")
		}
	}

	fmt.Fprintf(out, "config_path=%s\n", cfgPath)
	cfg, err := cliconfig.Load(cfgPath)
	switch {
	case err != nil:
		fmt.Fprintf(out, "config_error=%s\n", err.Error())
		cfg = nil
	case cfg == nil:
		fmt.Fprintln(out, "config_present=false")
	default:
		fmt.Fprintln(out, "config_present=true")
	}

	fmt.Fprintf(out, "SSH_AUTH_SOCK=%s\n", os.Getenv("SSH_AUTH_SOCK"))
	if upstream, reverse, err := cfg.AgentSockets("", ""); err != nil {
		fmt.Fprintf(out, "agent_sockets_error=%s\n", err.Error())
	} else {
		fmt.Fprintf(out, "agent_upstream_socket=%s\n", upstream)
		fmt.Fprintf(out, "agent_reverse_socket=%s\n", reverse)
		fmt.Fprintf(out, "agent_reverse_socket_present=%t\n", isSocket(reverse))
	}
	fmt.Fprintf(out, "audit_log=%s\n", auditPath(cfg, ""))

	if socket == "" && cfg != nil {
		socket = cfg.Exec.Socket
	}
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		fmt.Fprintln(out, "exec_socket=")
		fmt.Fprintln(out, "rev_exec=false")
		return
	}
	if expanded, err := cliconfig.ExpandPath(socket); err == nil {
		socket = expanded
	}
	fmt.Fprintf(out, "exec_socket=%s\n", socket)

	probe, err := client.ProbeAgent(ctx, socket, timeout)
	if err != nil {
		fmt.Fprintf(out, "probe_error=%s\n", err.Error())
		fmt.Fprintln(out, "rev_exec=false")
		return
	}
	fmt.Fprintf(out, "agent_keys=%d\n", len(probe.Keys))
	for _, k := range probe.Keys {
		fmt.Fprintf(out, "key=%s %s\n", k.Format, k.Comment)
	}
	fmt.Fprintf(out, "agent_extensions=%s\n", strings.Join(probe.Extensions, ","))
	fmt.Fprintf(out, "rev_exec=%t\n", probe.RevExec)
}

func isSocket(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

// auditPath resolves the audit log location: flag, config, default.
func auditPath(cfg *cliconfig.Config, flag string) string {
	var fromConfig string
	if cfg != nil {
		fromConfig = cfg.Agent.Audit.Path
	}
	path := firstNonEmpty(flag, fromConfig, cliconfig.DefaultAuditPath())
	if expanded, err := cliconfig.ExpandPath(path); err == nil {
		return expanded
	}
	return path
}

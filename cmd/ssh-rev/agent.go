package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/ssh-rev/internal/agent"
	"github.com/antonkrylov/ssh-rev/internal/audit"
	cliconfig "github.com/antonkrylov/ssh-rev/internal/cli/config"
)

type agentFlags struct {
	upstream    string
	reverse     string
	auditPath   string
	noAudit     bool
	natsURL     string
	natsStream  string
	natsSubject string
}

func newAgentCmd(root *rootOptions) *cobra.Command {
	opts := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the reverse agent socket that proxies the local ssh agent",
		Long: `Listen on the reverse socket, pass every agent request through to the
upstream agent and run rev-exec requests locally. Forward the reverse socket
with ssh -A (IdentityAgent / SSH_AUTH_SOCK pointing at it).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.upstream, "upstream", "A", "", "upstream agent socket (default: config or $SSH_AUTH_SOCK)")
	cmd.Flags().StringVarP(&opts.reverse, "socket", "R", "", "reverse socket to listen on (default: config, $SSH_REV_SOCK or ~/.ssh-rev/agent.sock)")
	cmd.Flags().StringVar(&opts.auditPath, "audit-log", "", "session audit log (default: config or ~/.ssh-rev/sessions.log.zst)")
	cmd.Flags().BoolVar(&opts.noAudit, "no-audit", false, "do not record finished sessions")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", "", "mirror session records to this NATS JetStream server")
	cmd.Flags().StringVar(&opts.natsStream, "nats-stream", "", "JetStream stream for session records (default ssh_rev_sessions)")
	cmd.Flags().StringVar(&opts.natsSubject, "nats-subject", "", "subject prefix for session records (default ssh-rev.sessions)")
	return cmd
}

func runAgent(cmd *cobra.Command, root *rootOptions, opts *agentFlags) error {
	cfg := root.config
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	logger := root.logger(cmd, cfg.Agent.LogLevel)

	upstream, reverse, err := cfg.AgentSockets(opts.upstream, opts.reverse)
	if err != nil {
		return err
	}
	if upstream == "" {
		logger.Warn("no upstream agent socket; standard agent requests will fail")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srvCfg := agent.Config{
		UpstreamSocket: upstream,
		ReverseSocket:  reverse,
		Logger:         logger,
	}
	recorder, err := openRecorder(ctx, cfg.Agent.Audit, opts, logger.With("component", "audit"))
	if err != nil {
		return err
	}
	if recorder != nil {
		defer recorder.Close()
		srvCfg.Recorder = recorder
		logger.Info("recording sessions", "path", recorder.Path())
	}

	srv, err := agent.New(srvCfg)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "SSH_REV_SOCK=%s\n", reverse)
	<-ctx.Done()
	logger.Info("shutting down")
	srv.Stop()
	return nil
}

// openRecorder returns nil when auditing is disabled.
func openRecorder(ctx context.Context, cfg cliconfig.AuditConfig, opts *agentFlags, logger *slog.Logger) (*audit.Recorder, error) {
	if opts.noAudit || cfg.Disabled {
		return nil, nil
	}
	path := firstNonEmpty(opts.auditPath, cfg.Path, cliconfig.DefaultAuditPath())
	path, err := cliconfig.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	auditOpts := audit.Options{Path: path, Logger: logger}
	if url := firstNonEmpty(opts.natsURL, cfg.NATSURL); url != "" {
		auditOpts.JetStream = &audit.JetStreamOptions{
			URL:     url,
			Stream:  firstNonEmpty(opts.natsStream, cfg.Stream),
			Subject: firstNonEmpty(opts.natsSubject, cfg.Subject),
		}
		logger.Info("mirroring sessions to jetstream", "url", url)
	}
	return audit.NewRecorder(ctx, auditOpts)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

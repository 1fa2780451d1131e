package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/ssh-rev/internal/cli/config"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

type rootOptions struct {
	configPath string
	logLevel   string
	verbose    bool
	logJSON    bool
	config     *cliconfig.Config
}

func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	return nil
}

// logger builds the process logger. fallbackLevel is used when --log-level
// was not given on the command line.
func (r *rootOptions) logger(cmd *cobra.Command, fallbackLevel string) *slog.Logger {
	return newLogger(os.Stderr, r.level(cmd, fallbackLevel), r.logJSON)
}

func (r *rootOptions) level(cmd *cobra.Command, fallbackLevel string) slog.Level {
	if r.verbose {
		return slog.LevelDebug
	}
	name := r.logLevel
	if !cmd.Flags().Changed("log-level") && strings.TrimSpace(fallbackLevel) != "" {
		name = fallbackLevel
	}
	level, ok := parseLevel(name)
	if !ok {
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", name)
	}
	return level
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func newLogger(w io.Writer, level slog.Level, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "ssh-rev",
		Short:         "Run commands on the originating host through a forwarded ssh agent",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("SSH_REV_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to ssh-rev config file (default $HOME/.ssh-rev/config)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable verbose debug logging (same as --log-level=debug)")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "write logs as JSON")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newAgentCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "ssh-rev: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		log.Fatal(err)
	}
}

func versionString() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if buildTime != "" {
		v += " built " + buildTime
	}
	return v
}

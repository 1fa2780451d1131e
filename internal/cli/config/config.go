package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML file shared by the agent and exec commands.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
	Exec  ExecConfig  `yaml:"exec"`
}

// AgentConfig holds defaults for `ssh-rev agent`.
type AgentConfig struct {
	UpstreamSocket string      `yaml:"upstreamSocket"`
	ReverseSocket  string      `yaml:"reverseSocket"`
	LogLevel       string      `yaml:"logLevel"`
	Audit          AuditConfig `yaml:"audit"`
}

// AuditConfig controls where finished sessions are recorded.
type AuditConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
	NATSURL  string `yaml:"natsUrl"`
	Stream   string `yaml:"stream"`
	Subject  string `yaml:"subject"`
}

// ExecConfig holds defaults for `ssh-rev exec`.
type ExecConfig struct {
	Socket string            `yaml:"socket"`
	Env    map[string]string `yaml:"env"`
	Term   string            `yaml:"term"`
}

// ErrInvalidEnv indicates an environment entry that is not KEY=VALUE.
var ErrInvalidEnv = errors.New("invalid environment entry")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for k := range cfg.Exec.Env {
		if k == "" || strings.Contains(k, "=") {
			return nil, fmt.Errorf("parse config: %w: exec.env key %q", ErrInvalidEnv, k)
		}
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return err
	}
	return nil
}

// AgentSockets resolves the agent's socket paths:
// 1) flags
// 2) config file values
// 3) environment (SSH_AUTH_SOCK for upstream, SSH_REV_SOCK for reverse)
// 4) default reverse socket under DefaultConfigDir
func (c *Config) AgentSockets(upstreamFlag, reverseFlag string) (upstream, reverse string, err error) {
	upstream = strings.TrimSpace(upstreamFlag)
	reverse = strings.TrimSpace(reverseFlag)
	if c != nil {
		if upstream == "" {
			upstream = c.Agent.UpstreamSocket
		}
		if reverse == "" {
			reverse = c.Agent.ReverseSocket
		}
	}
	if upstream == "" {
		upstream = os.Getenv("SSH_AUTH_SOCK")
	}
	if reverse == "" {
		reverse = os.Getenv("SSH_REV_SOCK")
	}
	if reverse == "" {
		reverse = DefaultReverseSocket()
	}
	if upstream != "" {
		if upstream, err = ExpandPath(upstream); err != nil {
			return "", "", err
		}
	}
	if reverse, err = ExpandPath(reverse); err != nil {
		return "", "", err
	}
	if upstream == reverse {
		return "", "", fmt.Errorf("reverse socket %s would proxy to itself", reverse)
	}
	return upstream, reverse, nil
}

// ParseEnv turns KEY=VALUE entries into a map. Later entries win.
func ParseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnv, entry)
		}
		env[k] = v
	}
	return env, nil
}

// ExpandPath resolves ~ and relative paths.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}

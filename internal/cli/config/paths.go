package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("SSH_REV_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".ssh-rev")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

func DefaultReverseSocket() string {
	return filepath.Join(DefaultConfigDir(), "agent.sock")
}

func DefaultAuditPath() string {
	return filepath.Join(DefaultConfigDir(), "sessions.log.zst")
}

package client

import (
	"fmt"
	"os"
	"time"

	cliconfig "github.com/antonkrylov/ssh-rev/internal/cli/config"
)

type Connection struct {
	SocketPath string
	Timeout    time.Duration
	ConfigPath string
	Config     *cliconfig.Config
}

// ResolveConnection finds the forwarded agent socket for exec:
// 1) flags (socket, timeout)
// 2) config file values
// 3) environment (SSH_AUTH_SOCK)
// 4) defaults (5s dial timeout; there is no default socket)
func ResolveConnection(configPath, socket string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath: configPath,
		SocketPath: socket,
		Timeout:    timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.SocketPath == "" && conn.Config != nil {
		conn.SocketPath = conn.Config.Exec.Socket
	}

	if conn.Timeout == 0 {
		conn.Timeout = 5 * time.Second
	}

	if conn.SocketPath == "" {
		conn.SocketPath = os.Getenv("SSH_AUTH_SOCK")
	}

	if conn.SocketPath == "" {
		return nil, fmt.Errorf("agent socket is required (set SSH_AUTH_SOCK or pass --socket)")
	}

	expanded, err := cliconfig.ExpandPath(conn.SocketPath)
	if err != nil {
		return nil, err
	}
	conn.SocketPath = expanded
	return conn, nil
}

// Env returns the config file's default environment for exec, or nil.
func (c *Connection) Env() map[string]string {
	if c == nil || c.Config == nil {
		return nil
	}
	return c.Config.Exec.Env
}

// Term returns the TERM value to forward for terminal sessions.
func (c *Connection) Term() string {
	if c != nil && c.Config != nil && c.Config.Exec.Term != "" {
		return c.Config.Exec.Term
	}
	return os.Getenv("TERM")
}

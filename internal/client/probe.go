package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh/agent"

	"github.com/antonkrylov/ssh-rev/internal/wire"
)

// Probe is what an agent socket reports about itself.
type Probe struct {
	Keys       []*agent.Key
	Extensions []string
	// RevExec is true when the socket answers query with our extension.
	RevExec bool
}

// ProbeAgent lists keys and supported extensions through the socket, the way
// any ssh client would see it.
func ProbeAgent(ctx context.Context, socket string, timeout time.Duration) (*Probe, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socket, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	ag := agent.NewClient(conn)
	keys, err := ag.List()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	p := &Probe{Keys: keys}

	reply, err := ag.Extension(wire.QueryExtensionName, nil)
	if errors.Is(err, agent.ErrExtensionUnsupported) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query extensions: %w", err)
	}
	p.Extensions, err = wire.ParseQueryResponse(reply)
	if err != nil {
		return p, err
	}
	for _, name := range p.Extensions {
		if name == wire.ExtensionName {
			p.RevExec = true
		}
	}
	return p, nil
}

package agent

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/antonkrylov/ssh-rev/internal/wire"
)

// ErrUpstreamUnavailable means a standard request could not be relayed to the
// real agent. The caller gets SSH_AGENT_FAILURE and the connection stays up.
var ErrUpstreamUnavailable = errors.New("upstream agent unavailable")

// upstream is the real-agent link owned by one proxied connection, so
// request/response pairs from different callers never share a stream.
type upstream struct {
	path    string
	timeout time.Duration

	conn net.Conn
	r    *wire.Reader
}

func newUpstream(path string, timeout time.Duration) *upstream {
	return &upstream{path: path, timeout: timeout}
}

// roundTrip relays req and returns the reply verbatim. A reused link that
// turns out to be dead is redialled once.
func (u *upstream) roundTrip(req wire.StandardRequest) (wire.StandardResponse, error) {
	if u.path == "" {
		return wire.StandardResponse{}, fmt.Errorf("%w: no upstream socket configured", ErrUpstreamUnavailable)
	}
	raw, err := wire.Encode(req)
	if err != nil {
		return wire.StandardResponse{}, err
	}
	reused := u.conn != nil
	resp, err := u.exchange(raw)
	if err != nil && reused {
		resp, err = u.exchange(raw)
	}
	return resp, err
}

func (u *upstream) exchange(raw []byte) (wire.StandardResponse, error) {
	if u.conn == nil {
		conn, err := net.DialTimeout("unix", u.path, u.timeout)
		if err != nil {
			return wire.StandardResponse{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		u.conn = conn
		u.r = wire.NewReader(conn)
	}
	if _, err := u.conn.Write(raw); err != nil {
		u.close()
		return wire.StandardResponse{}, fmt.Errorf("%w: write: %v", ErrUpstreamUnavailable, err)
	}
	resp, err := u.r.ReadResponse()
	if err != nil {
		u.close()
		return wire.StandardResponse{}, fmt.Errorf("%w: read: %v", ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

func (u *upstream) close() {
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
		u.r = nil
	}
}

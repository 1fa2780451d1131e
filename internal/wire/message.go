// Package wire implements the SSH agent message framing and the rev-exec
// extension carried inside it. Everything here is pure encoding and parsing;
// the only I/O helper is Reader, which pulls whole messages off a stream.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Agent protocol message numbers used by the proxy.
const (
	SSHAgentFailure          byte = 5
	SSHAgentSuccess          byte = 6
	SSHAgentcExtension       byte = 27
	SSHAgentExtensionFailure byte = 28
)

// ExtensionName identifies rev-exec requests inside SSH_AGENTC_EXTENSION.
const ExtensionName = "ssh-rev-exec@antonkrylov.github.io"

// QueryExtensionName is the standard extension used to enumerate supported extensions.
const QueryExtensionName = "query"

const (
	headerLen = 4
	// MaxMessageLen matches the OpenSSH agent's own limit.
	MaxMessageLen = 256 * 1024
)

var (
	// ErrMalformedMessage means framing was lost; the connection must be dropped.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidExecRequest means an extension message named ours but its payload did not parse.
	ErrInvalidExecRequest = errors.New("invalid exec request")
)

// AgentMessage is one of StandardRequest, StandardResponse, *ExecRequest or ExecFrame.
type AgentMessage interface {
	isAgentMessage()
}

// StandardRequest is an agent request forwarded verbatim. Body holds the type
// byte followed by the contents, without the length prefix.
type StandardRequest struct {
	Body []byte
}

// StandardResponse is an agent reply forwarded verbatim.
type StandardResponse struct {
	Body []byte
}

func (StandardRequest) isAgentMessage()  {}
func (StandardResponse) isAgentMessage() {}
func (*ExecRequest) isAgentMessage()     {}
func (ExecFrame) isAgentMessage()        {}

// Type returns the leading message number, or 0 for an empty body.
func (m StandardRequest) Type() byte { return typeOf(m.Body) }

// Type returns the leading message number, or 0 for an empty body.
func (m StandardResponse) Type() byte { return typeOf(m.Body) }

func typeOf(body []byte) byte {
	if len(body) == 0 {
		return 0
	}
	return body[0]
}

// DecodeRequest decodes one request from the front of buf. It returns
// (nil, 0, nil) while buf does not hold a complete message. When the message
// is an extension request named ExtensionName whose payload does not parse,
// it returns the consumed length together with ErrInvalidExecRequest so the
// caller can reply and carry on.
func DecodeRequest(buf []byte) (AgentMessage, int, error) {
	body, n, err := splitMessage(buf)
	if err != nil || body == nil {
		return nil, 0, err
	}
	name, payload, ok := extension(body)
	if !ok || name != ExtensionName {
		return StandardRequest{Body: body}, n, nil
	}
	req, err := decodeExecRequest(payload)
	if err != nil {
		return nil, n, fmt.Errorf("%w: %v", ErrInvalidExecRequest, err)
	}
	return req, n, nil
}

// DecodeResponse decodes one reply from the front of buf.
func DecodeResponse(buf []byte) (AgentMessage, int, error) {
	body, n, err := splitMessage(buf)
	if err != nil || body == nil {
		return nil, 0, err
	}
	return StandardResponse{Body: body}, n, nil
}

// Encode renders msg in its on-the-wire form.
func Encode(msg AgentMessage) ([]byte, error) {
	switch m := msg.(type) {
	case StandardRequest:
		return frameBody(m.Body)
	case StandardResponse:
		return frameBody(m.Body)
	case *ExecRequest:
		var body bytes.Buffer
		body.WriteByte(SSHAgentcExtension)
		putString(&body, ExtensionName)
		if err := m.encode(&body); err != nil {
			return nil, err
		}
		return frameBody(body.Bytes())
	case ExecFrame:
		return EncodeFrame(m)
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
}

// IsExtension reports whether body is an SSH_AGENTC_EXTENSION named name.
func IsExtension(body []byte, name string) bool {
	got, _, ok := extension(body)
	return ok && got == name
}

// Success is the empty SSH_AGENT_SUCCESS reply.
func Success() StandardResponse { return StandardResponse{Body: []byte{SSHAgentSuccess}} }

// Failure is the empty SSH_AGENT_FAILURE reply.
func Failure() StandardResponse { return StandardResponse{Body: []byte{SSHAgentFailure}} }

// ExtensionFailure is the empty SSH_AGENT_EXTENSION_FAILURE reply.
func ExtensionFailure() StandardResponse {
	return StandardResponse{Body: []byte{SSHAgentExtensionFailure}}
}

// QueryRequest builds the standard "query" extension request.
func QueryRequest() StandardRequest {
	var body bytes.Buffer
	body.WriteByte(SSHAgentcExtension)
	putString(&body, QueryExtensionName)
	return StandardRequest{Body: body.Bytes()}
}

// QueryResponse builds a successful reply to "query" listing names.
func QueryResponse(names []string) StandardResponse {
	var body bytes.Buffer
	body.WriteByte(SSHAgentSuccess)
	for _, name := range names {
		putString(&body, name)
	}
	return StandardResponse{Body: body.Bytes()}
}

// ParseQueryResponse returns the extension names in a reply to "query".
func ParseQueryResponse(body []byte) ([]string, error) {
	if len(body) == 0 || body[0] != SSHAgentSuccess {
		return nil, fmt.Errorf("query: unexpected reply type %d", typeOf(body))
	}
	d := decoder{buf: body[1:]}
	var names []string
	for len(d.buf) > 0 {
		name, err := d.string()
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

// messageLen validates a 4-byte length header.
func messageLen(hdr []byte) (int, error) {
	n := binary.BigEndian.Uint32(hdr)
	if n == 0 {
		return 0, fmt.Errorf("%w: zero length", ErrMalformedMessage)
	}
	if n > MaxMessageLen {
		return 0, fmt.Errorf("%w: length %d exceeds %d", ErrMalformedMessage, n, MaxMessageLen)
	}
	return int(n), nil
}

func splitMessage(buf []byte) ([]byte, int, error) {
	if len(buf) < headerLen {
		return nil, 0, nil
	}
	n, err := messageLen(buf[:headerLen])
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < headerLen+n {
		return nil, 0, nil
	}
	body := make([]byte, n)
	copy(body, buf[headerLen:headerLen+n])
	return body, headerLen + n, nil
}

func frameBody(body []byte) ([]byte, error) {
	if len(body) == 0 || len(body) > MaxMessageLen {
		return nil, fmt.Errorf("%w: body length %d", ErrMalformedMessage, len(body))
	}
	out := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[headerLen:], body)
	return out, nil
}

func extension(body []byte) (string, []byte, bool) {
	if len(body) == 0 || body[0] != SSHAgentcExtension {
		return "", nil, false
	}
	d := decoder{buf: body[1:]}
	name, err := d.string()
	if err != nil {
		return "", nil, false
	}
	return name, d.buf, true
}

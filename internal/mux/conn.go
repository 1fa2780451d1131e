// Package mux carries stdin, stdout, stderr and control frames over one
// ordered byte stream.
package mux

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/antonkrylov/ssh-rev/internal/wire"
)

// DefaultMaxPayload bounds how long one stream can hold the connection.
const DefaultMaxPayload = 32 * 1024

// ErrNoDescriptor is returned by SyscallConn when the stream is not backed by
// a file descriptor, such as an in-memory pipe.
var ErrNoDescriptor = errors.New("connection has no file descriptor")

// Conn multiplexes tagged frames over rw. Send may be called from many
// goroutines; Receive must be called from one.
type Conn struct {
	rw         io.ReadWriter
	r          *bufio.Reader
	w          io.Writer
	maxPayload int

	wmu sync.Mutex
	hdr [wire.FrameHeaderLen]byte

	closer    io.Closer
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithMaxPayload sets the largest payload written per frame. Larger writes are split.
func WithMaxPayload(n int) Option {
	return func(c *Conn) {
		if n > 0 && n <= wire.MaxFramePayload {
			c.maxPayload = n
		}
	}
}

// New wraps rw. If rw implements io.Closer, Close closes it.
func New(rw io.ReadWriter, opts ...Option) *Conn {
	c := &Conn{
		rw:         rw,
		r:          bufio.NewReaderSize(rw, 64*1024),
		w:          rw,
		maxPayload: DefaultMaxPayload,
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxPayload reports the per-frame payload limit used by Send.
func (c *Conn) MaxPayload() int { return c.maxPayload }

// Send writes payload under tag. Payloads above the limit are split into
// consecutive frames of the same tag; an empty payload is written as a single
// empty frame, which closes a data stream. Each frame is written whole before
// any other sender may start one.
func (c *Conn) Send(tag wire.Tag, payload []byte) error {
	if len(payload) == 0 {
		return c.writeFrame(tag, nil)
	}
	for len(payload) > 0 {
		n := len(payload)
		if n > c.maxPayload {
			n = c.maxPayload
		}
		if err := c.writeFrame(tag, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// SendFrame writes a pre-built frame.
func (c *Conn) SendFrame(f wire.ExecFrame) error {
	return c.Send(f.Tag, f.Payload)
}

// CloseStream sends the zero-length frame that ends a data stream.
func (c *Conn) CloseStream(tag wire.Tag) error {
	return c.writeFrame(tag, nil)
}

func (c *Conn) writeFrame(tag wire.Tag, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	wire.PutFrameHeader(c.hdr[:], tag, len(payload))
	if _, err := c.w.Write(c.hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.w.Write(payload)
	return err
}

// Receive blocks for the next frame. It returns io.EOF when the peer closes
// cleanly between frames and an error wrapping wire.ErrMalformedMessage when
// framing is lost.
func (c *Conn) Receive() (wire.ExecFrame, error) {
	var hdr [wire.FrameHeaderLen]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return wire.ExecFrame{}, io.ErrUnexpectedEOF
		}
		return wire.ExecFrame{}, err
	}
	tag, n, err := wire.ParseFrameHeader(hdr[:])
	if err != nil {
		return wire.ExecFrame{}, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return wire.ExecFrame{}, io.ErrUnexpectedEOF
		}
		return wire.ExecFrame{}, err
	}
	return wire.ExecFrame{Tag: tag, Payload: payload}, nil
}

// SyscallConn exposes the descriptor of the underlying stream so callers can
// watch it without reading.
func (c *Conn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.rw.(syscall.Conn)
	if !ok {
		return nil, ErrNoDescriptor
	}
	return sc.SyscallConn()
}

// Close closes the underlying stream, if it can be closed. Blocked Send and
// Receive calls return with an error.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

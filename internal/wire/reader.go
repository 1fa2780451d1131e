package wire

import (
	"fmt"
	"io"
)

// Reader pulls whole agent messages off a stream. It never reads past the end
// of the current message, so the stream can be handed to a frame reader after
// the exec handshake.
type Reader struct {
	r   io.Reader
	hdr [headerLen]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadRequest returns the next request. io.EOF is returned only on a clean
// close between messages.
func (r *Reader) ReadRequest() (AgentMessage, error) {
	raw, err := r.next()
	if err != nil {
		return nil, err
	}
	msg, _, err := DecodeRequest(raw)
	return msg, err
}

// ReadResponse returns the next reply.
func (r *Reader) ReadResponse() (StandardResponse, error) {
	raw, err := r.next()
	if err != nil {
		return StandardResponse{}, err
	}
	msg, _, err := DecodeResponse(raw)
	if err != nil {
		return StandardResponse{}, err
	}
	return msg.(StandardResponse), nil
}

func (r *Reader) next() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedMessage)
		}
		return nil, err
	}
	n, err := messageLen(r.hdr[:])
	if err != nil {
		return nil, err
	}
	raw := make([]byte, headerLen+n)
	copy(raw, r.hdr[:])
	if _, err := io.ReadFull(r.r, raw[headerLen:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated body", ErrMalformedMessage)
		}
		return nil, err
	}
	return raw, nil
}

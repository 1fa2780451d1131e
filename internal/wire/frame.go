package wire

import (
	"encoding/binary"
	"fmt"
	"syscall"
)

// Tag names the logical stream a frame belongs to.
type Tag uint8

const (
	TagStdin Tag = iota
	TagStdout
	TagStderr
	TagResize
	TagSignal
	TagExit
)

func (t Tag) String() string {
	switch t {
	case TagStdin:
		return "stdin"
	case TagStdout:
		return "stdout"
	case TagStderr:
		return "stderr"
	case TagResize:
		return "resize"
	case TagSignal:
		return "signal"
	case TagExit:
		return "exit"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// IsData reports whether t carries a byte stream where an empty payload means EOF.
func (t Tag) IsData() bool {
	return t == TagStdin || t == TagStdout || t == TagStderr
}

const (
	// FrameHeaderLen is the tag byte plus the 4-byte length.
	FrameHeaderLen = 5
	// MaxFramePayload is the largest payload any receiver accepts.
	MaxFramePayload = 1 << 20
)

// ExecFrame is one multiplexed unit.
type ExecFrame struct {
	Tag     Tag
	Payload []byte
}

// EOF reports whether f closes its data stream.
func (f ExecFrame) EOF() bool {
	return f.Tag.IsData() && len(f.Payload) == 0
}

// EncodeFrame renders f with its header.
func EncodeFrame(f ExecFrame) ([]byte, error) {
	if err := checkPayload(f.Tag, len(f.Payload)); err != nil {
		return nil, err
	}
	out := make([]byte, FrameHeaderLen+len(f.Payload))
	PutFrameHeader(out, f.Tag, len(f.Payload))
	copy(out[FrameHeaderLen:], f.Payload)
	return out, nil
}

// PutFrameHeader writes a frame header into hdr, which must hold FrameHeaderLen bytes.
func PutFrameHeader(hdr []byte, tag Tag, n int) {
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:FrameHeaderLen], uint32(n))
}

// ParseFrameHeader validates a frame header and returns the payload length.
func ParseFrameHeader(hdr []byte) (Tag, int, error) {
	if len(hdr) < FrameHeaderLen {
		return 0, 0, fmt.Errorf("%w: short frame header", ErrMalformedMessage)
	}
	tag := Tag(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:FrameHeaderLen])
	if n > MaxFramePayload {
		return 0, 0, fmt.Errorf("%w: %s frame of %d bytes", ErrMalformedMessage, tag, n)
	}
	if err := checkPayload(tag, int(n)); err != nil {
		return 0, 0, err
	}
	return tag, int(n), nil
}

// DecodeFrame decodes one frame from the front of buf, returning (_, 0, nil)
// until a whole frame is available.
func DecodeFrame(buf []byte) (ExecFrame, int, error) {
	if len(buf) < FrameHeaderLen {
		return ExecFrame{}, 0, nil
	}
	tag, n, err := ParseFrameHeader(buf)
	if err != nil {
		return ExecFrame{}, 0, err
	}
	if len(buf) < FrameHeaderLen+n {
		return ExecFrame{}, 0, nil
	}
	payload := make([]byte, n)
	copy(payload, buf[FrameHeaderLen:FrameHeaderLen+n])
	return ExecFrame{Tag: tag, Payload: payload}, FrameHeaderLen + n, nil
}

func checkPayload(tag Tag, n int) error {
	want := -1
	switch tag {
	case TagStdin, TagStdout, TagStderr:
	case TagResize:
		want = 4
	case TagSignal:
		want = 1
	case TagExit:
		want = 4
	default:
		return fmt.Errorf("%w: unknown frame tag %d", ErrMalformedMessage, uint8(tag))
	}
	if want >= 0 && n != want {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformedMessage, tag, n, want)
	}
	if n > MaxFramePayload {
		return fmt.Errorf("%w: %s payload of %d bytes", ErrMalformedMessage, tag, n)
	}
	return nil
}

// Resize carries terminal dimensions.
type Resize struct {
	Rows uint16
	Cols uint16
}

func (r Resize) Frame() ExecFrame {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], r.Rows)
	binary.BigEndian.PutUint16(p[2:4], r.Cols)
	return ExecFrame{Tag: TagResize, Payload: p}
}

// ParseResize decodes a Resize frame payload.
func ParseResize(p []byte) (Resize, error) {
	if len(p) != 4 {
		return Resize{}, fmt.Errorf("%w: resize payload is %d bytes", ErrMalformedMessage, len(p))
	}
	return Resize{Rows: binary.BigEndian.Uint16(p[0:2]), Cols: binary.BigEndian.Uint16(p[2:4])}, nil
}

// SignalFrame builds a Signal frame carrying the platform signal number.
func SignalFrame(sig syscall.Signal) ExecFrame {
	return ExecFrame{Tag: TagSignal, Payload: []byte{byte(sig)}}
}

// ParseSignal decodes a Signal frame payload.
func ParseSignal(p []byte) (syscall.Signal, error) {
	if len(p) != 1 {
		return 0, fmt.Errorf("%w: signal payload is %d bytes", ErrMalformedMessage, len(p))
	}
	return syscall.Signal(p[0]), nil
}

// Exit code sentinels. Codes >= 0 are the process's own exit code.
const (
	ExitSpawnFailed int32 = -1
	exitSignalBase  int32 = -256
)

// ExitStatus is the terminal outcome of a session.
type ExitStatus struct {
	Code int32
}

// Exited is the status of a process that returned code.
func Exited(code int) ExitStatus { return ExitStatus{Code: int32(code)} }

// Signaled is the status of a process killed by sig.
func Signaled(sig syscall.Signal) ExitStatus { return ExitStatus{Code: exitSignalBase - int32(sig)} }

// SpawnFailed is the status of a command that never started.
func SpawnFailed() ExitStatus { return ExitStatus{Code: ExitSpawnFailed} }

// IsSpawnFailed reports whether the command could not be started.
func (s ExitStatus) IsSpawnFailed() bool { return s.Code == ExitSpawnFailed }

// Signal returns the terminating signal, if any.
func (s ExitStatus) Signal() (syscall.Signal, bool) {
	if s.Code >= exitSignalBase {
		return 0, false
	}
	return syscall.Signal(exitSignalBase - s.Code), true
}

func (s ExitStatus) String() string {
	if s.IsSpawnFailed() {
		return "spawn failed"
	}
	if sig, ok := s.Signal(); ok {
		return fmt.Sprintf("signal %d", int(sig))
	}
	return fmt.Sprintf("exit %d", s.Code)
}

func (s ExitStatus) Frame() ExecFrame {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(s.Code))
	return ExecFrame{Tag: TagExit, Payload: p}
}

// ParseExit decodes an Exit frame payload.
func ParseExit(p []byte) (ExitStatus, error) {
	if len(p) != 4 {
		return ExitStatus{}, fmt.Errorf("%w: exit payload is %d bytes", ErrMalformedMessage, len(p))
	}
	return ExitStatus{Code: int32(binary.BigEndian.Uint32(p))}, nil
}

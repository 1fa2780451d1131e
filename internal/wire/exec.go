package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ExecRequest asks the proxy to spawn Command on the originating host.
// A nil and an empty Args or Env mean the same thing on the wire; decoding
// yields nil for both. Compare requests with Equal.
type ExecRequest struct {
	Command  string
	Args     []string
	Env      map[string]string
	Terminal bool
	// Rows and Cols are only carried when Terminal is set.
	Rows uint32
	Cols uint32
	// Dir is the working directory; empty inherits the proxy's.
	Dir string
}

// Equal reports whether r and o encode to the same request.
func (r *ExecRequest) Equal(o *ExecRequest) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Command != o.Command || r.Terminal != o.Terminal || r.Dir != o.Dir {
		return false
	}
	if r.Terminal && (r.Rows != o.Rows || r.Cols != o.Cols) {
		return false
	}
	if len(r.Args) != len(o.Args) || len(r.Env) != len(o.Env) {
		return false
	}
	for i := range r.Args {
		if r.Args[i] != o.Args[i] {
			return false
		}
	}
	for k, v := range r.Env {
		if ov, ok := o.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (r *ExecRequest) encode(buf *bytes.Buffer) error {
	if r.Command == "" {
		return errors.New("encode exec request: command is required")
	}
	putString(buf, r.Command)
	putUint32(buf, uint32(len(r.Args)))
	for _, a := range r.Args {
		putString(buf, a)
	}
	// Sorted so identical requests encode identically.
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	putUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		putString(buf, k)
		putString(buf, r.Env[k])
	}
	if r.Terminal {
		buf.WriteByte(1)
		putUint32(buf, r.Rows)
		putUint32(buf, r.Cols)
	} else {
		buf.WriteByte(0)
	}
	if r.Dir != "" {
		putString(buf, r.Dir)
	}
	return nil
}

func decodeExecRequest(payload []byte) (*ExecRequest, error) {
	d := decoder{buf: payload}
	cmd, err := d.string()
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	if cmd == "" {
		return nil, errors.New("command is empty")
	}
	req := &ExecRequest{Command: cmd}

	argc, err := d.count()
	if err != nil {
		return nil, fmt.Errorf("argc: %w", err)
	}
	if argc > 0 {
		req.Args = make([]string, 0, argc)
	}
	for i := 0; i < argc; i++ {
		a, err := d.string()
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		req.Args = append(req.Args, a)
	}

	envc, err := d.count()
	if err != nil {
		return nil, fmt.Errorf("envc: %w", err)
	}
	if envc > 0 {
		req.Env = make(map[string]string, envc)
	}
	for i := 0; i < envc; i++ {
		k, err := d.string()
		if err != nil {
			return nil, fmt.Errorf("env %d name: %w", i, err)
		}
		v, err := d.string()
		if err != nil {
			return nil, fmt.Errorf("env %d value: %w", i, err)
		}
		req.Env[k] = v
	}

	flag, err := d.byte()
	if err != nil {
		return nil, fmt.Errorf("terminal flag: %w", err)
	}
	switch flag {
	case 0:
	case 1:
		req.Terminal = true
		if req.Rows, err = d.uint32(); err != nil {
			return nil, fmt.Errorf("rows: %w", err)
		}
		if req.Cols, err = d.uint32(); err != nil {
			return nil, fmt.Errorf("cols: %w", err)
		}
	default:
		return nil, fmt.Errorf("terminal flag %d", flag)
	}

	if len(d.buf) > 0 {
		if req.Dir, err = d.string(); err != nil {
			return nil, fmt.Errorf("dir: %w", err)
		}
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(d.buf))
	}
	return req, nil
}

var errShort = errors.New("short buffer")

type decoder struct {
	buf []byte
}

func (d *decoder) byte() (byte, error) {
	if len(d.buf) < 1 {
		return 0, errShort
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b, nil
}

func (d *decoder) uint32() (uint32, error) {
	if len(d.buf) < 4 {
		return 0, errShort
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, nil
}

// count reads an element count and rejects values the remaining bytes cannot hold.
func (d *decoder) count() (int, error) {
	n, err := d.uint32()
	if err != nil {
		return 0, err
	}
	if int64(n)*4 > int64(len(d.buf)) {
		return 0, fmt.Errorf("count %d exceeds payload", n)
	}
	return int(n), nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if int64(n) > int64(len(d.buf)) {
		return "", errShort
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s, nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

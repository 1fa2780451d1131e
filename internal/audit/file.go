package audit

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const maxRecordLen = 1 << 20

// ErrCorruptRecord means a whole record was read but could not be decoded.
var ErrCorruptRecord = errors.New("corrupt audit record")

// FileLog appends records to a single file. Each record is a uvarint length
// followed by one zstd frame holding the CBOR-encoded record, so a torn tail
// loses only the last record.
type FileLog struct {
	path string

	// salvaged is where a log with corrupt records was copied before it was
	// cut back to its last good record.
	salvaged string

	mu      sync.Mutex
	file    *os.File
	enc     *zstd.Encoder
	nextSeq int64
}

// OpenFile opens or creates the log at path.
func OpenFile(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	last, salvaged, err := repair(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileLog{path: path, salvaged: salvaged, file: f, enc: enc, nextSeq: last + 1}, nil
}

func (l *FileLog) Path() string { return l.path }

// Salvaged returns the copy made of a corrupt log when it was opened, or "".
func (l *FileLog) Salvaged() string { return l.salvaged }

// Append assigns the next sequence number to rec, writes it and syncs.
func (l *FileLog) Append(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return Record{}, os.ErrClosed
	}
	rec.Seq = l.nextSeq
	raw, err := rec.marshal()
	if err != nil {
		return Record{}, err
	}
	frame := l.enc.EncodeAll(raw, nil)
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(frame)))
	if _, err := l.file.Write(append(hdr[:n:n], frame...)); err != nil {
		return Record{}, err
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, err
	}
	l.nextSeq++
	return rec, nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.enc.Close()
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadFile calls fn for every record in the log at path, oldest first. A
// missing file has no records. A truncated final record is ignored. Reading
// stops at a corrupt record with an error wrapping ErrCorruptRecord.
func ReadFile(path string, fn func(Record) error) error {
	_, err := scan(path, fn)
	return err
}

// scan reads records and reports the offset just past the last whole one.
func scan(path string, fn func(Record) error) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	cr := &countingReader{r: f}
	r := bufio.NewReader(cr)
	var good int64
	for {
		frame, err := readDelimited(r)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return good, nil
		}
		if err != nil {
			return good, err
		}
		raw, err := dec.DecodeAll(frame, nil)
		if err != nil {
			return good, fmt.Errorf("%w: decompress: %v", ErrCorruptRecord, err)
		}
		rec, err := unmarshalRecord(raw)
		if err != nil {
			return good, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		good = cr.n - int64(r.Buffered())
		if err := fn(rec); err != nil {
			return good, err
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Tail returns the last n records, or all of them when n <= 0.
func Tail(path string, n int) ([]Record, error) {
	var out []Record
	err := ReadFile(path, func(rec Record) error {
		out = append(out, rec)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
		return nil
	})
	return out, err
}

// repair finds the last sequence number and cuts the log back to its last
// good record so new appends stay readable. A torn tail is dropped. When a
// record is corrupt, the whole file is first copied aside and its path
// returned.
func repair(path string) (last int64, salvaged string, err error) {
	good, scanErr := scan(path, func(rec Record) error {
		if rec.Seq > last {
			last = rec.Seq
		}
		return nil
	})
	if scanErr != nil && !errors.Is(scanErr, ErrCorruptRecord) {
		return 0, "", scanErr
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	if scanErr != nil {
		salvaged = path + ".corrupt-" + strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := copyFile(path, salvaged); err != nil {
			return 0, "", fmt.Errorf("save corrupt log: %w", err)
		}
	}
	if fi.Size() > good {
		if err := os.Truncate(path, good); err != nil {
			return 0, "", fmt.Errorf("truncate log: %w", err)
		}
	}
	return last, salvaged, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if l == 0 {
		return nil, fmt.Errorf("%w: length 0", ErrCorruptRecord)
	}
	if l > maxRecordLen {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptRecord, l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

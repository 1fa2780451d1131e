// Package audit keeps a history of finished exec sessions: an append-only,
// zstd-compressed file on disk and, optionally, a NATS JetStream mirror.
package audit

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/antonkrylov/ssh-rev/internal/session"
	"github.com/antonkrylov/ssh-rev/internal/wire"
)

// Record is one finished session.
type Record struct {
	Seq        int64     `cbor:"1,keyasint" json:"seq"`
	SessionID  string    `cbor:"2,keyasint" json:"session_id"`
	Host       string    `cbor:"3,keyasint" json:"host"`
	Command    string    `cbor:"4,keyasint" json:"command"`
	Args       []string  `cbor:"5,keyasint,omitempty" json:"args,omitempty"`
	Dir        string    `cbor:"6,keyasint,omitempty" json:"dir,omitempty"`
	Terminal   bool      `cbor:"7,keyasint" json:"terminal"`
	Started    time.Time `cbor:"8,keyasint" json:"started"`
	DurationMS int64     `cbor:"9,keyasint" json:"duration_ms"`
	ExitCode   int32     `cbor:"10,keyasint" json:"exit_code"`
}

// FromResult converts a session result into a record. Seq is assigned on append.
func FromResult(res session.Result) Record {
	host, _ := os.Hostname()
	return Record{
		SessionID:  res.ID,
		Host:       host,
		Command:    res.Command,
		Args:       res.Args,
		Dir:        res.Dir,
		Terminal:   res.Terminal,
		Started:    res.Started.UTC(),
		DurationMS: res.Duration.Milliseconds(),
		ExitCode:   res.Status.Code,
	}
}

// Status decodes the stored exit code.
func (r Record) Status() wire.ExitStatus {
	return wire.ExitStatus{Code: r.ExitCode}
}

func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func (r Record) marshal() ([]byte, error) {
	return encMode.Marshal(r)
}

func unmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

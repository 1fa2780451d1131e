package mux

import (
	"sync"

	"github.com/antonkrylov/ssh-rev/internal/wire"
)

// StreamWriter writes one data stream of a Conn. Close sends the terminating
// empty frame exactly once.
type StreamWriter struct {
	c   *Conn
	tag wire.Tag

	once sync.Once
	err  error
}

// Writer returns a writer for the data stream tag.
func (c *Conn) Writer(tag wire.Tag) *StreamWriter {
	return &StreamWriter{c: c, tag: tag}
}

func (w *StreamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		// An empty frame would close the stream.
		return 0, nil
	}
	if err := w.c.Send(w.tag, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *StreamWriter) Close() error {
	w.once.Do(func() {
		w.err = w.c.CloseStream(w.tag)
	})
	return w.err
}

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/antonkrylov/ssh-rev/internal/session"
)

// Options configure the recorder.
type Options struct {
	Path      string
	JetStream *JetStreamOptions
	Logger    *slog.Logger
}

// Recorder writes finished sessions to the file log and, when configured,
// mirrors them to JetStream. Mirror failures are logged, not returned.
type Recorder struct {
	file   *FileLog
	mirror *jetStreamMirror
	logger *slog.Logger
}

func NewRecorder(ctx context.Context, opts Options) (*Recorder, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	file, err := OpenFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if saved := file.Salvaged(); saved != "" {
		logger.Warn("audit log had corrupt records, truncated to last good record", "path", opts.Path, "saved", saved)
	}
	r := &Recorder{file: file, logger: logger}
	if opts.JetStream != nil {
		m, err := newJetStreamMirror(ctx, opts.JetStream, logger)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("connect jetstream: %w", err)
		}
		r.mirror = m
	}
	return r, nil
}

// Record stores res.
func (r *Recorder) Record(ctx context.Context, res session.Result) error {
	rec, err := r.file.Append(FromResult(res))
	if err != nil {
		return err
	}
	if r.mirror != nil {
		if err := r.mirror.publish(ctx, rec); err != nil {
			r.logger.Warn("jetstream publish failed", "session", rec.SessionID, "err", err)
		}
	}
	return nil
}

func (r *Recorder) Path() string { return r.file.Path() }

func (r *Recorder) Close() error {
	if r.mirror != nil {
		r.mirror.Close()
	}
	return r.file.Close()
}

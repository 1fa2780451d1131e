package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamOptions describe how session records are mirrored to NATS JetStream.
type JetStreamOptions struct {
	URL        string
	User       string
	Password   string
	Stream     string
	Subject    string
	MaxBytes   int64
	DupeWindow time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Stream == "" {
		o.Stream = "ssh_rev_sessions"
	}
	if o.Subject == "" {
		o.Subject = "ssh-rev.sessions"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}

type jetStreamMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *JetStreamOptions
	logger *slog.Logger
}

func newJetStreamMirror(ctx context.Context, opts *JetStreamOptions, logger *slog.Logger) (*jetStreamMirror, error) {
	cfg := *opts
	cfg.setDefaults()
	natsOpts := []nats.Option{nats.Name("ssh-rev-agent")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &jetStreamMirror{
		conn:   conn,
		js:     js,
		opts:   &cfg,
		logger: logger,
	}
	if err := m.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *jetStreamMirror) Close() {
	if m.conn != nil {
		_ = m.conn.Drain()
		m.conn.Close()
	}
}

func (m *jetStreamMirror) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{m.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}
	if _, err := m.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

func (m *jetStreamMirror) publish(ctx context.Context, rec Record) error {
	payload, err := rec.marshal()
	if err != nil {
		return err
	}
	msg := nats.NewMsg(recordSubject(m.opts.Subject, rec))
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/cbor")
	_, err = m.js.PublishMsg(msg, nats.MsgId("session:"+rec.SessionID), nats.Context(ctx))
	return err
}

func (m *jetStreamMirror) wildcard() string {
	return m.opts.Subject + ".>"
}

// recordSubject files records under the host that ran them.
func recordSubject(prefix string, rec Record) string {
	return fmt.Sprintf("%s.%s", prefix, subjectToken(rec.Host))
}

func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

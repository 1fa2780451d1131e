package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/antonkrylov/ssh-rev/internal/mux"
	"github.com/antonkrylov/ssh-rev/internal/session"
	"github.com/antonkrylov/ssh-rev/internal/wire"
)

type connHandler struct {
	srv      *Server
	conn     net.Conn
	upstream *upstream
	logger   *slog.Logger
}

func newConnHandler(srv *Server, conn net.Conn) *connHandler {
	return &connHandler{
		srv:      srv,
		conn:     conn,
		upstream: newUpstream(srv.cfg.UpstreamSocket, srv.cfg.DialTimeout),
		logger:   srv.cfg.Logger.With("conn", newConnID()),
	}
}

// serve runs the agent message loop. It returns when the peer hangs up,
// framing is lost, or an exec session on this connection ends.
func (h *connHandler) serve(ctx context.Context) {
	defer h.upstream.close()
	r := wire.NewReader(h.conn)
	for {
		msg, err := r.ReadRequest()
		switch {
		case err == nil:
		case errors.Is(err, wire.ErrInvalidExecRequest):
			h.logger.Warn("rejecting exec request", "err", err)
			if err := h.reply(wire.ExtensionFailure()); err != nil {
				return
			}
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		default:
			h.logger.Warn("dropping connection", "err", err)
			return
		}

		switch m := msg.(type) {
		case wire.StandardRequest:
			if err := h.reply(h.relay(m)); err != nil {
				h.logger.Debug("reply failed", "err", err)
				return
			}
		case *wire.ExecRequest:
			h.upstream.close()
			h.exec(ctx, m)
			return
		}
	}
}

// relay forwards one standard request, answering "query" with our
// extension added to whatever the real agent supports.
func (h *connHandler) relay(req wire.StandardRequest) wire.StandardResponse {
	isQuery := wire.IsExtension(req.Body, wire.QueryExtensionName)
	resp, err := h.upstream.roundTrip(req)
	if err != nil {
		h.logger.Warn("standard request failed", "type", req.Type(), "err", err)
		if isQuery {
			return wire.QueryResponse([]string{wire.ExtensionName})
		}
		return wire.Failure()
	}
	if !isQuery {
		return resp
	}
	// An upstream without query support answers with a failure; list only ours.
	names, _ := wire.ParseQueryResponse(resp.Body)
	return wire.QueryResponse(append(names, wire.ExtensionName))
}

func (h *connHandler) exec(ctx context.Context, req *wire.ExecRequest) {
	if err := h.reply(wire.Success()); err != nil {
		h.logger.Debug("exec handshake failed", "err", err)
		return
	}
	sess := session.New(req, mux.New(h.conn), h.logger)
	res, err := sess.Run(ctx)
	if err != nil {
		h.logger.Warn("session ended abnormally", "session", sess.ID, "err", err)
	}
	if rec := h.srv.cfg.Recorder; rec != nil {
		if err := rec.Record(context.WithoutCancel(ctx), res); err != nil {
			h.logger.Warn("record session", "session", sess.ID, "err", err)
		}
	}
}

func (h *connHandler) reply(resp wire.StandardResponse) error {
	raw, err := wire.Encode(resp)
	if err != nil {
		return err
	}
	_, err = h.conn.Write(raw)
	return err
}

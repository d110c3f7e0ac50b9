package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/tunnelmesh/internal/auth"
	"github.com/ocx/tunnelmesh/internal/connfabric"
	"github.com/ocx/tunnelmesh/internal/exitdispatch"
	"github.com/ocx/tunnelmesh/internal/frame"
	"github.com/ocx/tunnelmesh/internal/gateway"
	"github.com/ocx/tunnelmesh/internal/metrics"
	"github.com/ocx/tunnelmesh/internal/registry"
	"github.com/ocx/tunnelmesh/internal/tunnel"
)

// dispatchTimeout bounds how long a single dial-or-write to an exit node may
// take before the fabric gives up on that attempt and refuses the conn_id.
const dispatchTimeout = 10 * time.Second

// exitAssignment remembers which exit address and dispatch header a conn_id
// was opened against, so later data frames for the same conn_id don't need
// to repeat the target (only the first frame carries it, per the exit-ward
// wire header's framing contract).
type exitAssignment struct {
	address string
	header  exitdispatch.Header
}

// sessionHandler is the per-tunnel-session data plane: it owns the
// conn_id table multiplexed over one WebSocket session, routes DATA frames
// to the catalogued exit an open request selected, and replicates
// connection-lifecycle metadata through consensus as conn_ids open and
// close.
type sessionHandler struct {
	hs        *handlerState
	session   *tunnel.Session
	table     *connfabric.Table
	claims    *auth.TokenClaims
	groupID   string
	log       *slog.Logger

	mu       sync.Mutex
	exits    map[uint64]exitAssignment
}

func newSessionHandler(hs *handlerState, session *tunnel.Session, claims *auth.TokenClaims, groupID string) (*sessionHandler, error) {
	table, err := connfabric.NewTable()
	if err != nil {
		return nil, err
	}
	return &sessionHandler{
		hs:      hs,
		session: session,
		table:   table,
		claims:  claims,
		groupID: groupID,
		log:     hs.log.With("client_id", claims.ClientID),
		exits:   make(map[uint64]exitAssignment),
	}, nil
}

// onFrame is wired as the tunnel session's frame.Frame callback: it runs on
// the session's own read pump goroutine, so it must never block on
// anything but the bounded dispatch/propose calls it already carries.
func (sh *sessionHandler) onFrame(f *frame.Frame) {
	if f.Flags.Has(frame.FlagControl) {
		sh.onControl(f)
		return
	}
	if f.ConnID == 0 {
		sh.onOpen(f)
		return
	}
	sh.onData(f)
}

func (sh *sessionHandler) onControl(f *frame.Frame) {
	env, err := frame.DecodeControl(f)
	if err != nil {
		sh.log.Debug("handler: dropping malformed control frame", "event", "dataplane_bad_control", "error", err)
		return
	}
	switch env.Type {
	case frame.CtrlPing:
		sh.reply(frame.CtrlPong, frame.PongBody{})
	case frame.CtrlPong:
		// liveness only, nothing to act on
	default:
		sh.log.Debug("handler: unhandled control frame type", "event", "dataplane_unhandled_control", "type", env.Type)
	}
}

func (sh *sessionHandler) reply(t frame.ControlType, body interface{}) {
	f, err := frame.EncodeControl(t, body)
	if err != nil {
		return
	}
	encoded, err := frame.Encode(f)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	_ = sh.session.Send(ctx, encoded)
}

// onOpen handles a conn_id-0 frame: the client asking the fabric to open a
// new logical connection against a dial target, selecting an exit node by
// this session's group and wiring its reply stream back onto the tunnel.
func (sh *sessionHandler) onOpen(f *frame.Frame) {
	payload := f.Payload
	if len(payload) >= 8 {
		payload = payload[8:] // strip the embedded conn_id-0 prefix
	}
	requestSeq, hdr, rest, err := gateway.ParseConnectRequest(payload)
	if err != nil {
		sh.log.Debug("handler: malformed connect request", "event", "dataplane_bad_connect", "error", err)
		return
	}

	pick, err := sh.hs.catalogue.Select(sh.groupID)
	if err != nil {
		sh.log.Warn("handler: no exit available for open request", "event", "dataplane_no_exit", "group", sh.groupID, "error", err)
		sh.reply(frame.CtrlConnAck, frame.ConnAckBody{RequestSeq: requestSeq, Refused: true})
		return
	}

	conn := sh.table.Allocate()
	hdr.ConnID = conn.ID

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	returns, err := sh.hs.pool.Returns(ctx, pick.Address, conn.ID)
	if err != nil {
		sh.log.Warn("handler: failed to register exit return stream", "event", "dataplane_returns_failed", "error", err)
		sh.table.Remove(conn.ID)
		sh.reply(frame.CtrlConnAck, frame.ConnAckBody{RequestSeq: requestSeq, Refused: true})
		return
	}
	if err := sh.hs.pool.Dispatch(ctx, pick.Address, hdr, rest); err != nil {
		sh.log.Warn("handler: failed to dispatch open request to exit", "event", "dataplane_dispatch_failed", "error", err)
		sh.hs.pool.Release(pick.Address, conn.ID)
		sh.table.Remove(conn.ID)
		sh.reply(frame.CtrlConnAck, frame.ConnAckBody{RequestSeq: requestSeq, Refused: true})
		return
	}

	sh.mu.Lock()
	sh.exits[conn.ID] = exitAssignment{address: pick.Address, header: hdr}
	sh.mu.Unlock()

	go sh.pumpReturns(conn, returns)

	sh.reply(frame.CtrlConnAck, frame.ConnAckBody{RequestSeq: requestSeq, ConnID: conn.ID})

	rec := registry.ConnectionRecord{
		ConnID:         conn.ID,
		SessionID:      sh.claims.TokenID,
		ClientFP:       sh.claims.ClientID,
		TargetAddr:     hdr.TargetAddr(),
		ExitNodeID:     pick.ID,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		BytesOut:       uint64(len(rest)),
		State:          registry.StateActive,
	}
	go func() {
		proposeCtx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := registry.Insert(proposeCtx, sh.hs.proposer, rec); err != nil {
			sh.log.Warn("handler: failed to replicate connection record", "event", "dataplane_insert_failed", "conn_id", conn.ID, "error", err)
		}
	}()
}

// pumpReturns forwards bytes an exit sends back for conn over the tunnel
// session as DATA frames, until the exit's return channel closes.
func (sh *sessionHandler) pumpReturns(conn *connfabric.Conn, returns <-chan []byte) {
	for chunk := range returns {
		f := frame.NewDataFrame(conn.ID, chunk)
		encoded, err := frame.Encode(f)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		err = sh.session.Send(ctx, encoded)
		cancel()
		if err != nil {
			return
		}
		conn.BytesSent.Add(int64(len(chunk)))
	}
}

// onData handles a data frame for an already-open conn_id: either more
// payload to forward to its exit, or a FIN/RESET tearing it down.
func (sh *sessionHandler) onData(f *frame.Frame) {
	sh.mu.Lock()
	assign, ok := sh.exits[f.ConnID]
	sh.mu.Unlock()
	if !ok {
		sh.log.Debug("handler: data frame for unknown conn_id", "event", "dataplane_unknown_conn", "conn_id", f.ConnID)
		return
	}

	payload := f.Payload
	if len(payload) >= 8 {
		payload = payload[8:]
	}

	conn, known := sh.table.Get(f.ConnID)
	if known {
		conn.Touch(len(payload))
	}

	if f.Flags.Has(frame.FlagFin) || f.Flags.Has(frame.FlagReset) {
		sh.closeConn(f.ConnID, assign, closeReasonFor(f.Flags))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := sh.hs.pool.Dispatch(ctx, assign.address, assign.header, payload); err != nil {
		sh.log.Warn("handler: failed to forward data frame to exit", "event", "dataplane_forward_failed", "conn_id", f.ConnID, "error", err)
		sh.closeConn(f.ConnID, assign, "exit dispatch error")
	}
}

func closeReasonFor(flags frame.Flag) string {
	if flags.Has(frame.FlagReset) {
		return "reset"
	}
	return "fin"
}

func (sh *sessionHandler) closeConn(connID uint64, assign exitAssignment, reason string) {
	metrics.ConnectionResets.WithLabelValues(reason).Inc()
	sh.hs.pool.Release(assign.address, connID)
	sh.table.Remove(connID)

	sh.mu.Lock()
	delete(sh.exits, connID)
	sh.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		fields := map[string]any{
			"state":            registry.StateClosed,
			"close_reason":     reason,
			"last_activity_at": time.Now(),
		}
		if err := registry.Update(ctx, sh.hs.proposer, connID, fields); err != nil {
			sh.log.Warn("handler: failed to replicate connection close", "event", "dataplane_update_failed", "conn_id", connID, "error", err)
		}
	}()
}

// closeAll tears down every conn_id this session still owns, e.g. once the
// underlying WebSocket connection dies.
func (sh *sessionHandler) closeAll() {
	sh.mu.Lock()
	exits := sh.exits
	sh.exits = make(map[uint64]exitAssignment)
	sh.mu.Unlock()

	for connID, assign := range exits {
		sh.hs.pool.Release(assign.address, connID)
		sh.table.Remove(connID)

		connID := connID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			fields := map[string]any{
				"state":            registry.StateClosed,
				"close_reason":     "session closed",
				"last_activity_at": time.Now(),
			}
			if err := registry.Update(ctx, sh.hs.proposer, connID, fields); err != nil {
				sh.log.Warn("handler: failed to replicate connection close on session teardown", "event", "dataplane_session_close_update_failed", "conn_id", connID, "error", err)
			}
		}()
	}
}

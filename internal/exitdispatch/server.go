package exitdispatch

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// ExitServer is the exit-process side of C10: it accepts mTLS streams
// from handlers and multiplexes many conn_ids over each one, dialing a
// fresh target per conn_id and framing bytes back on the same stream
// (spec §4.10 — "maintains a pool of multiplexed mutually-authenticated
// streams to each catalogued exit"). conn_id 0 is reserved for the
// liveness probe and carries no target.
type ExitServer struct {
	listener net.Listener
	dialer   net.Dialer
	log      *slog.Logger
}

// NewExitServer wraps an already-listening mTLS listener (built by the
// caller from identity.Verifier's server-side SPIFFE TLS config).
func NewExitServer(listener net.Listener, log *slog.Logger) *ExitServer {
	if log == nil {
		log = slog.Default()
	}
	return &ExitServer{listener: listener, dialer: net.Dialer{Timeout: 10 * time.Second}, log: log}
}

// Serve accepts connections until ctx is cancelled or Accept fails.
func (s *ExitServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.Unavailable, "exit server accept", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

// stream is one handler<->exit mTLS connection, multiplexing many targets
// keyed by the handler-assigned conn_id.
type stream struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	targets map[uint64]net.Conn
}

func (s *ExitServer) handle(ctx context.Context, conn net.Conn) {
	st := &stream{conn: conn, targets: make(map[uint64]net.Conn)}
	defer func() {
		st.mu.Lock()
		for id, t := range st.targets {
			t.Close()
			delete(st.targets, id)
		}
		st.mu.Unlock()
		conn.Close()
	}()

	for {
		hdr, err := ReadHeader(conn)
		if err != nil {
			s.log.Warn("exitdispatch: magic/header validation failed, closing stream", "event", "exit_header_invalid", "error", err)
			return
		}
		payload := make([]byte, hdr.PayloadLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			s.log.Warn("exitdispatch: short payload read", "event", "exit_payload_short", "conn_id", hdr.ConnID, "error", err)
			return
		}

		if hdr.ConnID == 0 {
			continue // liveness probe (Pool.Ping)
		}

		st.mu.Lock()
		target, known := st.targets[hdr.ConnID]
		st.mu.Unlock()

		if !known {
			t, err := s.dialer.DialContext(ctx, "tcp", hdr.TargetAddr())
			if err != nil {
				s.log.Warn("exitdispatch: target refused", "event", "exit_target_refused", "conn_id", hdr.ConnID, "target", hdr.TargetAddr(), "error", err)
				continue
			}
			target = t
			st.mu.Lock()
			st.targets[hdr.ConnID] = target
			st.mu.Unlock()
			go s.pumpReturn(st, hdr.ConnID, target)
		}

		if len(payload) > 0 {
			if _, err := target.Write(payload); err != nil {
				s.dropTarget(st, hdr.ConnID, target)
			}
		}
	}
}

// pumpReturn reads target's response bytes and frames them back to the
// handler under conn_id, so one mTLS stream can carry many targets'
// responses interleaved without the handler losing track of which
// connection each chunk belongs to.
func (s *ExitServer) pumpReturn(st *stream, connID uint64, target net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := target.Read(buf)
		if n > 0 {
			out := append(EncodeHeader(Header{ConnID: connID, PayloadLen: uint32(n)}), buf[:n]...)
			st.writeMu.Lock()
			werr := func() error {
				_, e := st.conn.Write(out)
				return e
			}()
			st.writeMu.Unlock()
			if werr != nil {
				s.dropTarget(st, connID, target)
				return
			}
		}
		if err != nil {
			s.dropTarget(st, connID, target)
			return
		}
	}
}

func (s *ExitServer) dropTarget(st *stream, connID uint64, target net.Conn) {
	st.mu.Lock()
	if cur, ok := st.targets[connID]; ok && cur == target {
		delete(st.targets, connID)
	}
	st.mu.Unlock()
	target.Close()
}

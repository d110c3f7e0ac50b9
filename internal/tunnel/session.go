// Package tunnel implements the WebSocket-carried tunnel transport (spec
// §4.4): a single long-lived connection between a client and a handler (or
// a handler and an exit) that multiplexes many logical connections as
// framed, masked, and padded messages.
package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/frame"
	"github.com/ocx/tunnelmesh/internal/metrics"
	"github.com/ocx/tunnelmesh/internal/obfuscate"
	"github.com/ocx/tunnelmesh/internal/replay"
)

const (
	pingInterval      = 30 * time.Second
	pongTimeout       = 90 * time.Second
	writeTimeout      = 10 * time.Second
	unauthTimeout     = 10 * time.Second
	sendQueueHigh     = 512
	sendQueueLow      = 128
	maxMessageBytes   = 1 << 20
)

// Session wraps one WebSocket connection and applies the obfuscation layer
// uniformly to every frame it carries. A Session does not know about
// conn_id multiplexing semantics — that's internal/connfabric's job — it
// only guarantees ordered, masked delivery of whatever frame bytes it's
// handed.
type Session struct {
	conn *websocket.Conn
	mask *obfuscate.Mask

	out     chan []byte
	closeCh chan struct{}
	closeOnce sync.Once

	authenticated bool
	authDeadline  time.Time

	writeOffset uint64
	readOffset  uint64
	mu          sync.Mutex

	fakeTraffic *obfuscate.FakeTrafficInjector
	frameReplay *replay.Store

	OnFrame func(*frame.Frame)
	OnClose func(error)
}

// SetFrameReplay attaches the bounded frame-UUID replay window (spec
// §4.5's second store, distinct from the auth nonce window) this session
// checks every decoded frame against before delivering it to OnFrame. Not
// set by NewSession itself, since the store is shared across every session
// on a process, not per-session state.
func (s *Session) SetFrameReplay(store *replay.Store) {
	s.frameReplay = store
}

// NewSession wraps conn, deriving the rolling mask from key. The session
// starts unauthenticated; callers must call MarkAuthenticated within
// unauthTimeout or the session is closed by the liveness loop.
func NewSession(conn *websocket.Conn, maskKey []byte) (*Session, error) {
	mask, err := obfuscate.NewMask(maskKey)
	if err != nil {
		return nil, err
	}
	s := &Session{
		conn:         conn,
		mask:         mask,
		out:          make(chan []byte, sendQueueHigh),
		closeCh:      make(chan struct{}),
		authDeadline: time.Now().Add(unauthTimeout),
	}
	s.fakeTraffic = obfuscate.NewFakeTrafficInjector(s.sendFakePing)
	conn.SetReadLimit(maxMessageBytes)
	return s, nil
}

// MarkAuthenticated lifts the unauthenticated-session timeout once the auth
// engine has confirmed the peer (spec §4.6).
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

// QueueDepth reports how many outbound frames are buffered, used by the
// connection fabric to decide whether to apply back-pressure to writers
// (spec §4.4's high/low water marks: stop accepting new writes at
// sendQueueHigh, resume at sendQueueLow).
func (s *Session) QueueDepth() int {
	return len(s.out)
}

// Overloaded reports whether the session has crossed the high water mark.
func (s *Session) Overloaded() bool {
	return s.QueueDepth() >= sendQueueHigh
}

// Drained reports whether the session has fallen back to the low water
// mark after being overloaded.
func (s *Session) Drained() bool {
	return s.QueueDepth() <= sendQueueLow
}

// Send masks and enqueues a frame's encoded bytes for the write pump. It
// blocks if the queue is full rather than dropping frames silently.
func (s *Session) Send(ctx context.Context, encoded []byte) error {
	s.mu.Lock()
	offset := s.writeOffset
	s.writeOffset += uint64(len(encoded))
	s.mu.Unlock()

	masked := append([]byte(nil), encoded...)
	s.mask.Apply(masked, offset)
	s.fakeTraffic.Touch()

	select {
	case s.out <- masked:
		metrics.TunnelBackpressureBytes.Add(float64(len(masked)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return errs.New(errs.Unavailable, "session closed")
	}
}

func (s *Session) sendFakePing() {
	f, err := frame.EncodeControl(frame.CtrlPing, frame.PingBody{})
	if err != nil {
		return
	}
	encoded, err := frame.Encode(f)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mask.Apply(encoded, s.writeOffset)
	select {
	case s.out <- encoded:
		s.writeOffset += uint64(len(encoded))
		metrics.TunnelBackpressureBytes.Add(float64(len(encoded)))
	default:
	}
}

// Run drives the read and write pumps until ctx is cancelled or the
// underlying connection fails. It is the session's only blocking entry
// point and owns the connection's lifetime.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.fakeTraffic.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- s.writePump(ctx) }()
	go func() { errCh <- s.readPump(ctx) }()

	select {
	case err := <-errCh:
		s.Close()
		if s.OnClose != nil {
			s.OnClose(err)
		}
		return err
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (s *Session) writePump(ctx context.Context) error {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return errs.New(errs.Unavailable, "session closed")
		case msg := <-s.out:
			metrics.TunnelBackpressureBytes.Sub(float64(len(msg)))
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return errs.Wrap(errs.Unavailable, "write tunnel message", err)
			}
		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return errs.Wrap(errs.Unavailable, "write ping", err)
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) error {
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if !s.checkAuthDeadline() {
			return errs.New(errs.Timeout, "session never authenticated within deadline")
		}

		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return errs.Wrap(errs.Unavailable, "read tunnel message", err)
		}

		s.mu.Lock()
		offset := s.readOffset
		s.readOffset += uint64(len(payload))
		s.mu.Unlock()

		unmasked := append([]byte(nil), payload...)
		s.mask.Apply(unmasked, offset)

		f, err := frame.Decode(unmasked)
		if err != nil {
			continue // malformed frame: drop, never let one bad frame kill the session
		}
		if s.frameReplay != nil {
			if seenBefore := s.frameReplay.CheckAndStore(f.UUID); seenBefore {
				metrics.ReplayRejections.WithLabelValues("frame_uuid").Inc()
				continue // spec §3: a repeated frame UUID within the window is dropped, not delivered
			}
		}
		if s.OnFrame != nil {
			s.OnFrame(f)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Session) checkAuthDeadline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticated {
		return true
	}
	return time.Now().Before(s.authDeadline)
}

// Close shuts the session down idempotently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.conn.Close()
	})
}

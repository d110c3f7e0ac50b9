package exitdispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ocx/tunnelmesh/internal/circuitbreaker"
	"github.com/ocx/tunnelmesh/internal/errs"
)

// Pool maintains one multiplexed TLS connection per exit node address,
// dialed with the cluster's mTLS identity (internal/identity), and demuxes
// each exit's framed responses back to the conn_id-keyed channel a
// dispatcher registered (spec §4.10: "maintains a pool of multiplexed
// mutually-authenticated streams to each catalogued exit").
//
// Dialing a fresh connection to an address is gated by a per-address
// circuit breaker: a run of failed dials trips it, so a dead exit fails
// dispatch immediately instead of re-paying the TCP/TLS dial timeout on
// every conn_id that tries to use it until the Catalogue's slower
// probe-driven health classifier catches up.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*poolConn
	tlsConf  *tls.Config
	log      *slog.Logger
	breakers *circuitbreaker.Manager
}

// poolConn is one dialed exit connection, shared by every conn_id
// currently dispatched to that address.
type poolConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	returns map[uint64]chan []byte
}

// NewPool builds a pool dialing exits with tlsConf (typically from
// identity.Verifier.ExitTLSConfig).
func NewPool(tlsConf *tls.Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = func(address string, from, to circuitbreaker.State) {
		log.Warn("exitdispatch: exit dial circuit breaker changed state", "event", "pool_breaker_state", "address", address, "from", from.String(), "to", to.String())
	}
	return &Pool{
		entries:  make(map[string]*poolConn),
		tlsConf:  tlsConf,
		log:      log,
		breakers: circuitbreaker.NewManager(breakerCfg),
	}
}

func (p *Pool) get(ctx context.Context, address string) (*poolConn, error) {
	p.mu.Lock()
	if pc, ok := p.entries[address]; ok {
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	cb := p.breakers.Get(address)
	result, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		dialer := &tls.Dialer{Config: p.tlsConf}
		return dialer.DialContext(ctx, "tcp", address)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, errs.Wrap(errs.Unavailable, "exit node dial circuit open", err)
		}
		return nil, errs.Wrap(errs.Unavailable, "dial exit node", err)
	}
	conn := result.(net.Conn)
	pc := &poolConn{conn: conn, returns: make(map[uint64]chan []byte)}

	p.mu.Lock()
	p.entries[address] = pc
	p.mu.Unlock()

	go p.readLoop(address, pc)
	return pc, nil
}

// readLoop demuxes pc's framed responses by conn_id, delivering each chunk
// to the channel Returns registered for it. Chunks for a conn_id nobody is
// listening for (e.g. the local side already tore it down) are dropped.
func (p *Pool) readLoop(address string, pc *poolConn) {
	defer p.evict(address, pc)
	for {
		hdr, err := ReadHeader(pc.conn)
		if err != nil {
			return
		}
		payload := make([]byte, hdr.PayloadLen)
		if _, err := io.ReadFull(pc.conn, payload); err != nil {
			return
		}
		pc.mu.Lock()
		ch, ok := pc.returns[hdr.ConnID]
		pc.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- payload:
		default: // slow reader: drop rather than block the shared stream
		}
	}
}

func (p *Pool) evict(address string, pc *poolConn) {
	p.mu.Lock()
	if cur, ok := p.entries[address]; ok && cur == pc {
		delete(p.entries, address)
	}
	p.mu.Unlock()

	pc.mu.Lock()
	for id, ch := range pc.returns {
		close(ch)
		delete(pc.returns, id)
	}
	pc.mu.Unlock()
	pc.conn.Close()
}

// Drop closes and evicts the pooled connection to address, e.g. after a
// magic-mismatch or I/O error makes it untrustworthy.
func (p *Pool) Drop(address string) {
	p.mu.Lock()
	pc, ok := p.entries[address]
	delete(p.entries, address)
	p.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// Ping implements the Pinger interface used by HealthLoop: it opens (or
// reuses) a stream, writes a zero-payload header for conn_id 0 (reserved),
// and measures the time to get the connection established and writable —
// a cheap liveness probe without needing a real exit-side pong frame.
func (p *Pool) Ping(ctx context.Context, address string) (time.Duration, error) {
	start := time.Now()
	pc, err := p.get(ctx, address)
	if err != nil {
		return 0, err
	}
	deadline, ok := ctx.Deadline()
	if ok {
		_ = pc.conn.SetWriteDeadline(deadline)
	}
	hdr := EncodeHeader(Header{ConnID: 0})
	pc.writeMu.Lock()
	_, err = pc.conn.Write(hdr)
	pc.writeMu.Unlock()
	if err != nil {
		p.Drop(address)
		return 0, errs.Wrap(errs.Unavailable, "probe write to exit node", err)
	}
	return time.Since(start), nil
}

// Returns registers (or returns the existing) channel that will receive
// address's framed responses for connID, until Release is called. The
// caller must drain it or responses will be dropped once it's full.
func (p *Pool) Returns(ctx context.Context, address string, connID uint64) (<-chan []byte, error) {
	pc, err := p.get(ctx, address)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	ch, ok := pc.returns[connID]
	if !ok {
		ch = make(chan []byte, 64)
		pc.returns[connID] = ch
	}
	pc.mu.Unlock()
	return ch, nil
}

// Release stops routing address's responses for connID and closes its
// channel, once the logical connection this conn_id named is torn down.
func (p *Pool) Release(address string, connID uint64) {
	p.mu.Lock()
	pc, ok := p.entries[address]
	p.mu.Unlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	if ch, ok := pc.returns[connID]; ok {
		close(ch)
		delete(pc.returns, connID)
	}
	pc.mu.Unlock()
}

// Dispatch opens the given conn_id/target against the exit at address and
// streams payload to it, framed per the exit-ward wire protocol. The
// caller should have already called Returns for connID if it wants the
// reply stream.
func (p *Pool) Dispatch(ctx context.Context, address string, h Header, payload []byte) error {
	pc, err := p.get(ctx, address)
	if err != nil {
		return err
	}
	h.PayloadLen = uint32(len(payload))
	buf := append(EncodeHeader(h), payload...)

	pc.writeMu.Lock()
	_, err = pc.conn.Write(buf)
	pc.writeMu.Unlock()
	if err != nil {
		p.Drop(address)
		return errs.Wrap(errs.Unavailable, "dispatch to exit node", err)
	}
	return nil
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolConn)
	p.mu.Unlock()
	for _, pc := range entries {
		pc.conn.Close()
	}
}

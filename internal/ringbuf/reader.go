// Package ringbuf consumes per-socket RTT/retransmit samples from a kernel
// eBPF probe attached to the exit process's egress sockets, feeding C10's
// EWMA latency tracker and health classifier with a signal independent of
// the application-level ping/pong probe loop (spec §4.10).
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Sample mirrors the C struct emitted by the attached probe:
// u32 tenant_id_hash (here: exit node id hash), u32 rtt_us, u32 retransmits.
type Sample struct {
	NodeIDHash  uint32
	RTTMicros   uint32
	Retransmits uint32
}

// SampleSink receives decoded kernel RTT samples. internal/exitdispatch's
// health tracker implements this to fold kernel-observed latency into its
// EWMA alongside the application-level probe loop.
type SampleSink interface {
	ObserveKernelSample(s Sample)
}

// Reader drains a pinned eBPF ring buffer map of per-socket samples.
type Reader struct {
	ring *ringbuf.Reader
	sink SampleSink
}

// NewReader lifts the memlock rlimit and returns a Reader with no ring
// buffer attached; it opens no map. Without a
// generated bpf2go binding (not produced in this build), the ring buffer is
// left nil and Start becomes a no-op — the exit process still classifies
// health from its own ping/pong loop, per spec §4.10, just without the
// kernel-level signal.
func NewReader(sink SampleSink) (*Reader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}
	return &Reader{sink: sink}, nil
}

// Start drains samples until the ring buffer closes. Safe to call when no
// ring buffer is attached (mock/dev mode).
func (r *Reader) Start() {
	if r.ring == nil {
		slog.Warn("ringbuf: no eBPF ring buffer attached, kernel RTT sampling disabled", "event", "ringbuf_mock_mode")
		return
	}

	go func() {
		for {
			record, err := r.ring.Read()
			if err != nil {
				if err == ringbuf.ErrClosed {
					return
				}
				slog.Warn("ringbuf: read error", "event", "ringbuf_read_error", "error", err)
				continue
			}
			if len(record.RawSample) < 12 {
				continue
			}
			s := Sample{
				NodeIDHash:  binary.LittleEndian.Uint32(record.RawSample[0:4]),
				RTTMicros:   binary.LittleEndian.Uint32(record.RawSample[4:8]),
				Retransmits: binary.LittleEndian.Uint32(record.RawSample[8:12]),
			}
			r.sink.ObserveKernelSample(s)
		}
	}()
}

// Close releases the ring buffer, if attached.
func (r *Reader) Close() error {
	if r.ring == nil {
		return nil
	}
	return r.ring.Close()
}

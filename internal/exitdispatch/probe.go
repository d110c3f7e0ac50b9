package exitdispatch

import (
	"context"
	"log/slog"
	"time"
)

// ProbeInterval and ProbeTimeout are spec §4.10/§5's fixed health-probe
// cadence and per-probe budget.
const (
	ProbeInterval = 10 * time.Second
	ProbeTimeout  = 2 * time.Second
)

// Pinger issues one health probe against an exit node's address and
// reports round-trip latency on success. The dispatcher's connection pool
// (pool.go) implements this over a pooled stream.
type Pinger interface {
	Ping(ctx context.Context, address string) (time.Duration, error)
}

// HealthLoop runs the recurring probe cycle (spec §4.10: "every 10s issue
// a ping frame") against every catalogued node until ctx is cancelled.
type HealthLoop struct {
	catalogue *Catalogue
	pinger    Pinger
	log       *slog.Logger
}

func NewHealthLoop(catalogue *Catalogue, pinger Pinger, log *slog.Logger) *HealthLoop {
	if log == nil {
		log = slog.Default()
	}
	return &HealthLoop{catalogue: catalogue, pinger: pinger, log: log}
}

// Run blocks, probing every ProbeInterval, until ctx is cancelled.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

func (h *HealthLoop) probeAll(ctx context.Context) {
	for _, n := range h.catalogue.All() {
		node := n
		go h.probeOne(ctx, node)
	}
}

func (h *HealthLoop) probeOne(ctx context.Context, n Snapshot) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	start := time.Now()
	_, err := h.pinger.Ping(probeCtx, n.Address)
	latency := time.Since(start)

	if err != nil {
		h.log.Warn("exitdispatch: probe failed", "event", "exit_probe_failure", "node_id", n.ID, "error", err)
		h.catalogue.Observe(n.ID, false, 0)
		return
	}
	h.catalogue.Observe(n.ID, true, float64(latency.Microseconds()))
}

package export

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/tunnelmesh/internal/registry"
)

// Registry is the subset of *registry.Registry the sweep needs — a local
// read of every replicated connection record (spec: "reads sealed
// segments... oldest unexported first"), plus durable storage for the
// sweep's own export cursor so it survives a process restart.
type Registry interface {
	All() []registry.ConnectionRecord
	ExportCursor() uint64
	PersistExportCursor(cursor uint64) error
}

// Sweeper periodically exports every closed connection record to Postgres
// and publishes the same batch to Pub/Sub for streaming consumers.
type Sweeper struct {
	reg      Registry
	writer   *Writer
	topic    *pubsub.Topic
	interval time.Duration
	log      *slog.Logger

	// cursor caches the highest conn_id exported so far for fast reads; it
	// is seeded from reg.ExportCursor() at construction and write-through
	// persisted via reg.PersistExportCursor on every advance, so a restart
	// resumes past already-exported records rather than re-sweeping from
	// scratch.
	cursor atomic.Uint64
}

// NewSweeper builds a Sweeper, resuming its cursor from reg's durable
// store. topic may be nil to skip Pub/Sub fan-out (e.g. in tests or
// single-node deployments without GCP configured).
func NewSweeper(reg Registry, writer *Writer, topic *pubsub.Topic, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	s := &Sweeper{reg: reg, writer: writer, topic: topic, interval: interval, log: log}
	s.cursor.Store(reg.ExportCursor())
	return s
}

// Run ticks every s.interval until ctx is cancelled, exporting the accrued
// batch of closed connections on each tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("export: sweep failed", "event", "export_sweep_error", "error", err)
			}
		}
	}
}

// SweepOnce performs a single export pass: gathers every closed connection
// record, upserts the batch, advances the cursor, and publishes to Pub/Sub.
// Re-sweeping a record already past the cursor is harmless (the upsert is
// idempotent) but SweepOnce skips it to keep steady-state batches small.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	records := s.reg.All()
	cursor := s.cursor.Load()

	rows := make([]Row, 0, len(records))
	var maxSeen uint64
	for _, rec := range records {
		if rec.ConnID <= cursor {
			continue
		}
		row, ok := FromRecord(rec)
		if !ok {
			continue
		}
		rows = append(rows, row)
		if rec.ConnID > maxSeen {
			maxSeen = rec.ConnID
		}
	}
	if len(rows) == 0 {
		return nil
	}

	if err := s.writer.UpsertBatch(ctx, rows); err != nil {
		return err
	}
	if maxSeen > cursor {
		if err := s.reg.PersistExportCursor(maxSeen); err != nil {
			return err
		}
		s.cursor.Store(maxSeen)
	}

	s.publishBatch(ctx, rows)
	s.log.Info("export: swept batch", "event", "export_sweep_ok", "rows", len(rows))
	return nil
}

func (s *Sweeper) publishBatch(ctx context.Context, rows []Row) {
	if s.topic == nil {
		return
	}
	for _, r := range rows {
		payload, err := encodeRow(r)
		if err != nil {
			s.log.Warn("export: encode row for pubsub failed", "conn_id", r.ConnID, "error", err)
			continue
		}
		result := s.topic.Publish(ctx, &pubsub.Message{Data: payload})
		go func(connID uint64) {
			if _, err := result.Get(context.Background()); err != nil {
				s.log.Warn("export: pubsub publish failed", "conn_id", connID, "error", err)
			}
		}(r.ConnID)
	}
}

package registry

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/store"
)

// exportCursorKey is the store key the batch export sweep (C12) persists
// its high-water conn_id under. It's longer than the 8-byte big-endian
// keys connection records are addressed under (see key), so it can never
// collide with a real conn_id, and All's len(k) != 8 filter already skips
// it during a full-store scan.
var exportCursorKey = []byte("__export_cursor__")

func parseTimeOrZero(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ExitCatalogueSink receives EXIT_CATALOGUE deltas as they apply in
// consensus order, so the exit dispatcher's in-memory catalogue (C10)
// stays a pure projection of the replicated log rather than a second
// source of truth.
type ExitCatalogueSink interface {
	Apply(delta ExitDelta)
}

// Registry is the per-node replicated view: a deterministic state machine
// over the MVCC store (C8), fed one committed command at a time by a
// consensus Node's Apply callback (spec §4.9 — "apply is deterministic").
type Registry struct {
	store   *store.Store
	catalog ExitCatalogueSink
	log     *slog.Logger

	// applied counts committed entries this Registry has applied. Every
	// replica processes the same command sequence in the same order
	// (spec §8 Consensus safety), so this counter is a stable, cluster-
	// wide-consistent stand-in for "the log index that last touched this
	// record" without needing the raft index threaded through Apply's
	// func([]byte) signature.
	applied atomic.Uint64
}

// New builds a Registry writing into st. catalog may be nil if this node
// doesn't run an exit dispatcher (e.g. a pure store replica).
func New(st *store.Store, catalog ExitCatalogueSink, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: st, catalog: catalog, log: log}
}

// Apply is the consensus.Apply callback (consensus.Apply's func([]byte)
// signature): invoked once per committed log entry, in log order,
// identically on every replica (spec §4.9, §8 Consensus safety). The
// record's TxnID is stamped from the Registry's own count of applied
// entries (r.applied), not from the MVCC store's version or the raft log
// index.
func (r *Registry) Apply(command []byte) {
	txnID := r.applied.Add(1)

	cmd, err := Decode(command)
	if err != nil {
		r.log.Warn("registry: dropping undecodable committed command", "event", "registry_decode_error", "txn_id", txnID, "error", err)
		return
	}

	switch cmd.Op {
	case OpInsert:
		r.applyInsert(txnID, cmd)
	case OpUpdate:
		r.applyUpdate(txnID, cmd)
	case OpDelete:
		r.applyDelete(cmd)
	case OpExitCatalogue:
		r.applyExitDelta(cmd)
	default:
		r.log.Warn("registry: unknown committed op", "event", "registry_unknown_op", "op", cmd.Op)
	}
}

func (r *Registry) applyInsert(txnID uint64, cmd Command) {
	if cmd.Record == nil {
		return
	}
	rec := *cmd.Record
	if rec.State == StateNew && rec.CreatedAt.IsZero() {
		rec.State = StateNew
	}
	rec.TxnID = txnID
	r.putLocked(rec)
}

func (r *Registry) applyUpdate(txnID uint64, cmd Command) {
	rec, err := r.getLocked(cmd.ConnID)
	if err != nil {
		r.log.Warn("registry: update on unknown conn_id", "event", "registry_update_miss", "conn_id", cmd.ConnID)
		return
	}
	applyFields(&rec, cmd.Fields)
	rec.TxnID = txnID
	r.putLocked(rec)
}

func (r *Registry) applyDelete(cmd Command) {
	if _, err := r.store.Delete(key(cmd.ConnID)); err != nil {
		r.log.Error("registry: delete failed", "event", "registry_store_io", "conn_id", cmd.ConnID, "error", err)
	}
}

func (r *Registry) applyExitDelta(cmd Command) {
	if cmd.Delta == nil {
		return
	}
	if r.catalog != nil {
		r.catalog.Apply(*cmd.Delta)
	}
}

func (r *Registry) putLocked(rec ConnectionRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		r.log.Error("registry: marshal failed", "event", "registry_encode_error", "conn_id", rec.ConnID, "error", err)
		return
	}
	if _, err := r.store.Put(key(rec.ConnID), b); err != nil {
		r.log.Error("registry: put failed", "event", "registry_store_io", "conn_id", rec.ConnID, "error", err)
	}
}

func (r *Registry) getLocked(connID uint64) (ConnectionRecord, error) {
	b, err := r.store.Get(key(connID))
	if err != nil {
		return ConnectionRecord{}, err
	}
	var rec ConnectionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return ConnectionRecord{}, errs.Wrap(errs.Consistency, "decode connection record", err)
	}
	return rec, nil
}

// Lookup serves a local read (spec §4.8: "C8 serves reads locally without
// consensus traffic"); on a follower this may be stale relative to the
// leader's latest commit, which spec §4.9 explicitly allows.
func (r *Registry) Lookup(connID uint64) (ConnectionRecord, error) {
	rec, err := r.getLocked(connID)
	if err != nil {
		if err == store.ErrNotFound {
			return ConnectionRecord{}, errs.New(errs.Malformed, "connection record not found")
		}
		return ConnectionRecord{}, errs.Wrap(errs.StoreIO, "lookup connection record", err)
	}
	return rec, nil
}

// PersistExportCursor durably records cursor, the highest conn_id the
// batch export sweep (C12) has exported so far, so a restart resumes past
// already-exported records instead of re-sweeping the whole store. It
// rides the same MVCC store every connection record does, so it survives
// a restart exactly as durably as the records it's tracking.
func (r *Registry) PersistExportCursor(cursor uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], cursor)
	_, err := r.store.Put(exportCursorKey, b[:])
	if err != nil {
		return errs.Wrap(errs.StoreIO, "persist export cursor", err)
	}
	return nil
}

// ExportCursor reads back the highest conn_id the batch export sweep has
// exported, or 0 if it has never run against this store.
func (r *Registry) ExportCursor() uint64 {
	b, err := r.store.Get(exportCursorKey)
	if err != nil || len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// applyFields merges a sparse field-update map (as produced by
// the Update helper) onto rec. Unknown field names are ignored rather
// than erroring — forward-compatible with future fields proposed by a
// newer handler version in a mixed-version rolling upgrade.
func applyFields(rec *ConnectionRecord, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "state":
			if f, ok := v.(float64); ok {
				rec.State = ConnState(int(f))
			}
		case "exit_node_id":
			if s, ok := v.(string); ok {
				rec.ExitNodeID = s
			}
		case "bytes_in":
			if f, ok := v.(float64); ok {
				rec.BytesIn = uint64(f)
			}
		case "bytes_out":
			if f, ok := v.(float64); ok {
				rec.BytesOut = uint64(f)
			}
		case "last_activity_at":
			if s, ok := v.(string); ok {
				rec.LastActivityAt = parseTimeOrZero(s)
			}
		case "close_reason":
			if s, ok := v.(string); ok {
				rec.CloseReason = s
			}
		}
	}
}

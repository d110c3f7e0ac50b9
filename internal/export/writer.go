// Package export implements C12 (spec §6, promoted): the periodic batch
// export of closed connection records to durable downstream storage and
// streaming consumers, grounded on the teacher's lib/pq savepoint manager
// (internal/gvisor/database_state.go) for the database/sql + lib/pq wiring.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/registry"
)

// Row is the export tuple named by spec: one row per closed connection.
type Row struct {
	ConnID       uint64
	UserFP       string
	CreatedAt    time.Time
	EndedAt      time.Time
	BytesIn      uint64
	BytesOut     uint64
	ExitNode     string
	CloseReason  string
}

// FromRecord converts a registry.ConnectionRecord into its export row. Only
// closed connections are export candidates (spec: "sealed segments" — in
// the live registry, a closed record is the in-process equivalent).
func FromRecord(rec registry.ConnectionRecord) (Row, bool) {
	if rec.State != registry.StateClosed {
		return Row{}, false
	}
	return Row{
		ConnID:      rec.ConnID,
		UserFP:      rec.ClientFP,
		CreatedAt:   rec.CreatedAt,
		EndedAt:     rec.LastActivityAt,
		BytesIn:     rec.BytesIn,
		BytesOut:    rec.BytesOut,
		ExitNode:    rec.ExitNodeID,
		CloseReason: rec.CloseReason,
	}, true
}

// Writer upserts export rows into Postgres, keyed on conn_id so a record
// re-swept after a later byte-count update simply overwrites its row
// (idempotent — spec: "idempotently upserts... ON CONFLICT DO UPDATE").
type Writer struct {
	db *sql.DB
}

// NewWriter opens (and pings) the Postgres connection addressed by dsn.
func NewWriter(dsn string) (*Writer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.StoreIO, "open export database", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.StoreIO, "ping export database", err)
	}
	return &Writer{db: db}, nil
}

const upsertSQL = `
INSERT INTO connection_exports
	(conn_id, user_fp, created_at, ended_at, bytes_in, bytes_out, exit_node, close_reason)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (conn_id) DO UPDATE SET
	ended_at     = EXCLUDED.ended_at,
	bytes_in     = EXCLUDED.bytes_in,
	bytes_out    = EXCLUDED.bytes_out,
	exit_node    = EXCLUDED.exit_node,
	close_reason = EXCLUDED.close_reason
`

// UpsertBatch writes every row in one transaction, so a sweep either lands
// in full or not at all and can be retried safely from the same cursor.
func (w *Writer) UpsertBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.StoreIO, "begin export transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return errs.Wrap(errs.StoreIO, "prepare export upsert", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ConnID, r.UserFP, r.CreatedAt, r.EndedAt,
			r.BytesIn, r.BytesOut, r.ExitNode, r.CloseReason); err != nil {
			return errs.Wrap(errs.StoreIO, fmt.Sprintf("upsert export row conn_id=%d", r.ConnID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StoreIO, "commit export transaction", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (w *Writer) Close() error {
	return w.db.Close()
}

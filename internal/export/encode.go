package export

import (
	"encoding/json"
	"time"
)

type wireRow struct {
	ConnID      uint64 `json:"conn_id"`
	UserFP      string `json:"user_fingerprint"`
	CreatedAt   string `json:"created_at"`
	EndedAt     string `json:"ended_at"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	ExitNode    string `json:"exit_node"`
	CloseReason string `json:"close_reason"`
}

func encodeRow(r Row) ([]byte, error) {
	return json.Marshal(wireRow{
		ConnID:      r.ConnID,
		UserFP:      r.UserFP,
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:     r.EndedAt.UTC().Format(time.RFC3339Nano),
		BytesIn:     r.BytesIn,
		BytesOut:    r.BytesOut,
		ExitNode:    r.ExitNode,
		CloseReason: r.CloseReason,
	})
}

package registry

import (
	"encoding/binary"
	"encoding/json"
	"sort"
)

// All returns every live connection record this node's store holds,
// sorted by conn_id ascending — the order the batch export sweep (C12)
// and operator `cluster stats` (C11) consume it in.
func (r *Registry) All() []ConnectionRecord {
	raw := r.store.Scan()
	out := make([]ConnectionRecord, 0, len(raw))
	for k, v := range raw {
		if len(k) != 8 {
			continue
		}
		var rec ConnectionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		rec.ConnID = binary.BigEndian.Uint64([]byte(k))
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

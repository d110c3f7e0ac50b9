package store

// Compact merges multiple sealed segments into one, keeping only the
// newest version of each key and dropping tombstones whose delete is older
// than every remaining reader's snapshot (keepTombstonesAbove). This bounds
// segment count growth under sustained write load (spec §4.8).
func Compact(segments []*Segment, keepTombstonesAbove uint64) *Segment {
	latest := make(map[string]segmentEntry)
	var order [][]byte

	for _, seg := range segments {
		seg.mu.RLock()
		for _, e := range seg.entries {
			k := string(e.key)
			cur, exists := latest[k]
			if !exists {
				order = append(order, e.key)
				latest[k] = e
				continue
			}
			if e.version > cur.version {
				latest[k] = e
			}
		}
		seg.mu.RUnlock()
	}

	out := &Segment{sealed: true}
	out.filter = newBloom(len(order), 4)
	for _, k := range order {
		e := latest[string(k)]
		if e.tombstone && e.version < keepTombstonesAbove {
			continue // safe to drop: no live reader's snapshot can predate this delete
		}
		out.entries = append(out.entries, e)
		out.filter.add(e.key)
		if out.minVer == 0 || e.version < out.minVer {
			out.minVer = e.version
		}
		if e.version > out.maxVer {
			out.maxVer = e.version
		}
	}
	sortSegmentEntries(out.entries)
	out.ID = segmentID(out.entries)
	return out
}

func sortSegmentEntries(entries []segmentEntry) {
	// insertion sort is fine: this runs once per compaction over segments
	// that are already mostly ordered (each input segment was itself
	// sorted), so the common case is near-linear.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && lessKey(entries[j].key, entries[j-1].key); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func lessKey(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

package store

import (
	"bytes"
	"sort"
	"sync"
)

// segmentEntry is one key's final value within a sealed segment.
type segmentEntry struct {
	key       []byte
	value     []byte
	version   uint64
	tombstone bool
}

// Segment is an immutable, sorted, sealed run of key/value pairs produced
// by sealing the active in-memory index or by compacting older segments.
// Once sealed a Segment is never mutated again — only superseded by a
// compaction that produces a new Segment and retires its inputs.
type Segment struct {
	mu sync.RWMutex

	// ID content-addresses this segment's sorted entries (see segmentID),
	// naming its on-disk file under the store's segments/ directory and
	// the pointer a read returns (spec §8 scenario 5: "its pointer
	// references the sealed segment id").
	ID      string
	entries []segmentEntry
	filter  *bloom
	sealed  bool
	minVer  uint64
	maxVer  uint64
}

// SealFromIndex snapshots ix into a new sealed Segment. Only the newest
// version of each key as of snapshot is retained; older versions are
// dropped since no live reader can see behind a sealed segment's own
// snapshot boundary.
func SealFromIndex(ix *index, snapshot uint64) *Segment {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seg := &Segment{sealed: true}
	seg.filter = newBloom(len(ix.keys), 4)

	for _, k := range ix.keys {
		versions := ix.history[string(k)]
		var best *versionedValue
		for i := range versions {
			v := &versions[i]
			if v.version > snapshot {
				continue
			}
			if best == nil || v.version > best.version {
				best = v
			}
		}
		if best == nil {
			continue
		}
		seg.entries = append(seg.entries, segmentEntry{
			key: append([]byte(nil), k...), value: best.value,
			version: best.version, tombstone: best.tombstone,
		})
		seg.filter.add(k)
		if seg.minVer == 0 || best.version < seg.minVer {
			seg.minVer = best.version
		}
		if best.version > seg.maxVer {
			seg.maxVer = best.version
		}
	}
	seg.ID = segmentID(seg.entries)
	return seg
}

// all returns every live (non-tombstoned) key/value pair in this segment,
// for full-store scans (export, stats). Seal and compaction keep tombstone
// entries in the segment, so this skips them; it does not say whether a
// newer layer holds a tombstone for a key it returns.
func (s *Segment) all() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.entries))
	for _, e := range s.entries {
		if e.tombstone {
			continue
		}
		out[string(e.key)] = e.value
	}
	return out
}

// Get performs a point lookup within this segment only.
func (s *Segment) Get(key []byte) (value []byte, found bool, tombstoned bool) {
	if !s.filter.mightContain(key) {
		return nil, false, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].key, key) >= 0
	})
	if i < len(s.entries) && bytes.Equal(s.entries[i].key, key) {
		e := s.entries[i]
		return e.value, true, e.tombstone
	}
	return nil, false, false
}

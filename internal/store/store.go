package store

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned for a missing or tombstoned key. It is a plain
// sentinel rather than an errs.Kind: a missing key is an expected outcome
// of a lookup, not a store-health condition, so it must never trip
// errs.PoisonsStore.
var ErrNotFound = errors.New("store: key not found")

// sealThreshold is the number of live index entries at which the active
// in-memory index is sealed into an immutable segment and a fresh index
// takes over writes.
const sealThreshold = 4096

// Store is the MVCC log-structured store (spec §4.8): writes land in the
// WAL and the active index; reads consult the active index, then sealed
// segments newest-first, stopping at the first hit. Sealed segments and
// the manifest naming them are durable on disk under dir (spec §6); only
// the active index lives purely in memory, rebuilt on Open by replaying
// the WAL records the manifest doesn't already account for.
type Store struct {
	mu sync.RWMutex

	wal      *WAL
	active   *index
	sealed   []*Segment
	manifest *manifest
	version  atomic.Uint64

	dir string
}

// Open opens or creates a store rooted at dir: it loads the manifest and
// the sealed segment files it names, then replays the WAL starting after
// the manifest's highest applied log index into a fresh active index, so
// records already durable in a sealed segment are never double-counted.
func Open(dir string) (*Store, error) {
	s := &Store{active: newIndex(), dir: dir}

	mf, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	for _, id := range mf.SegmentIDs {
		seg, err := loadSegmentFile(dir, id)
		if err != nil {
			return nil, err
		}
		s.sealed = append(s.sealed, seg)
		if seg.maxVer > s.version.Load() {
			s.version.Store(seg.maxVer)
		}
	}
	s.manifest = mf

	wal, err := OpenWAL(filepath.Join(dir, "wal.log"), s.replayInto(s.active, mf.HighestAppliedLog))
	if err != nil {
		return nil, err
	}
	s.wal = wal
	return s, nil
}

func (s *Store) replayInto(ix *index, skipAtOrBelow uint64) func(*WALRecord) {
	return func(rec *WALRecord) {
		if rec.Version > s.version.Load() {
			s.version.Store(rec.Version)
		}
		if rec.Version <= skipAtOrBelow {
			return // already durable in a sealed segment file named by the manifest
		}
		ix.put(rec.Key, versionedValue{
			version:   rec.Version,
			value:     rec.Value,
			tombstone: rec.Op == OpDelete,
		})
	}
}

// Put durably writes key=value as a new MVCC version and returns the
// version number assigned.
func (s *Store) Put(key, value []byte) (uint64, error) {
	return s.write(OpPut, key, value)
}

// Delete writes a tombstone for key as a new MVCC version.
func (s *Store) Delete(key []byte) (uint64, error) {
	return s.write(OpDelete, key, nil)
}

func (s *Store) write(op OpKind, key, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.version.Add(1)
	rec, err := s.wal.Append(op, key, value, version)
	if err != nil {
		return 0, err
	}

	s.active.put(key, versionedValue{version: rec.Version, value: value, tombstone: op == OpDelete})
	if len(s.active.keys) >= sealThreshold {
		if err := s.sealActiveLocked(); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// sealActiveLocked seals the active index into an immutable Segment,
// durably writes it to its content-addressed file, and atomically updates
// the manifest to name it before it's added to s.sealed — so a crash
// between the segment file and the manifest write never leaves a sealed
// segment the manifest doesn't know about, or vice versa.
func (s *Store) sealActiveLocked() error {
	snapshot := s.version.Load()
	sealed := SealFromIndex(s.active, snapshot)

	if err := writeSegmentFile(s.dir, sealed); err != nil {
		return err
	}
	ids := make([]string, 0, len(s.sealed)+1)
	for _, existing := range s.sealed {
		ids = append(ids, existing.ID)
	}
	ids = append(ids, sealed.ID)
	mf := &manifest{SegmentIDs: ids, HighestAppliedLog: sealed.maxVer}
	if err := writeManifestAtomic(s.dir, mf); err != nil {
		return err
	}

	s.manifest = mf
	s.sealed = append(s.sealed, sealed)
	s.active = newIndex()
	return nil
}

// Get reads the value for key as of the current version (read-your-writes
// within this process; cross-process snapshot isolation is out of scope
// for the embedded store — see consensus for replicated reads).
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.GetAt(key, s.version.Load())
}

// GetAt reads key as it existed at or before snapshot.
func (s *Store) GetAt(key []byte, snapshot uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, found, tombstoned := s.active.get(key, snapshot); found {
		if tombstoned {
			return nil, ErrNotFound
		}
		return v, nil
	}
	for i := len(s.sealed) - 1; i >= 0; i-- {
		if v, found, tombstoned := s.sealed[i].Get(key); found {
			if tombstoned {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// Scan returns every live (non-tombstoned) key/value pair across the
// active index and all sealed segments, newest version per key winning; a
// key whose newest version is a tombstone is left out. The result is an
// unordered map; callers that need an order sort its keys (e.g.
// registry's big-endian conn_id keys sort numerically). Used by the batch
// export sweep (C12) and operator cluster-stats reads, never on the data
// path.
func (s *Store) Scan() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.version.Load()
	out := make(map[string][]byte)
	for i := 0; i < len(s.sealed); i++ {
		for k, v := range s.sealed[i].all() {
			out[k] = v
		}
	}
	for k, v := range s.active.scan(nil, nil, snap) {
		out[k] = v
	}
	// A tombstone in a newer layer hides a live value from an older one.
	for k := range out {
		if _, found, tomb := s.active.get([]byte(k), snap); found {
			if tomb {
				delete(out, k)
			}
			continue
		}
		for i := len(s.sealed) - 1; i >= 0; i-- {
			if _, found, tomb := s.sealed[i].Get([]byte(k)); found {
				if tomb {
					delete(out, k)
				}
				break
			}
		}
	}
	return out
}

// Compact merges all sealed segments into one, dropping tombstones older
// than keepTombstonesAbove, durably writing the merged segment and
// atomically repointing the manifest at it before the retired segments'
// files are removed.
func (s *Store) Compact(keepTombstonesAbove uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sealed) < 2 {
		return nil
	}
	merged := Compact(s.sealed, keepTombstonesAbove)

	if err := writeSegmentFile(s.dir, merged); err != nil {
		return err
	}
	mf := &manifest{SegmentIDs: []string{merged.ID}, HighestAppliedLog: merged.maxVer}
	if err := writeManifestAtomic(s.dir, mf); err != nil {
		return err
	}

	retired := s.sealed
	s.manifest = mf
	s.sealed = []*Segment{merged}

	for _, old := range retired {
		if old.ID == merged.ID {
			continue
		}
		removeSegmentFile(s.dir, old.ID)
	}
	return nil
}

// CurrentVersion returns the latest assigned MVCC version.
func (s *Store) CurrentVersion() uint64 {
	return s.version.Load()
}

// Close flushes and closes the WAL.
func (s *Store) Close() error {
	return s.wal.Close()
}

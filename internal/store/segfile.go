package store

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// manifestName and segmentsDirName lay out a store directory per spec §6:
// the WAL, a segments/ subdirectory of sealed segment files, and a small
// manifest naming them.
const (
	manifestName    = "MANIFEST"
	segmentsDirName = "segments"
)

// manifest names the sealed segments a Store owns, in sealing order
// (oldest first), and the highest WAL version fully captured by them —
// WAL records at or below this version are already durable in a sealed
// segment file and are skipped on replay.
type manifest struct {
	SegmentIDs        []string `json:"segment_ids"`
	HighestAppliedLog uint64   `json:"highest_applied_log"`
}

// loadManifest reads dir's manifest, returning a zero-value manifest (no
// segments, nothing applied) if one has never been written.
func loadManifest(dir string) (*manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return &manifest{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreIO, "read manifest", err)
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errs.Wrap(errs.Consistency, "decode manifest", err)
	}
	return &m, nil
}

// writeManifestAtomic persists m using the write-to-temp, fsync, rename
// idiom spec §6 requires, so a crash mid-write never leaves a torn
// manifest for the next Open to trust.
func writeManifestAtomic(dir string, m *manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.Consistency, "encode manifest", err)
	}

	final := filepath.Join(dir, manifestName)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.StoreIO, "create manifest temp file", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errs.Wrap(errs.StoreIO, "write manifest temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.StoreIO, "fsync manifest temp file", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.StoreIO, "close manifest temp file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errs.Wrap(errs.StoreIO, "rename manifest into place", err)
	}
	return nil
}

// segmentID content-addresses seg's sorted entries with sha256, so two
// segments with identical contents (e.g. produced by a deterministic
// compaction run twice) land on the same id, and a loaded segment file can
// be checked against its own filename as an integrity check.
func segmentID(entries []segmentEntry) string {
	h := sha256.New()
	for _, e := range entries {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(e.key)))
		h.Write(lenBuf[0:4])
		h.Write(e.key)
		binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(e.value)))
		h.Write(lenBuf[0:4])
		h.Write(e.value)
		binary.LittleEndian.PutUint64(lenBuf[:], e.version)
		h.Write(lenBuf[:])
		if e.tombstone {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// segmentPath returns the on-disk path for a sealed segment file named by
// its content-addressed id.
func segmentPath(dir, id string) string {
	return filepath.Join(dir, segmentsDirName, id+".seg")
}

// writeSegmentFile durably writes seg's sorted entries to its
// content-addressed file under dir/segments/, via write-to-temp, fsync,
// rename — the same atomicity idiom as the manifest. The bloom filter
// itself is never serialized: it's a derived read-optimization rebuilt
// from entries on load, not a source of truth.
//
// Format: u32 entryCount | per entry: u32 keyLen | u32 valLen |
// u64 version | u8 tombstone | key | value.
func writeSegmentFile(dir string, seg *Segment) error {
	if err := os.MkdirAll(filepath.Join(dir, segmentsDirName), 0o700); err != nil {
		return errs.Wrap(errs.StoreIO, "create segments dir", err)
	}

	final := segmentPath(dir, seg.ID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.Wrap(errs.StoreIO, "create segment temp file", err)
	}

	w := bufio.NewWriter(f)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(seg.entries)))
	if _, err := w.Write(countBuf[:]); err != nil {
		f.Close()
		return errs.Wrap(errs.StoreIO, "write segment entry count", err)
	}
	for _, e := range seg.entries {
		if err := writeSegmentEntry(w, e); err != nil {
			f.Close()
			return errs.Wrap(errs.StoreIO, "write segment entry", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errs.Wrap(errs.StoreIO, "flush segment file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.StoreIO, "fsync segment file", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.StoreIO, "close segment temp file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errs.Wrap(errs.StoreIO, "rename segment into place", err)
	}
	return nil
}

func writeSegmentEntry(w io.Writer, e segmentEntry) error {
	var header [4 + 4 + 8 + 1]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(e.key)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(e.value)))
	binary.LittleEndian.PutUint64(header[8:16], e.version)
	if e.tombstone {
		header[16] = 1
	}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.key); err != nil {
		return err
	}
	_, err := w.Write(e.value)
	return err
}

// loadSegmentFile reads id's segment file back from dir, rebuilding its
// bloom filter from the recovered entries and verifying the file's
// content hash still matches its own filename — a corrupted or
// bit-rotted segment file is refused rather than silently served.
func loadSegmentFile(dir, id string) (*Segment, error) {
	f, err := os.Open(segmentPath(dir, id))
	if err != nil {
		return nil, errs.Wrap(errs.StoreIO, "open segment file", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errs.Wrap(errs.Consistency, "read segment entry count", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	seg := &Segment{sealed: true}
	seg.entries = make([]segmentEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := readSegmentEntry(r)
		if err != nil {
			return nil, errs.Wrap(errs.Consistency, "read segment entry", err)
		}
		seg.entries = append(seg.entries, e)
		if seg.minVer == 0 || e.version < seg.minVer {
			seg.minVer = e.version
		}
		if e.version > seg.maxVer {
			seg.maxVer = e.version
		}
	}
	sort.Slice(seg.entries, func(i, j int) bool {
		return lessKey(seg.entries[i].key, seg.entries[j].key)
	})

	if got := segmentID(seg.entries); got != id {
		return nil, errs.New(errs.Consistency, "segment file content hash does not match its id; refusing to trust it")
	}

	seg.ID = id
	seg.filter = newBloom(len(seg.entries), 4)
	for _, e := range seg.entries {
		seg.filter.add(e.key)
	}
	return seg, nil
}

func readSegmentEntry(r io.Reader) (segmentEntry, error) {
	var header [4 + 4 + 8 + 1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return segmentEntry{}, err
	}
	keyLen := binary.LittleEndian.Uint32(header[0:4])
	valLen := binary.LittleEndian.Uint32(header[4:8])
	version := binary.LittleEndian.Uint64(header[8:16])
	tombstone := header[16] == 1

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return segmentEntry{}, err
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return segmentEntry{}, err
	}
	return segmentEntry{key: key, value: value, version: version, tombstone: tombstone}, nil
}

// removeSegmentFile best-effort deletes a retired segment file once
// compaction has produced a replacement and the new manifest no longer
// names it. A failure here leaves an orphaned but harmless file behind
// rather than failing the compaction that already committed.
func removeSegmentFile(dir, id string) {
	os.Remove(segmentPath(dir, id))
}

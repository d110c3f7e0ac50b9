package obfuscate

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"math/rand"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// sizeClass is one padding bucket a framed payload can be rounded up into,
// with its draw weight from the target-size distribution (spec §4.3).
// Picking from a small, fixed set of classes is what makes frame lengths
// indistinguishable from each other on the wire; the exact byte count
// within a class carries no information.
type sizeClass struct {
	bytes  int
	weight float64
}

// sizeClasses is the spec §4.3 distribution: {512:0.40, 1024:0.20,
// 2048:0.15, 4096:0.15, 8192:0.07, 16384:0.03}. Ordered ascending by size
// so classFor's "smallest fitting class" fallback can just scan forward.
var sizeClasses = []sizeClass{
	{512, 0.40},
	{1024, 0.20},
	{2048, 0.15},
	{4096, 0.15},
	{8192, 0.07},
	{16384, 0.03},
}

// jitterFraction is the maximum fraction of a size class's width applied as
// random slack, in either direction, on top of the drawn target, so
// consecutive frames in the same class don't all land on the exact same
// final length (spec §4.3: "±10% jitter").
const jitterFraction = 0.10

// compressMinLen is the smallest plaintext length worth spending a deflate
// pass on; below it the framing overhead dominates and compression would
// only add CPU cost for no wire-size benefit.
const compressMinLen = 1024

// classFor returns the smallest size class that fits n bytes, or an error if
// n exceeds every configured class.
func classFor(n int) (int, error) {
	for _, c := range sizeClasses {
		if n <= c.bytes {
			return c.bytes, nil
		}
	}
	return 0, errs.New(errs.Malformed, "payload exceeds largest pad class")
}

// drawTargetClass picks a target size class weighted by the spec §4.3
// distribution, restricted to classes that can actually hold n bytes (the
// distribution steers typical traffic toward 512/1024, but a frame that
// doesn't fit in the drawn class still needs to land somewhere). When no
// class can hold n it returns classFor(n)'s result, which is an error.
func drawTargetClass(n int) (int, error) {
	var totalWeight float64
	for _, c := range sizeClasses {
		if n <= c.bytes {
			totalWeight += c.weight
		}
	}
	if totalWeight == 0 {
		return classFor(n)
	}

	draw := rand.Float64() * totalWeight
	for _, c := range sizeClasses {
		if n > c.bytes {
			continue
		}
		if draw < c.weight {
			return c.bytes, nil
		}
		draw -= c.weight
	}
	return classFor(n)
}

// Pad appends a u32 length-prefix trailer-free padding scheme: it writes the
// real length as a 4-byte prefix, then pads the whole thing to a
// distribution-drawn target size class plus ±10% jitter, filling the tail
// with mask-derived bytes so padding is not all-zero and not
// distinguishable from payload.
func Pad(mask *Mask, streamOffset uint64, payload []byte) ([]byte, error) {
	base := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(base, uint32(len(payload)))
	copy(base[4:], payload)

	class, err := drawTargetClass(len(base))
	if err != nil {
		return nil, err
	}
	jitter := int(float64(class) * jitterFraction * (2*rand.Float64() - 1))
	total := class + jitter
	if total < len(base) {
		total = len(base)
	}

	out := make([]byte, total)
	copy(out, base)
	tail := out[len(base):]
	mask.Apply(tail, streamOffset+uint64(len(base)))
	return out, nil
}

// Unpad reverses Pad: it reads the length prefix and returns exactly the
// original payload, discarding the padding tail.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, errs.New(errs.Malformed, "padded buffer shorter than length prefix")
	}
	n := binary.LittleEndian.Uint32(padded)
	if int(n) > len(padded)-4 {
		return nil, errs.New(errs.Malformed, "declared length exceeds padded buffer")
	}
	return padded[4 : 4+n], nil
}

// Compress deflates payload when it is large enough to be worth it,
// reporting whether compression was applied so the caller can set
// frame.FlagCompressed accordingly.
func Compress(payload []byte) (out []byte, applied bool, err error) {
	if len(payload) < compressMinLen {
		return payload, false, nil
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, false, errs.Wrap(errs.Malformed, "construct deflate writer", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false, errs.Wrap(errs.Malformed, "deflate write", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, errs.Wrap(errs.Malformed, "deflate close", err)
	}
	if buf.Len() >= len(payload) {
		// Compression didn't help (already-dense data); send raw instead of
		// paying the decompression cost on the peer for nothing.
		return payload, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress reverses Compress.
func Decompress(payload []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "inflate", err)
	}
	return out, nil
}

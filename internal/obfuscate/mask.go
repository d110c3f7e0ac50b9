// Package obfuscate implements the traffic-shaping layer that sits between
// the frame codec and the tunnel transport (spec §4.3): a rolling XOR mask,
// size-class padding, optional compression, and idle fake-traffic
// injection. None of it provides confidentiality on its own — that is
// cryptokit's job — it exists purely to make the wire stream resistant to
// passive fingerprinting.
package obfuscate

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// PeriodLen is the length of the repeating XOR mask, chosen long enough that
// a passive observer can't recover it from a handful of frames by simple
// autocorrelation.
const PeriodLen = 8192

// laneSize is the block size the mask is expanded and applied in.
const laneSize = 32

// Mask holds a PeriodLen-byte keystream derived once per session from the
// session's derived key and is applied by XOR over an absolute stream
// offset, so both directions of a full-duplex connection can mask
// independently without synchronizing calls.
type Mask struct {
	period [PeriodLen]byte
}

// NewMask derives a fresh PeriodLen-byte mask from key by expanding it with
// SHA-256 in counter mode: lane i is H(key || i), truncated/concatenated
// until PeriodLen bytes are produced. This is a traffic-shaping keystream,
// not an AEAD — it is never asked to resist chosen-ciphertext attacks.
func NewMask(key []byte) (*Mask, error) {
	if len(key) == 0 {
		return nil, errs.New(errs.Malformed, "mask key must not be empty")
	}
	m := &Mask{}
	var counter uint32
	for offset := 0; offset < PeriodLen; offset += sha256.Size {
		var ctrBuf [4]byte
		binary.LittleEndian.PutUint32(ctrBuf[:], counter)
		h := sha256.New()
		h.Write(key)
		h.Write(ctrBuf[:])
		sum := h.Sum(nil)
		copy(m.period[offset:], sum)
		counter++
	}
	return m, nil
}

// Apply XORs buf in place against the mask's keystream, starting at the
// given absolute stream offset (mod PeriodLen). Applying twice at the same
// offset is its own inverse.
func (m *Mask) Apply(buf []byte, offset uint64) {
	pos := int(offset % PeriodLen)
	for i := 0; i < len(buf); i += laneSize {
		end := i + laneSize
		if end > len(buf) {
			end = len(buf)
		}
		lane := buf[i:end]
		for j := range lane {
			lane[j] ^= m.period[pos]
			pos++
			if pos == PeriodLen {
				pos = 0
			}
		}
	}
}

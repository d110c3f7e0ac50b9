// Package frame implements the canonical wire encoding for tunnel frames:
// serialize/deserialize, checksumming, and zero-copy connection-id peeking.
//
// Layout (all multi-byte integers little-endian):
//
//	u16 len | u8 flags | u128 uuid | payload[len-21] | u32 crc32
//
// conn_id 0 is reserved for control frames; it is carried as the first eight
// bytes of the payload for DATA frames, never in the header itself.
package frame

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/ocx/tunnelmesh/internal/errs"
)

// Flag bits, per spec §3.
type Flag uint8

const (
	FlagData       Flag = 1 << 0
	FlagControl    Flag = 1 << 1
	FlagCompressed Flag = 1 << 2
	FlagFin        Flag = 1 << 3
	FlagReset      Flag = 1 << 4
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// headerFixedLen is everything counted in the on-wire "len" field except the
// payload: flags(1) + uuid(16) = 17 bytes; "len" itself is not self-counted.
const headerFixedLen = 1 + 16

// trailerLen is the trailing CRC32.
const trailerLen = 4

// minEncodedLen is the smallest possible encoded frame: len(2) + flags(1) +
// uuid(16) + crc(4), with a zero-length payload.
const minEncodedLen = 2 + headerFixedLen + trailerLen

// MaxPayloadLen is the largest payload the u16 length prefix can address:
// 2^16-1 total minus the 21 non-payload bytes (flags+uuid+crc).
const MaxPayloadLen = 0xFFFF - headerFixedLen - trailerLen

// Frame is the decoded, in-memory representation of one wire frame.
type Frame struct {
	ConnID  uint64
	Flags   Flag
	UUID    [16]byte
	Payload []byte
}

// NewDataFrame builds a DATA frame; ConnID is embedded in the first 8 bytes
// of the payload per peekConnID's contract.
func NewDataFrame(connID uint64, payload []byte) *Frame {
	full := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(full, connID)
	copy(full[8:], payload)
	id := uuid.New()
	return &Frame{ConnID: connID, Flags: FlagData, UUID: [16]byte(id), Payload: full}
}

// NewControlFrame builds a CONTROL frame (ConnID is always 0).
func NewControlFrame(payload []byte) *Frame {
	id := uuid.New()
	return &Frame{ConnID: 0, Flags: FlagControl, UUID: [16]byte(id), Payload: payload}
}

// Encode serializes f to its canonical wire representation.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, errs.New(errs.Malformed, "payload exceeds maximum frame size")
	}
	total := 2 + headerFixedLen + len(f.Payload) + trailerLen
	buf := make([]byte, total)

	binary.LittleEndian.PutUint16(buf[0:2], uint16(headerFixedLen+len(f.Payload)+trailerLen))
	buf[2] = byte(f.Flags)
	copy(buf[3:19], f.UUID[:])
	copy(buf[19:19+len(f.Payload)], f.Payload)

	crc := crc32.ChecksumIEEE(buf[2 : 19+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[19+len(f.Payload):], crc)

	return buf, nil
}

// Decode parses a canonical wire frame. It returns a Malformed error on any
// length mismatch and a Checksum-flavored Malformed error on CRC failure —
// it never returns a silently different frame for corrupted input.
func Decode(data []byte) (*Frame, error) {
	if len(data) < minEncodedLen {
		return nil, errs.New(errs.Malformed, "frame shorter than minimum size")
	}

	declaredLen := binary.LittleEndian.Uint16(data[0:2])
	rest := data[2:]
	if int(declaredLen) != len(rest) {
		return nil, errs.New(errs.Malformed, "declared length does not match buffer size")
	}
	if len(rest) < headerFixedLen+trailerLen {
		return nil, errs.New(errs.Malformed, "frame shorter than header+trailer")
	}

	body := rest[:len(rest)-trailerLen]
	wantCRC := binary.LittleEndian.Uint32(rest[len(rest)-trailerLen:])
	gotCRC := crc32.ChecksumIEEE(body)
	if gotCRC != wantCRC {
		return nil, errs.New(errs.Malformed, "crc32 mismatch")
	}

	f := &Frame{}
	f.Flags = Flag(body[0])
	copy(f.UUID[:], body[1:17])
	f.Payload = append([]byte(nil), body[17:]...)

	if !f.Flags.Has(FlagControl) && f.Flags.Has(FlagData) {
		if len(f.Payload) < 8 {
			return nil, errs.New(errs.Malformed, "data frame payload shorter than embedded conn_id")
		}
		f.ConnID = binary.LittleEndian.Uint64(f.Payload[:8])
	}
	if f.Flags.Has(FlagControl) {
		f.ConnID = 0
	}

	return f, nil
}

// PeekConnID inspects the first eight payload bytes of an encoded DATA frame
// without allocating or decoding the rest of the frame.
func PeekConnID(data []byte) (uint64, error) {
	if len(data) < minEncodedLen {
		return 0, errs.New(errs.Malformed, "frame shorter than minimum size")
	}
	flags := Flag(data[2])
	if flags.Has(FlagControl) {
		return 0, nil
	}
	payloadStart := 2 + headerFixedLen
	if len(data) < payloadStart+8 {
		return 0, errs.New(errs.Malformed, "frame too short to contain conn_id")
	}
	return binary.LittleEndian.Uint64(data[payloadStart : payloadStart+8]), nil
}

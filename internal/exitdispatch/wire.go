// wire.go implements the handler<->exit framed header (spec §4.10, §6):
//
//	u32 magic=0xDEADBEEF; u64 conn_id; (family u8)(addr [16]byte)(port u16); u32 payload_len; payload
//
// The magic is validated on every header parse; any mismatch closes the
// stream (spec §4.10 — "magic is validated, any mismatch closes the
// stream").
package exitdispatch

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/ocx/tunnelmesh/internal/errs"
)

const wireMagic uint32 = 0xDEADBEEF

const (
	FamilyIPv4 uint8 = 4
	FamilyIPv6 uint8 = 6
)

// Header is one exit-ward dispatch header: which conn_id this payload
// belongs to and the target it should be egressed to (only meaningful on
// the first header of a connection; subsequent headers for the same
// conn_id repeat the same target for framing simplicity).
type Header struct {
	ConnID     uint64
	Family     uint8
	Addr       [16]byte
	Port       uint16
	PayloadLen uint32
}

// TargetAddr renders the header's address/port as a net.Addr-shaped
// string, for logging and dial calls.
func (h Header) TargetAddr() string {
	var ip net.IP
	if h.Family == FamilyIPv4 {
		ip = net.IP(h.Addr[:4])
	} else {
		ip = net.IP(h.Addr[:])
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(h.Port)))
}

const headerWireLen = 4 + 8 + 1 + 16 + 2 + 4

// EncodeHeader serializes a Header to its wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerWireLen)
	binary.BigEndian.PutUint32(buf[0:4], wireMagic)
	binary.BigEndian.PutUint64(buf[4:12], h.ConnID)
	buf[12] = h.Family
	copy(buf[13:29], h.Addr[:])
	binary.BigEndian.PutUint16(buf[29:31], h.Port)
	binary.BigEndian.PutUint32(buf[31:35], h.PayloadLen)
	return buf
}

// ReadHeader reads and validates one header from r. A magic mismatch is
// reported as errs.Malformed; the caller must close the stream on any
// error per spec §4.10.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, errs.Wrap(errs.Malformed, "read exit dispatch header", err)
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != wireMagic {
		return Header{}, errs.New(errs.Malformed, "exit dispatch header magic mismatch")
	}
	h := Header{
		ConnID: binary.BigEndian.Uint64(buf[4:12]),
		Family: buf[12],
	}
	copy(h.Addr[:], buf[13:29])
	h.Port = binary.BigEndian.Uint16(buf[29:31])
	h.PayloadLen = binary.BigEndian.Uint32(buf[31:35])
	return h, nil
}

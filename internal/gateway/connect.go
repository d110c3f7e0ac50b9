package gateway

import (
	"encoding/binary"
	"net"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/exitdispatch"
)

// connectRequest is the payload shape a client sends on the reserved
// conn_id-0 "open a new target" frame: a client-chosen correlation number
// the handler echoes back in CtrlConnAck once it has allocated a real
// conn_id, followed by the same family/addr/port fields the exit-ward
// wire header carries, followed by whatever application bytes the client
// already has buffered to send.
//
//	u64 request_seq | u8 family | [16]byte addr | u16 port | payload...
const connectHeaderLen = 8 + 1 + 16 + 2

// parseConnectRequest splits a conn_id-0 frame payload into its request
// sequence number, target header, and any leading application payload.
func parseConnectRequest(body []byte) (requestSeq uint64, hdr exitdispatch.Header, rest []byte, err error) {
	if len(body) < connectHeaderLen {
		return 0, exitdispatch.Header{}, nil, errs.New(errs.Malformed, "connect request shorter than header")
	}
	requestSeq = binary.BigEndian.Uint64(body[0:8])
	hdr.Family = body[8]
	copy(hdr.Addr[:], body[9:25])
	hdr.Port = binary.BigEndian.Uint16(body[25:27])
	return requestSeq, hdr, body[connectHeaderLen:], nil
}

// ParseConnectRequest exposes parseConnectRequest to callers outside this
// package (the handler's per-session data plane, and tests exercising it
// without a full client implementation).
func ParseConnectRequest(body []byte) (requestSeq uint64, hdr exitdispatch.Header, rest []byte, err error) {
	return parseConnectRequest(body)
}

// EncodeConnectRequest is the client-side counterpart, building the
// conn_id-0 payload for a new target. Exposed for client tooling and tests
// driving the handler without a full client implementation.
func EncodeConnectRequest(requestSeq uint64, target *net.TCPAddr, payload []byte) []byte {
	body := make([]byte, connectHeaderLen+len(payload))
	binary.BigEndian.PutUint64(body[0:8], requestSeq)
	if ip4 := target.IP.To4(); ip4 != nil {
		body[8] = exitdispatch.FamilyIPv4
		copy(body[9:13], ip4)
	} else {
		body[8] = exitdispatch.FamilyIPv6
		copy(body[9:25], target.IP.To16())
	}
	binary.BigEndian.PutUint16(body[25:27], uint16(target.Port))
	copy(body[connectHeaderLen:], payload)
	return body
}

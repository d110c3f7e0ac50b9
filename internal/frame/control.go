package frame

import (
	"encoding/json"
	"fmt"
)

// ControlType tags which control-message variant a control frame's payload
// holds. Exactly one variant is ever carried per control frame (spec §3).
type ControlType uint8

const (
	CtrlPing ControlType = iota + 1
	CtrlPong
	CtrlDohQuery
	CtrlDohResponse
	CtrlKeyRotation
	CtrlEmergency
	CtrlAuthRequest
	CtrlAuthResponse
	CtrlConnAck
)

// ControlEnvelope is the discriminated union wrapper: a one-byte type tag
// followed by the JSON-encoded variant payload. JSON keeps this ambient
// concern simple and debuggable; the hot data path (frame.Frame) stays a
// tight binary layout.
type ControlEnvelope struct {
	Type ControlType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

type PingBody struct{}
type PongBody struct{}

type DohQueryBody struct {
	Query []byte `json:"query"`
}

type DohResponseBody struct {
	Answer []byte `json:"answer"`
}

// KeyRotationBody announces a forthcoming long-term key (spec §4.6).
type KeyRotationBody struct {
	NewPublicKey []byte `json:"new_public_key"`
	ValidFrom    int64  `json:"valid_from"`  // unix seconds
	ValidUntil   int64  `json:"valid_until"` // unix seconds
}

// EmergencyBody carries the forced-rotation warning with a randomised
// trigger delay, per spec §4.6 and the DNS-canary equivalence note in §9.
type EmergencyBody struct {
	Level        int   `json:"level"`
	TriggerAfter int64 `json:"trigger_after"` // seconds, in [0, 3600]
}

type AuthRequestBody struct {
	HMACBase       []byte `json:"hmac_base"`
	ClientPublic   []byte `json:"client_public"`
	EphemeralPublic []byte `json:"ephemeral_public"`
	Nonce          []byte `json:"nonce"`
	Timestamp      int64  `json:"timestamp"`
}

type AuthResponseBody struct {
	Token   []byte `json:"token"`
	Warning *EmergencyBody `json:"warning,omitempty"`
}

// ConnAckBody answers a client's conn_id-0 open request (spec §4.7's
// fabric-side allocation), correlating the client's own request sequence
// number with the conn_id the fabric assigned.
type ConnAckBody struct {
	RequestSeq uint64 `json:"request_seq"`
	ConnID     uint64 `json:"conn_id"`
	Refused    bool   `json:"refused,omitempty"`
}

// EncodeControl marshals a typed variant body into a ControlEnvelope and
// wraps it as a control Frame ready for Encode.
func EncodeControl(t ControlType, body interface{}) (*Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode control body: %w", err)
	}
	env := ControlEnvelope{Type: t, Body: raw}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode control envelope: %w", err)
	}
	return NewControlFrame(payload), nil
}

// DecodeControl unmarshals a control Frame's payload into its envelope and
// lets the caller switch on Type before unmarshaling Body into the concrete
// variant struct.
func DecodeControl(f *Frame) (*ControlEnvelope, error) {
	var env ControlEnvelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode control envelope: %w", err)
	}
	return &env, nil
}

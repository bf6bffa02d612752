package mesh

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// FrameKind is the top-level wire discriminator (section 6).
type FrameKind byte

const (
	FrameHandshake      FrameKind = 0x01
	FrameHandshakeAck   FrameKind = 0x02
	FrameHeartbeat      FrameKind = 0x03
	FrameGossipEnvelope FrameKind = 0x04
	FrameAntiEntropyReq FrameKind = 0x05
	FrameAntiEntropyResp FrameKind = 0x06
	FrameIntentRequest  FrameKind = 0x07
	FrameIntentResponse FrameKind = 0x08
	FrameTransportSwitch FrameKind = 0x09
	FrameRevocation     FrameKind = 0x0A
)

// maxFrameBytes bounds a single decoded frame. LAN/Relay allow up to
// 1 MiB payloads (section 4.3); UDP and BLE adapters enforce their own,
// tighter bounds (4 KiB, 220 B) before frames ever reach this decoder.
const maxFrameBytes = 1 << 20

var cborEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// MarshalCBOR encodes v using canonical (deterministic field order)
// CBOR, required for anything that gets signed.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR bytes into v.
func UnmarshalCBOR(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// HandshakeFrame is wire frame 0x01.
type HandshakeFrame struct {
	NodeId             NodeId
	PublicKey          []byte
	MeshId             MeshId
	SessionAuth        SessionAuth
	CapsSummaryDigest  []byte
}

// HandshakeAckFrame is wire frame 0x02.
type HandshakeAckFrame struct {
	NodeId      NodeId
	PublicKey   []byte
	SessionAuth SessionAuth
}

// HeartbeatFrame is wire frame 0x03.
type HeartbeatFrame struct {
	Sequence       uint64
	CostMultiplier float64
	Signature      []byte
}

// AntiEntropyReqFrame is wire frame 0x05.
type AntiEntropyReqFrame struct {
	Digest map[string]uint64 // serialized DigestKey -> highest known version
}

// AntiEntropyRespFrame is wire frame 0x06.
type AntiEntropyRespFrame struct {
	MissingRecords []GossipEnvelope
}

// IntentRequestFrame is wire frame 0x07.
type IntentRequestFrame struct {
	RequestId   string
	Intent      string
	Context     map[string]string
	Constraints DispatchConstraints
	Deadline    int64 // unix millis
	Signature   []byte
}

// IntentResponseFrame is wire frame 0x08.
type IntentResponseFrame struct {
	RequestId string
	Status    string
	Result    string
	ErrorKind string
	ErrorMsg  string
	Signature []byte
}

// TransportSwitchFrame is wire frame 0x09.
type TransportSwitchFrame struct {
	OldTransport TransportKind
	NewTransport TransportKind
	Signature    []byte
}

// RevocationFrame is wire frame 0x0A: a revoke record signed by the mesh key.
type RevocationFrame struct {
	RevokedNodeId NodeId
	Version       uint64
	Signature     []byte
}

// WriteFrame length-prefixes (u32 big-endian) a CBOR-encoded (kind,
// payload) pair and writes it to w. This is the LAN/Relay framing from
// section 4.3; UDP fragments above this boundary, and BLE splits frames
// into Reed-Solomon-coded fragments that each carry a 14-byte fragment
// header with a 2-byte length; no 1-byte length prefix is used (see
// transport_udp.go, transport_ble.go).
func WriteFrame(w io.Writer, kind FrameKind, payload any) error {
	body, err := MarshalCBOR(payload)
	if err != nil {
		return fmt.Errorf("encode frame 0x%02x: %w", kind, err)
	}
	buf := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)+1))
	buf[4] = byte(kind)
	copy(buf[5:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame 0x%02x: %w", kind, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its kind
// and raw CBOR body (caller decodes into the concrete frame type).
func ReadFrame(r io.Reader) (FrameKind, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return 0, nil, fmt.Errorf("frame length %d out of bounds", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}
	return FrameKind(buf[0]), buf[1:], nil
}

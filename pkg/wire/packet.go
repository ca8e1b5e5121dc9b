// Package wire defines the binary packet format exchanged between nodes.
//
// Every frame on a TCP stream is a Packet: a 16 byte little-endian header
// (length, protocol, type, tag) followed by a payload. The payload layout
// depends on the packet type; helpers for the message envelope, the connect
// handshake and subscribe requests live alongside.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fixed fields preceding the payload.
const HeaderSize = 16

// DefaultTag is written on every native packet. Nodes ignore it on receipt.
const DefaultTag uint32 = 3

var ErrMalformedPacket = errors.New("wire: malformed packet")

type Protocol uint32

const (
	ProtocolNative Protocol = 0
	ProtocolLegacy Protocol = 1
)

// Type identifies the payload carried by a packet. Legacy types belong to an
// external multiplexer and are passed through unexamined.
type Type uint32

const (
	TypeLegacyResult       Type = 1
	TypeLegacyConnect      Type = 2
	TypeLegacyListen       Type = 3
	TypeLegacyDeviceAdd    Type = 4
	TypeLegacyDeviceRemove Type = 5
	TypeLegacyPlist        Type = 8

	TypeMessage           Type = 9
	TypeSubscribeRequest  Type = 10
	TypeKeepAliveRequest  Type = 11
	TypeKeepAliveResponse Type = 12
	TypeConnect           Type = 13
	TypeConnectAck        Type = 14
)

func (t Type) String() string {
	switch t {
	case TypeLegacyResult:
		return "legacy-result"
	case TypeLegacyConnect:
		return "legacy-connect"
	case TypeLegacyListen:
		return "legacy-listen"
	case TypeLegacyDeviceAdd:
		return "legacy-device-add"
	case TypeLegacyDeviceRemove:
		return "legacy-device-remove"
	case TypeLegacyPlist:
		return "legacy-plist"
	case TypeMessage:
		return "message"
	case TypeSubscribeRequest:
		return "subscribe-request"
	case TypeKeepAliveRequest:
		return "keepalive-request"
	case TypeKeepAliveResponse:
		return "keepalive-response"
	case TypeConnect:
		return "connect"
	case TypeConnectAck:
		return "connect-ack"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Valid reports whether t is a defined packet type.
func (t Type) Valid() bool {
	switch t {
	case TypeLegacyResult, TypeLegacyConnect, TypeLegacyListen,
		TypeLegacyDeviceAdd, TypeLegacyDeviceRemove, TypeLegacyPlist:
		return true
	}
	return t >= TypeMessage && t <= TypeConnectAck
}

// IsLegacy reports whether t belongs to the external multiplexer protocol.
func (t Type) IsLegacy() bool {
	return t.Valid() && t < TypeMessage
}

// IsHandshake reports whether t carries a connect payload.
func (t Type) IsHandshake() bool {
	return t == TypeConnect || t == TypeConnectAck
}

// Packet is the envelope of every frame on the wire. Length is derived from
// the payload when encoding and is never set by callers.
type Packet struct {
	Protocol Protocol
	Type     Type
	Tag      uint32
	Payload  []byte
}

// NewPacket builds a native packet with the default tag.
func NewPacket(typ Type, payload []byte) Packet {
	return Packet{Protocol: ProtocolNative, Type: typ, Tag: DefaultTag, Payload: payload}
}

// Len returns the value of the length field for p.
func (p Packet) Len() int {
	return HeaderSize + len(p.Payload)
}

// EncodePacket serializes p including its computed length.
func EncodePacket(p Packet) []byte {
	buf := make([]byte, p.Len())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Len()))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Protocol))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[12:16], p.Tag)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// DecodePacket parses the packet at the start of b. Bytes beyond the length
// field are ignored. The returned payload does not alias b.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), HeaderSize)
	}
	length := binary.LittleEndian.Uint32(b[0:4])
	if length < HeaderSize || uint64(length) > uint64(len(b)) {
		return Packet{}, fmt.Errorf("%w: length field %d with %d bytes available", ErrMalformedPacket, length, len(b))
	}
	p := Packet{
		Protocol: Protocol(binary.LittleEndian.Uint32(b[4:8])),
		Type:     Type(binary.LittleEndian.Uint32(b[8:12])),
		Tag:      binary.LittleEndian.Uint32(b[12:16]),
	}
	if length > HeaderSize {
		p.Payload = make([]byte, length-HeaderSize)
		copy(p.Payload, b[HeaderSize:length])
	}
	return p, nil
}

// PeekLength returns the length field of a frame whose first four bytes are
// in b.
func PeekLength(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}

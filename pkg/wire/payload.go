package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// EnvelopeHeaderSize is the size of channel, type and data size fields.
const EnvelopeHeaderSize = 8

// Envelope is the payload of a TypeMessage packet.
type Envelope struct {
	Channel uint16
	TypeID  uint16
	Data    []byte
}

func EncodeEnvelope(e Envelope) []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(e.Data))
	binary.LittleEndian.PutUint16(buf[0:2], e.Channel)
	binary.LittleEndian.PutUint16(buf[2:4], e.TypeID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(e.Data)))
	copy(buf[EnvelopeHeaderSize:], e.Data)
	return buf
}

// DecodeEnvelope parses a message envelope. Data aliases b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < EnvelopeHeaderSize {
		return Envelope{}, fmt.Errorf("%w: envelope of %d bytes", ErrMalformedPacket, len(b))
	}
	size := binary.LittleEndian.Uint32(b[4:8])
	if uint64(size) > uint64(len(b)-EnvelopeHeaderSize) {
		return Envelope{}, fmt.Errorf("%w: data size %d exceeds %d available bytes",
			ErrMalformedPacket, size, len(b)-EnvelopeHeaderSize)
	}
	return Envelope{
		Channel: binary.LittleEndian.Uint16(b[0:2]),
		TypeID:  binary.LittleEndian.Uint16(b[2:4]),
		Data:    b[EnvelopeHeaderSize : EnvelopeHeaderSize+int(size)],
	}, nil
}

// Connect is the payload of Connect and ConnectAck packets: the sender's
// name and the channels it wants to receive from the peer.
type Connect struct {
	Name     string
	Channels []uint16
}

func EncodeConnect(c Connect) []byte {
	buf := make([]byte, 0, len(c.Name)+1+2+2*len(c.Channels))
	buf = append(buf, c.Name...)
	buf = append(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Channels)))
	for _, ch := range c.Channels {
		buf = binary.LittleEndian.AppendUint16(buf, ch)
	}
	return buf
}

// DecodeConnect parses a full connect payload.
func DecodeConnect(b []byte) (Connect, error) {
	name, rest, err := decodeCString(b)
	if err != nil {
		return Connect{}, err
	}
	if len(rest) < 2 {
		return Connect{Name: name}, fmt.Errorf("%w: connect payload missing channel count", ErrMalformedPacket)
	}
	count := int(binary.LittleEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) < 2*count {
		return Connect{Name: name}, fmt.Errorf("%w: connect payload announces %d channels, has room for %d",
			ErrMalformedPacket, count, len(rest)/2)
	}
	c := Connect{Name: name, Channels: make([]uint16, count)}
	for i := range count {
		c.Channels[i] = binary.LittleEndian.Uint16(rest[2*i:])
	}
	return c, nil
}

// DecodeConnectName parses only the name of a connect payload.
func DecodeConnectName(b []byte) (string, error) {
	name, _, err := decodeCString(b)
	return name, err
}

func decodeCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: string without terminator", ErrMalformedPacket)
	}
	if !utf8.Valid(b[:i]) {
		return "", nil, fmt.Errorf("%w: string is not valid UTF-8", ErrMalformedPacket)
	}
	return string(b[:i]), b[i+1:], nil
}

// EncodeCString appends s and a NUL terminator to buf.
func EncodeCString(buf []byte, s string) []byte {
	return append(append(buf, s...), 0)
}

// DecodeCString parses a NUL-terminated UTF-8 string and returns the bytes
// following the terminator.
func DecodeCString(b []byte) (string, []byte, error) {
	return decodeCString(b)
}

// EncodeSubscribe returns the payload of a SubscribeRequest: the bare channel.
func EncodeSubscribe(channel uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, channel)
}

func DecodeSubscribe(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("%w: subscribe request of %d bytes", ErrMalformedPacket, len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

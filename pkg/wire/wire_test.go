package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []Packet{
		NewPacket(TypeKeepAliveRequest, nil),
		NewPacket(TypeMessage, []byte{1, 2, 3, 4, 5}),
		{Protocol: ProtocolLegacy, Type: TypeLegacyPlist, Tag: 42, Payload: bytes.Repeat([]byte{0xAB}, 1000)},
	}
	for _, want := range cases {
		b := EncodePacket(want)
		if len(b) != want.Len() {
			t.Fatalf("encoded %d bytes, want %d", len(b), want.Len())
		}
		if l, _ := PeekLength(b); int(l) != HeaderSize+len(want.Payload) {
			t.Fatalf("length field = %d, want %d", l, HeaderSize+len(want.Payload))
		}
		got, err := DecodePacket(b)
		if err != nil {
			t.Fatalf("DecodePacket(%v): %v", want.Type, err)
		}
		if got.Protocol != want.Protocol || got.Type != want.Type || got.Tag != want.Tag {
			t.Fatalf("header mismatch: got %+v want %+v", got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("payload mismatch for %v", want.Type)
		}
	}
}

func TestPacketLittleEndianHeader(t *testing.T) {
	b := EncodePacket(NewPacket(TypeConnect, []byte{0xFF}))
	want := []byte{
		17, 0, 0, 0,
		0, 0, 0, 0,
		13, 0, 0, 0,
		3, 0, 0, 0,
		0xFF,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("EncodePacket = % x, want % x", b, want)
	}
}

func TestDecodePacketMalformed(t *testing.T) {
	full := EncodePacket(NewPacket(TypeMessage, []byte("payload")))

	short := full[:HeaderSize-1]
	truncated := full[:len(full)-1]
	tiny := append([]byte(nil), full...)
	tiny[0] = 8

	for name, b := range map[string][]byte{"short": short, "truncated": truncated, "length below header": tiny} {
		if _, err := DecodePacket(b); !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("%s: err = %v, want ErrMalformedPacket", name, err)
		}
	}
}

func TestDecodePacketIgnoresTrailingBytes(t *testing.T) {
	first := EncodePacket(NewPacket(TypeSubscribeRequest, EncodeSubscribe(7)))
	b := append(first, EncodePacket(NewPacket(TypeKeepAliveResponse, nil))...)
	p, err := DecodePacket(b)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := DecodeSubscribe(p.Payload)
	if err != nil || ch != 7 {
		t.Fatalf("DecodeSubscribe = %d, %v; want 7, nil", ch, err)
	}
}

func TestEnvelope(t *testing.T) {
	e := Envelope{Channel: 1, TypeID: 0x0001, Data: []byte{2, 0, 0, 0, 0xBE, 0xEF}}
	got, err := DecodeEnvelope(EncodeEnvelope(e))
	if err != nil {
		t.Fatal(err)
	}
	if got.Channel != e.Channel || got.TypeID != e.TypeID || !bytes.Equal(got.Data, e.Data) {
		t.Fatalf("DecodeEnvelope = %+v, want %+v", got, e)
	}

	b := EncodeEnvelope(e)
	if _, err := DecodeEnvelope(b[:len(b)-1]); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("short data: err = %v, want ErrMalformedPacket", err)
	}
	if _, err := DecodeEnvelope(b[:4]); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("short header: err = %v, want ErrMalformedPacket", err)
	}
}

func TestConnect(t *testing.T) {
	c := Connect{Name: "robot-arm", Channels: []uint16{1, 2, 0x0400}}
	b := EncodeConnect(c)
	got, err := DecodeConnect(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != c.Name || len(got.Channels) != 3 || got.Channels[2] != 0x0400 {
		t.Fatalf("DecodeConnect = %+v, want %+v", got, c)
	}

	name, err := DecodeConnectName(b)
	if err != nil || name != c.Name {
		t.Fatalf("DecodeConnectName = %q, %v", name, err)
	}

	// channel array cut short: the name still decodes
	partial, err := DecodeConnect(b[:len(b)-1])
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("short channel list: err = %v", err)
	}
	if partial.Name != c.Name {
		t.Fatalf("partial name = %q, want %q", partial.Name, c.Name)
	}

	if _, err := DecodeConnectName([]byte("no-terminator")); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("missing terminator: err = %v", err)
	}
	if _, err := DecodeConnectName([]byte{0xff, 0xfe, 0}); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("invalid utf8: err = %v", err)
	}
}

func TestConnectEmpty(t *testing.T) {
	got, err := DecodeConnect(EncodeConnect(Connect{Name: "solo"}))
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "solo" || len(got.Channels) != 0 {
		t.Fatalf("DecodeConnect = %+v", got)
	}
}

func TestTypeClassification(t *testing.T) {
	if !TypeLegacyPlist.IsLegacy() || TypeMessage.IsLegacy() {
		t.Fatal("legacy classification wrong")
	}
	if Type(6).Valid() || Type(15).Valid() {
		t.Fatal("undefined types reported valid")
	}
	if !TypeConnect.IsHandshake() || !TypeConnectAck.IsHandshake() || TypeMessage.IsHandshake() {
		t.Fatal("handshake classification wrong")
	}
	if TypeKeepAliveRequest.String() != "keepalive-request" {
		t.Fatalf("String() = %q", TypeKeepAliveRequest.String())
	}
}

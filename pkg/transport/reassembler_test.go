package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

func testStream() ([]byte, [][]byte) {
	frames := [][]byte{
		wire.EncodePacket(wire.NewPacket(wire.TypeConnect, wire.EncodeConnect(wire.Connect{Name: "a", Channels: []uint16{1}}))),
		wire.EncodePacket(wire.NewPacket(wire.TypeKeepAliveRequest, nil)),
		wire.EncodePacket(wire.NewPacket(wire.TypeMessage, bytes.Repeat([]byte{0x5A}, 300))),
	}
	return bytes.Join(frames, nil), frames
}

func TestReassemblerSplitInvariance(t *testing.T) {
	stream, want := testStream()

	for size := 1; size <= len(stream); size++ {
		r := NewReassembler(1024)
		var got [][]byte
		for off := 0; off < len(stream); off += size {
			end := min(off+size, len(stream))
			frames, err := r.Feed(stream[off:end])
			require.NoError(t, err, "chunk size %d", size)
			got = append(got, frames...)
		}
		require.Equal(t, want, got, "chunk size %d", size)
		require.Zero(t, r.Buffered(), "chunk size %d", size)
	}
}

func TestReassemblerKeepsPartialTail(t *testing.T) {
	stream, want := testStream()
	r := NewReassembler(1024)

	// first frame plus two bytes of the second length prefix
	cut := len(want[0]) + 2
	frames, err := r.Feed(stream[:cut])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 2, r.Buffered())

	frames, err = r.Feed(stream[cut:])
	require.NoError(t, err)
	assert.Equal(t, want[1:], frames)
}

func TestReassemblerCorruptLength(t *testing.T) {
	good := wire.EncodePacket(wire.NewPacket(wire.TypeKeepAliveResponse, nil))

	for name, prefix := range map[string][]byte{
		"below header": {4, 0, 0, 0},
		"above max":    {0, 0, 1, 0},
	} {
		r := NewReassembler(1024)
		frames, err := r.Feed(append(append([]byte(nil), good...), prefix...))
		assert.ErrorIs(t, err, ErrFrameCorrupt, name)
		assert.Len(t, frames, 1, name)
	}
}

package transport

import (
	"fmt"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// Reassembler rebuilds packets from an arbitrary split of the byte stream.
// The zero value is not usable; see NewReassembler.
type Reassembler struct {
	max int
	buf []byte
}

func NewReassembler(maxPacket int) *Reassembler {
	if maxPacket < wire.HeaderSize {
		maxPacket = DefaultMaxPacketSize
	}
	return &Reassembler{max: maxPacket}
}

// Feed appends chunk to the pending bytes and returns every frame completed
// by it, header included, in stream order. A length prefix outside
// [wire.HeaderSize, max] returns ErrFrameCorrupt along with the frames that
// preceded it; the stream cannot be resynchronised after that.
func (r *Reassembler) Feed(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	var frames [][]byte
	off := 0
	for {
		n, ok := wire.PeekLength(r.buf[off:])
		if !ok {
			break
		}
		if n < wire.HeaderSize || int64(n) > int64(r.max) {
			r.buf = r.buf[:0]
			return frames, fmt.Errorf("%w: length prefix %d", ErrFrameCorrupt, n)
		}
		if len(r.buf)-off < int(n) {
			break
		}
		frame := make([]byte, n)
		copy(frame, r.buf[off:off+int(n)])
		frames = append(frames, frame)
		off += int(n)
	}
	if off > 0 {
		r.buf = append(r.buf[:0], r.buf[off:]...)
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (r *Reassembler) Buffered() int { return len(r.buf) }

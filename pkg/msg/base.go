package msg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type ids of the built-in messages.
const (
	TypeUInt8Array  uint16 = 0x0001
	TypeUInt16Array uint16 = 0x0002
	TypeUInt32Array uint16 = 0x0003
	TypeInt8Array   uint16 = 0x0004
	TypeInt16Array  uint16 = 0x0005
	TypeInt32Array  uint16 = 0x0006
	TypeFloatArray  uint16 = 0x0007
	TypeStatus      uint16 = 0x0101
)

var ErrMalformed = errors.New("msg: malformed message")

type element interface {
	~uint8 | ~uint16 | ~uint32 | ~int8 | ~int16 | ~int32 | ~float32
}

// Arrays share one layout: a u32 byte count followed by the packed
// little-endian elements.
func marshalArray[T element](data []T) ([]byte, error) {
	size := binary.Size(data)
	if size < 0 {
		return nil, fmt.Errorf("%w: unsized element", ErrMalformed)
	}
	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+size), uint32(size))
	return binary.Append(buf, binary.LittleEndian, data)
}

func unmarshalArray[T element](b []byte) ([]T, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: %d bytes, missing size", ErrMalformed, len(b))
	}
	var zero T
	width := binary.Size(zero)
	size := binary.LittleEndian.Uint32(b)
	if uint64(size) > uint64(len(b)-4) {
		return nil, fmt.Errorf("%w: size %d exceeds %d bytes", ErrMalformed, size, len(b)-4)
	}
	if int(size)%width != 0 {
		return nil, fmt.Errorf("%w: size %d not a multiple of %d", ErrMalformed, size, width)
	}
	out := make([]T, int(size)/width)
	if _, err := binary.Decode(b[4:4+size], binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

type UInt8Array struct{ Data []uint8 }

func (UInt8Array) TypeID() uint16                   { return TypeUInt8Array }
func (m UInt8Array) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *UInt8Array) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[uint8](b)
	return err
}

type UInt16Array struct{ Data []uint16 }

func (UInt16Array) TypeID() uint16                   { return TypeUInt16Array }
func (m UInt16Array) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *UInt16Array) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[uint16](b)
	return err
}

type UInt32Array struct{ Data []uint32 }

func (UInt32Array) TypeID() uint16                   { return TypeUInt32Array }
func (m UInt32Array) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *UInt32Array) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[uint32](b)
	return err
}

type Int8Array struct{ Data []int8 }

func (Int8Array) TypeID() uint16                   { return TypeInt8Array }
func (m Int8Array) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *Int8Array) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[int8](b)
	return err
}

type Int16Array struct{ Data []int16 }

func (Int16Array) TypeID() uint16                   { return TypeInt16Array }
func (m Int16Array) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *Int16Array) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[int16](b)
	return err
}

type Int32Array struct{ Data []int32 }

func (Int32Array) TypeID() uint16                   { return TypeInt32Array }
func (m Int32Array) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *Int32Array) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[int32](b)
	return err
}

// FloatArray carries IEEE 754 single precision values.
type FloatArray struct{ Data []float32 }

func (FloatArray) TypeID() uint16                   { return TypeFloatArray }
func (m FloatArray) MarshalBinary() ([]byte, error) { return marshalArray(m.Data) }
func (m *FloatArray) UnmarshalBinary(b []byte) (err error) {
	m.Data, err = unmarshalArray[float32](b)
	return err
}

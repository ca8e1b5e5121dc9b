// Package msg defines the Message contract and the registry that maps wire
// type ids to concrete Go types.
package msg

import (
	"encoding"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownType   = errors.New("msg: unknown message type")
	ErrDuplicateType = errors.New("msg: type id already registered")
)

// Message is implemented by every value that can travel on a channel.
// Implementations use value receivers so that decoded values satisfy it.
type Message interface {
	TypeID() uint16
	encoding.BinaryMarshaler
}

type decodeFunc func(data []byte) (Message, error)

type entry struct {
	name   string
	decode decodeFunc
}

// Registry maps type ids to decoders. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint16]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint16]entry)}
}

// Register adds M to r. PM is inferred: Register[UInt8Array](r).
func Register[M Message, PM interface {
	*M
	encoding.BinaryUnmarshaler
}](r *Registry) error {
	var zero M
	id := zero.TypeID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: 0x%04x (%s)", ErrDuplicateType, id, e.name)
	}
	r.entries[id] = entry{
		name: fmt.Sprintf("%T", zero),
		decode: func(data []byte) (Message, error) {
			var m M
			if err := PM(&m).UnmarshalBinary(data); err != nil {
				return nil, err
			}
			return m, nil
		},
	}
	return nil
}

// MustRegister is Register that panics, for package initialisation.
func MustRegister[M Message, PM interface {
	*M
	encoding.BinaryUnmarshaler
}](r *Registry) {
	if err := Register[M, PM](r); err != nil {
		panic(err)
	}
}

func (r *Registry) Known(id uint16) bool {
	r.mu.RLock()
	_, ok := r.entries[id]
	r.mu.RUnlock()
	return ok
}

// Name returns the Go type name registered for id, or "".
func (r *Registry) Name(id uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id].name
}

// Decode builds the message registered for id from data.
func (r *Registry) Decode(id uint16, data []byte) (Message, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownType, id)
	}
	m, err := e.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.name, err)
	}
	return m, nil
}

// DefaultRegistry returns a fresh registry holding the base array family
// and Status.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	MustRegister[UInt8Array](r)
	MustRegister[UInt16Array](r)
	MustRegister[UInt32Array](r)
	MustRegister[Int8Array](r)
	MustRegister[Int16Array](r)
	MustRegister[Int32Array](r)
	MustRegister[FloatArray](r)
	MustRegister[Status](r)
	return r
}

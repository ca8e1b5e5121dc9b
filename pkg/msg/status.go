package msg

import (
	"fmt"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

type Connectivity uint8

const (
	Connected    Connectivity = 0
	Disconnected Connectivity = 1
)

func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("connectivity(%d)", uint8(c))
	}
}

// Status reports that a peer joined or left the mesh. Nodes deliver it
// locally on channel 0 and never send it over the wire.
type Status struct {
	Name   string
	Status Connectivity
}

func (Status) TypeID() uint16 { return TypeStatus }

func (s Status) MarshalBinary() ([]byte, error) {
	buf := wire.EncodeCString(make([]byte, 0, len(s.Name)+2), s.Name)
	return append(buf, byte(s.Status)), nil
}

func (s *Status) UnmarshalBinary(b []byte) error {
	name, rest, err := wire.DecodeCString(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) < 1 {
		return fmt.Errorf("%w: status byte missing", ErrMalformed)
	}
	s.Name = name
	s.Status = Connectivity(rest[0])
	return nil
}

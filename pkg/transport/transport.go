// Package transport moves wire packets between nodes over TCP.
//
// A Server listens for and dials peers; each socket is wrapped in a Conn
// that reassembles frames, intercepts the connect handshake and writes
// through a bounded queue. Only connections whose handshake has been
// accepted are visible to the Handler.
package transport

import (
	"errors"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const (
	// MTU is the largest read requested from a socket.
	MTU = 65536

	DefaultPort            = 4455
	DefaultMaxPacketSize   = 16 << 20
	DefaultSendQueue       = 256
	DefaultRestartDelay    = 10 * time.Second
	DefaultMaxConnectDelay = 2 * time.Second
	DefaultDialTimeout     = 5 * time.Second
)

var (
	ErrFrameCorrupt        = errors.New("transport: corrupt frame")
	ErrSelfConnection      = errors.New("transport: connection to self")
	ErrDuplicateConnection = errors.New("transport: duplicate connection")
	ErrBindConflict        = errors.New("transport: address in use")
	ErrServerStopped       = errors.New("transport: server stopped")
)

// Peer names one concrete accepted connection.
type Peer struct {
	Name   string
	ConnID uint64
}

// Handler receives events for accepted connections. Calls may arrive
// concurrently from different connections.
type Handler interface {
	OnPacket(p Peer, typ wire.Type, payload []byte)
	OnPeerDisconnected(p Peer)
	OnServerFailed(err error)
}

// Sender is the write side of a connection.
type Sender interface {
	ID() uint64
	Send(typ wire.Type, payload []byte) bool
}

type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

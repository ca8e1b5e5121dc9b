package dispatch

import (
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// Transport is the part of transport.Server the dispatcher drives.
type Transport interface {
	ConnectTo(endpoint, name string, onSent func(transport.Sender))
	Disconnect(name string)
	Broadcast(typ wire.Type, payload []byte)
	SendTo(name string, typ wire.Type, payload []byte) bool
}

var _ Transport = (*transport.Server)(nil)

package dispatch

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var _ transport.Handler = (*Dispatcher)(nil)

// OnPacket implements transport.Handler.
func (d *Dispatcher) OnPacket(p transport.Peer, typ wire.Type, payload []byte) {
	t := d.attached()
	if t == nil {
		return
	}
	switch typ {
	case wire.TypeConnect:
		d.handleConnect(t, p, payload, true)
	case wire.TypeConnectAck:
		d.handleConnect(t, p, payload, false)
	case wire.TypeSubscribeRequest:
		d.handleSubscribe(p, payload)
	case wire.TypeKeepAliveRequest:
		d.touch(p)
		t.SendTo(p.Name, wire.TypeKeepAliveResponse, nil)
	case wire.TypeKeepAliveResponse:
		d.touch(p)
	case wire.TypeMessage:
		d.touch(p)
		d.handleMessage(p, payload)
	default:
		if !typ.IsLegacy() {
			d.log.Debug("ignoring unknown packet type", zap.String("peer", p.Name), zap.Stringer("type", typ))
		}
	}
}

// handleConnect records the peer. A Connect is answered with a ConnectAck;
// a ConnectAck completes our own dial, so channels subscribed since the
// Connect went out are requested now.
func (d *Dispatcher) handleConnect(t Transport, p transport.Peer, payload []byte, reply bool) {
	c, err := wire.DecodeConnect(payload)
	if err != nil {
		// the name was already validated by the connection
		d.log.Debug("malformed channel list, accepting peer without subscriptions",
			zap.String("peer", p.Name), zap.Error(err))
		c.Channels = nil
	}

	now := d.clk.Now()
	d.mu.Lock()
	rec, known := d.peers[p.Name]
	if known {
		rec.connID = p.ConnID
		rec.setSubscriptions(c.Channels)
		rec.lastSeen = now
		rec.probing = false
	} else {
		d.peers[p.Name] = newPeer(p.Name, p.ConnID, c.Channels, now)
	}
	var missing []uint16
	if !reply {
		offered := d.offered[p.Name]
		for ch := range d.own {
			if !containsChannel(offered, ch) {
				missing = append(missing, ch)
			}
		}
		delete(d.offered, p.Name)
	}
	d.mu.Unlock()

	if reply {
		t.SendTo(p.Name, wire.TypeConnectAck, d.connectPayload(""))
	}
	for _, ch := range missing {
		t.SendTo(p.Name, wire.TypeSubscribeRequest, wire.EncodeSubscribe(ch))
	}
	if !known {
		telemetry.Peers.Inc()
		d.status(p.Name, msg.Connected)
	}
}

func containsChannel(list []uint16, ch uint16) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleSubscribe(p transport.Peer, payload []byte) {
	ch, err := wire.DecodeSubscribe(payload)
	if err != nil {
		telemetry.Drop(telemetry.DropDecode)
		d.log.Debug("bad subscribe request", zap.String("peer", p.Name), zap.Error(err))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.peers[p.Name]
	if rec == nil {
		return
	}
	rec.lastSeen = d.clk.Now()
	if ch != 0 {
		rec.subs[ch] = struct{}{}
	}
}

func (d *Dispatcher) handleMessage(p transport.Peer, payload []byte) {
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		telemetry.Drop(telemetry.DropDecode)
		d.log.Debug("bad message envelope", zap.String("peer", p.Name), zap.Error(err))
		return
	}
	if env.Channel == 0 {
		telemetry.Drop(telemetry.DropReserved)
		d.log.Debug("dropping message on reserved channel", zap.String("peer", p.Name))
		return
	}
	m, err := d.reg.Decode(env.TypeID, env.Data)
	if err != nil {
		if errors.Is(err, msg.ErrUnknownType) {
			telemetry.Drop(telemetry.DropUnknownType)
		} else {
			telemetry.Drop(telemetry.DropDecode)
		}
		d.log.Debug("dropping message", zap.String("peer", p.Name),
			zap.Uint16("channel", env.Channel), zap.Error(err))
		return
	}
	if d.local != nil {
		d.local(env.Channel, m)
	}
}

// touch refreshes the liveness of the record backing p.
func (d *Dispatcher) touch(p transport.Peer) {
	now := d.clk.Now()
	d.mu.Lock()
	if rec := d.peers[p.Name]; rec != nil {
		rec.lastSeen = now
	}
	d.mu.Unlock()
}

// OnPeerDisconnected implements transport.Handler. Only the connection
// currently backing the record removes it.
func (d *Dispatcher) OnPeerDisconnected(p transport.Peer) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	rec := d.peers[p.Name]
	if rec == nil || rec.connID != p.ConnID {
		d.mu.Unlock()
		return
	}
	delete(d.peers, p.Name)
	delete(d.offered, p.Name)
	d.mu.Unlock()

	telemetry.Peers.Dec()
	d.status(p.Name, msg.Disconnected)
}

// OnServerFailed implements transport.Handler.
func (d *Dispatcher) OnServerFailed(err error) {
	d.log.Error("transport failed", zap.Error(err))
	if d.onFailure != nil {
		d.onFailure(err)
	}
}

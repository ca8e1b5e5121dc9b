package dispatch

import (
	"slices"
	"time"
)

// peer is the record of one accepted connection. Records exist only
// between a completed handshake and the disconnect of that connection.
type peer struct {
	name     string
	connID   uint64
	subs     map[uint16]struct{}
	lastSeen time.Time
	probing  bool
}

func newPeer(name string, connID uint64, channels []uint16, now time.Time) *peer {
	p := &peer{name: name, connID: connID, lastSeen: now}
	p.setSubscriptions(channels)
	return p
}

func (p *peer) setSubscriptions(channels []uint16) {
	p.subs = make(map[uint16]struct{}, len(channels))
	for _, ch := range channels {
		if ch != 0 {
			p.subs[ch] = struct{}{}
		}
	}
}

func (p *peer) wants(channel uint16) bool {
	_, ok := p.subs[channel]
	return ok
}

// PeerInfo is a snapshot of a peer record.
type PeerInfo struct {
	Name          string    `json:"name"`
	ConnID        uint64    `json:"conn_id"`
	Subscriptions []uint16  `json:"subscriptions"`
	LastSeen      time.Time `json:"last_seen"`
	Probing       bool      `json:"probing"`
}

func (p *peer) info() PeerInfo {
	subs := make([]uint16, 0, len(p.subs))
	for ch := range p.subs {
		subs = append(subs, ch)
	}
	slices.Sort(subs)
	return PeerInfo{
		Name:          p.name,
		ConnID:        p.connID,
		Subscriptions: subs,
		LastSeen:      p.lastSeen,
		Probing:       p.probing,
	}
}

func sortedChannels(set map[uint16]struct{}) []uint16 {
	out := make([]uint16, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

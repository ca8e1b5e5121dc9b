package discovery

import (
	"context"
	"fmt"
	"strings"
)

type Peer struct {
	Name     string
	Endpoint string
}

// ParseStatic reads a "name=host:port,name=host:port" list. Endpoints
// without a port get defPort.
func ParseStatic(list, defPort string) ([]Peer, error) {
	var peers []Peer
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, addr, ok := strings.Cut(item, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("discovery: static peer %q is not name=host:port", item)
		}
		peers = append(peers, Peer{Name: name, Endpoint: NormalizeHostPort(addr, defPort)})
	}
	return peers, nil
}

// Static reports a fixed peer list and advertises nothing.
type Static struct {
	peers []Peer
	self  localName
}

func NewStatic(peers []Peer) *Static {
	return &Static{peers: append([]Peer(nil), peers...)}
}

func (s *Static) Advertise(_ context.Context, name string, _ int) error {
	s.self.set(name)
	return nil
}

func (s *Static) Browse(ctx context.Context, found FoundFunc) error {
	sess := newSession(&s.self, found)
	for _, p := range s.peers {
		sess.report(p.Name, p.Endpoint)
	}
	<-ctx.Done()
	return nil
}

func (s *Static) Close() error { return nil }

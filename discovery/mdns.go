package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	MDNSService = "_zephyrbus._tcp"
	MDNSDomain  = "local."

	txtNameKey = "name="
)

// MDNS advertises and browses a DNS-SD service on the local link.
type MDNS struct {
	service string
	domain  string
	log     *zap.Logger
	self    localName

	mu      sync.Mutex
	servers []*zeroconf.Server
}

type MDNSOption func(*MDNS)

func WithService(service string) MDNSOption { return func(m *MDNS) { m.service = service } }
func WithMDNSLogger(l *zap.Logger) MDNSOption { return func(m *MDNS) { m.log = l } }

func NewMDNS(opts ...MDNSOption) *MDNS {
	m := &MDNS{service: MDNSService, domain: MDNSDomain, log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(zap.String("component", "mdns"))
	return m
}

func (m *MDNS) Advertise(ctx context.Context, name string, port int) error {
	m.self.set(name)
	srv, err := zeroconf.Register(name, m.service, m.domain, port, []string{txtNameKey + name}, nil)
	if err != nil {
		return fmt.Errorf("mdns register %q: %w", name, err)
	}
	m.mu.Lock()
	m.servers = append(m.servers, srv)
	m.mu.Unlock()
	m.log.Info("advertising", zap.String("name", name), zap.Int("port", port))

	context.AfterFunc(ctx, func() { m.shutdown(srv) })
	return nil
}

func (m *MDNS) shutdown(srv *zeroconf.Server) {
	m.mu.Lock()
	for i, s := range m.servers {
		if s == srv {
			m.servers = append(m.servers[:i], m.servers[i+1:]...)
			m.mu.Unlock()
			srv.Shutdown()
			return
		}
	}
	m.mu.Unlock()
}

func (m *MDNS) Browse(ctx context.Context, found FoundFunc) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 64)
	if err := resolver.Browse(ctx, m.service, m.domain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}

	sess := newSession(&m.self, found)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			name, endpoint := entryPeer(e)
			if endpoint == "" {
				m.log.Debug("ignoring entry without address", zap.String("instance", e.Instance))
				continue
			}
			sess.report(name, endpoint)
		}
	}
}

// entryPeer prefers the name carried in TXT over the instance label, which
// may have been escaped or renamed on conflict.
func entryPeer(e *zeroconf.ServiceEntry) (name, endpoint string) {
	name = e.Instance
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, txtNameKey); ok {
			name = v
			break
		}
	}
	switch {
	case len(e.AddrIPv4) > 0:
		endpoint = hostPort(e.AddrIPv4[0].String(), e.Port)
	case len(e.AddrIPv6) > 0:
		endpoint = hostPort(e.AddrIPv6[0].String(), e.Port)
	case e.HostName != "":
		endpoint = hostPort(strings.TrimSuffix(e.HostName, "."), e.Port)
	}
	return name, endpoint
}

// Close stops every advertisement.
func (m *MDNS) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.mu.Unlock()

	for _, s := range servers {
		s.Shutdown()
	}
	return nil
}

// Package discovery finds peers on the network and advertises the local
// node so that others can find it.
package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ryandielhenn/zephyrbus/pkg/addrbook"
)

// FoundFunc is called with the name and host:port of a newly seen peer.
type FoundFunc func(name, endpoint string)

// Provider advertises the local node and browses for others. Providers
// never report the advertised local name and report each peer at most once
// per Browse call, until the peer's advertisement is withdrawn.
type Provider interface {
	// Advertise publishes name at port until ctx is cancelled or Close.
	Advertise(ctx context.Context, name string, port int) error
	// Browse reports peers to found and blocks until ctx is done.
	Browse(ctx context.Context, found FoundFunc) error
	Close() error
}

// NormalizeHostPort strips an http:// or https:// scheme from addr and adds
// defPort when addr carries no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// localName is the advertised name, shared between Advertise and Browse.
type localName struct {
	mu   sync.RWMutex
	name string
}

func (l *localName) set(n string) {
	l.mu.Lock()
	l.name = n
	l.mu.Unlock()
}

func (l *localName) get() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

// session filters and dedupes the results of one Browse call.
type session struct {
	self  *localName
	seen  *addrbook.Book
	found FoundFunc
}

func newSession(self *localName, found FoundFunc) *session {
	return &session{self: self, seen: addrbook.New(0), found: found}
}

func (s *session) report(name, endpoint string) {
	if name == "" || endpoint == "" || name == s.self.get() {
		return
	}
	if s.seen.Put(name, endpoint, 0) {
		s.found(name, endpoint)
	}
}

func (s *session) forget(name string) {
	s.seen.Delete(name)
}

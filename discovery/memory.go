package discovery

import (
	"context"
	"sync"
)

// Hub is an in-process registry shared by Memory providers, so that nodes
// in one process can find each other without touching the network.
type Hub struct {
	mu       sync.Mutex
	ads      map[string]string
	watchers map[uint64]*session
	next     uint64
}

func NewHub() *Hub {
	return &Hub{ads: make(map[string]string), watchers: make(map[uint64]*session)}
}

// Provider returns a provider that advertises host:port endpoints on h.
func (h *Hub) Provider(host string) *Memory {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Memory{hub: h, host: host}
}

func (h *Hub) publish(name, endpoint string) {
	h.mu.Lock()
	h.ads[name] = endpoint
	watchers := h.snapshot()
	h.mu.Unlock()
	for _, w := range watchers {
		w.report(name, endpoint)
	}
}

func (h *Hub) withdraw(name string) {
	h.mu.Lock()
	delete(h.ads, name)
	watchers := h.snapshot()
	h.mu.Unlock()
	for _, w := range watchers {
		w.forget(name)
	}
}

func (h *Hub) snapshot() []*session {
	out := make([]*session, 0, len(h.watchers))
	for _, w := range h.watchers {
		out = append(out, w)
	}
	return out
}

func (h *Hub) watch(s *session) (current map[string]string, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.watchers[id] = s
	current = make(map[string]string, len(h.ads))
	for n, e := range h.ads {
		current[n] = e
	}
	return current, func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}

// Memory is a Provider backed by a Hub.
type Memory struct {
	hub  *Hub
	host string
	self localName

	mu      sync.Mutex
	ads     []string
	cancels []func() bool
}

func (m *Memory) Advertise(ctx context.Context, name string, port int) error {
	m.self.set(name)
	m.hub.publish(name, hostPort(m.host, port))

	stop := context.AfterFunc(ctx, func() { m.hub.withdraw(name) })
	m.mu.Lock()
	m.ads = append(m.ads, name)
	m.cancels = append(m.cancels, stop)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Browse(ctx context.Context, found FoundFunc) error {
	s := newSession(&m.self, found)
	current, cancel := m.hub.watch(s)
	defer cancel()
	for n, e := range current {
		s.report(n, e)
	}
	<-ctx.Done()
	return nil
}

// Close withdraws every advertisement made through m.
func (m *Memory) Close() error {
	m.mu.Lock()
	ads, cancels := m.ads, m.cancels
	m.ads, m.cancels = nil, nil
	m.mu.Unlock()
	for _, stop := range cancels {
		stop()
	}
	for _, n := range ads {
		m.hub.withdraw(n)
	}
	return nil
}

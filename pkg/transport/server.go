package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// Advertiser publishes the listening port once it is bound. The
// advertisement is withdrawn when ctx is cancelled.
type Advertiser interface {
	Advertise(ctx context.Context, name string, port int) error
}

type Config struct {
	// Name is the local node name; a handshake declaring it is a self-connection.
	Name string
	Host string
	// Port is the first port tried, DefaultPort when 0. While it is in use
	// a FixedPort is retried every RestartDelay; otherwise the next port up
	// is tried immediately.
	Port            int
	FixedPort       bool
	MaxBindAttempts int // 0 = unbounded
	RestartDelay    time.Duration
	MaxConnectDelay time.Duration
	DialTimeout     time.Duration
	MaxPacketSize   int
	SendQueue       int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		RestartDelay:    DefaultRestartDelay,
		MaxConnectDelay: DefaultMaxConnectDelay,
		DialTimeout:     DefaultDialTimeout,
		MaxPacketSize:   DefaultMaxPacketSize,
		SendQueue:       DefaultSendQueue,
	}
}

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption    { return func(s *Server) { s.log = l } }
func WithClock(c clock.Clock) ServerOption     { return func(s *Server) { s.clk = c } }
func WithAdvertiser(a Advertiser) ServerOption { return func(s *Server) { s.adv = a } }

// Server owns the listener and every connection of one node.
type Server struct {
	cfg Config
	h   Handler
	adv Advertiser
	log *zap.Logger
	clk clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready    chan struct{}
	port     atomic.Int32
	nextID   atomic.Uint64
	silenced atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	ln      net.Listener
	conns   map[uint64]*Conn
	byName  map[string]*Conn
	dialing map[string]struct{}
	// orphaned holds the id of a closed connection whose peer is still
	// being dialed; its disconnect waits for that dial to fail.
	orphaned map[string]uint64
}

func NewServer(cfg Config, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		cfg:     cfg,
		h:       h,
		log:     zap.NewNop(),
		clk:     clock.New(),
		ready:   make(chan struct{}),
		conns:   make(map[uint64]*Conn),
		byName:  make(map[string]*Conn),
		dialing:  make(map[string]struct{}),
		orphaned: make(map[string]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.DialTimeout <= 0 {
		s.cfg.DialTimeout = DefaultDialTimeout
	}
	s.log = s.log.With(zap.String("component", "transport"), zap.String("node", cfg.Name))
	return s
}

// Start binds and accepts in the background. Ready is closed once bound;
// a fatal bind error is delivered to Handler.OnServerFailed instead.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServerStopped
	}
	if s.started {
		return errors.New("transport: server already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Server) Ready() <-chan struct{} { return s.ready }

// Port is the bound port, 0 before Ready.
func (s *Server) Port() int { return int(s.port.Load()) }

func (s *Server) run() {
	defer s.wg.Done()

	ln, err := s.bind()
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(err)
		}
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return
	}
	s.ln = ln
	s.mu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	s.port.Store(int32(port))
	close(s.ready)
	s.log.Info("listening", zap.Int("port", port))

	if s.adv != nil {
		if err := s.adv.Advertise(s.ctx, s.cfg.Name, port); err != nil {
			s.log.Warn("advertise failed", zap.Error(err))
		}
	}

	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-s.clk.After(5 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		s.adopt(raw, Inbound, "")
	}
}

func (s *Server) bind() (net.Listener, error) {
	port := s.cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	for attempt := 1; ; attempt++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on port %d: %w", port, err)
		}
		conflict := fmt.Errorf("%w: port %d", ErrBindConflict, port)
		if s.cfg.MaxBindAttempts > 0 && attempt >= s.cfg.MaxBindAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, conflict)
		}
		if s.cfg.FixedPort {
			s.log.Warn("port in use, retrying", zap.Int("port", port), zap.Duration("delay", s.cfg.RestartDelay))
			select {
			case <-s.clk.After(s.cfg.RestartDelay):
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			}
			continue
		}
		if port >= 65535 {
			return nil, fmt.Errorf("no free port left: %w", conflict)
		}
		s.log.Debug("port in use, trying next", zap.Int("port", port))
		port++
	}
}

func (s *Server) fail(err error) {
	s.log.Error("server failed", zap.Error(err))
	if !s.silenced.Load() {
		s.h.OnServerFailed(err)
	}
}

func (s *Server) adopt(raw net.Conn, dir Direction, expected string) *Conn {
	c := newConn(s.nextID.Add(1), raw, dir, expected, s,
		connConfig{maxPacket: s.cfg.MaxPacketSize, sendQueue: s.cfg.SendQueue}, s.log)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = raw.Close()
		return nil
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	telemetry.ConnectionsTotal.WithLabelValues(dir.String()).Inc()
	c.log.Debug("connection opened")
	c.Start()
	go func() {
		defer s.wg.Done()
		c.Wait()
	}()
	return c
}

// ConnectTo dials endpoint after a random delay in [0, MaxConnectDelay]
// unless a connection to name exists by then. onSent runs once the
// connection is registered so the caller can open the handshake.
func (s *Server) ConnectTo(endpoint, name string, onSent func(Sender)) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		var delay time.Duration
		if s.cfg.MaxConnectDelay > 0 {
			delay = time.Duration(rand.Int64N(int64(s.cfg.MaxConnectDelay) + 1))
		}
		select {
		case <-s.clk.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		_, pending := s.dialing[name]
		if s.stopped || pending || s.byName[name] != nil {
			s.mu.Unlock()
			s.log.Debug("skipping dial, already connected", zap.String("peer", name))
			return
		}
		s.dialing[name] = struct{}{}
		s.mu.Unlock()

		d := net.Dialer{Timeout: s.cfg.DialTimeout}
		raw, err := d.DialContext(s.ctx, "tcp", endpoint)
		if err != nil {
			s.mu.Lock()
			delete(s.dialing, name)
			s.mu.Unlock()
			s.log.Info("dial failed", zap.String("peer", name), zap.String("endpoint", endpoint), zap.Error(err))
			return
		}
		if c := s.adopt(raw, Outbound, name); c != nil && onSent != nil {
			onSent(c)
		}
	}()
}

func (s *Server) acceptHandshake(c *Conn, name string) error {
	if name == s.cfg.Name {
		telemetry.ConnectionsRejected.WithLabelValues("self").Inc()
		return fmt.Errorf("%w: peer declared the local name %q", ErrSelfConnection, name)
	}

	s.mu.Lock()
	if c.expected != "" {
		delete(s.dialing, c.expected)
	}
	if prev := c.Name(); prev != "" && prev != name {
		s.mu.Unlock()
		return fmt.Errorf("transport: connection named %q re-declared as %q", prev, name)
	}
	existing := s.byName[name]
	if existing == nil || existing == c {
		s.byName[name] = c
		delete(s.orphaned, name)
		c.setName(name)
		s.mu.Unlock()
		return nil
	}

	if existing.dir == c.dir || s.initiator(existing, name) < s.initiator(c, name) {
		s.mu.Unlock()
		telemetry.ConnectionsRejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%w: %q already on connection %d", ErrDuplicateConnection, name, existing.id)
	}

	// c was opened by the smaller name; both ends keep it.
	s.byName[name] = c
	delete(s.orphaned, name)
	c.setName(name)
	s.mu.Unlock()

	telemetry.ConnectionsRejected.WithLabelValues("duplicate").Inc()
	s.log.Debug("replacing crossed connection", zap.String("peer", name),
		zap.Uint64("old", existing.id), zap.Uint64("new", c.id))
	existing.abort(fmt.Errorf("%w: superseded by connection %d", ErrDuplicateConnection, c.id))
	return nil
}

// initiator returns the name of the node that opened c.
func (s *Server) initiator(c *Conn, peer string) string {
	if c.dir == Outbound {
		return s.cfg.Name
	}
	return peer
}

func (s *Server) packet(c *Conn, typ wire.Type, payload []byte) {
	if s.silenced.Load() {
		return
	}
	name := c.Name()
	if name == "" {
		c.log.Debug("dropping packet before handshake", zap.Stringer("type", typ))
		return
	}
	s.h.OnPacket(Peer{Name: name, ConnID: c.id}, typ, payload)
}

func (s *Server) connStopped(c *Conn, err error) {
	name := c.Name()
	var gone *Peer

	s.mu.Lock()
	delete(s.conns, c.id)
	if c.expected != "" && name == "" {
		delete(s.dialing, c.expected)
		if id, ok := s.orphaned[c.expected]; ok && s.byName[c.expected] == nil && !s.handshaking(c.expected) {
			delete(s.orphaned, c.expected)
			gone = &Peer{Name: c.expected, ConnID: id}
		}
	}
	if name != "" && s.byName[name] == c {
		delete(s.byName, name)
		if s.handshaking(name) {
			// a crossed dial to the same peer may still complete
			s.orphaned[name] = c.id
		} else {
			gone = &Peer{Name: name, ConnID: c.id}
		}
	}
	s.mu.Unlock()

	if err != nil {
		c.log.Info("connection closed", zap.String("peer", name), zap.Error(err))
	} else {
		c.log.Debug("connection closed", zap.String("peer", name))
	}
	if gone != nil && !s.silenced.Load() {
		s.h.OnPeerDisconnected(*gone)
	}
}

// handshaking reports whether an outbound connection to name is still
// waiting for its ConnectAck. Callers hold s.mu.
func (s *Server) handshaking(name string) bool {
	for _, c := range s.conns {
		if c.expected == name && c.Name() == "" {
			return true
		}
	}
	return false
}

// Disconnect closes the accepted connection to name, if any. The handler
// sees OnPeerDisconnected once the connection has stopped.
func (s *Server) Disconnect(name string) {
	s.mu.Lock()
	var targets []*Conn
	if c := s.byName[name]; c != nil {
		targets = append(targets, c)
	} else if _, ok := s.orphaned[name]; ok {
		for _, c := range s.conns {
			if c.expected == name && c.Name() == "" {
				targets = append(targets, c)
			}
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.Stop()
	}
}

// Broadcast sends to every accepted connection.
func (s *Server) Broadcast(typ wire.Type, payload []byte) {
	s.mu.Lock()
	targets := make([]*Conn, 0, len(s.byName))
	for _, c := range s.byName {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.Send(typ, payload)
	}
}

// SendTo sends to the accepted connection named name and reports whether
// the packet was queued.
func (s *Server) SendTo(name string, typ wire.Type, payload []byte) bool {
	s.mu.Lock()
	c := s.byName[name]
	s.mu.Unlock()
	if c == nil {
		return false
	}
	return c.Send(typ, payload)
}

// Peers returns the names of accepted connections, sorted.
func (s *Server) Peers() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Stop silences the handler, closes every connection and waits for all
// goroutines. It is safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.silenced.Store(true)
	ln := s.ln
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.Stop()
	}
	s.wg.Wait()
	s.log.Debug("server stopped")
}

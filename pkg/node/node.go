// Package node assembles transport, dispatch, fan-out and discovery into
// one pub/sub participant.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/discovery"
	"github.com/ryandielhenn/zephyrbus/pkg/dispatch"
	"github.com/ryandielhenn/zephyrbus/pkg/fanout"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

var (
	ErrReservedChannel = errors.New("node: channel 0 is reserved for status events")
	ErrStopped         = errors.New("node: stopped")
)

const DefaultWorkers = 4

type Config struct {
	// Name identifies the node on the network. A random one is generated
	// when empty.
	Name      string
	Workers   int
	Transport transport.Config
	Dispatch  dispatch.Config
}

func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Workers:   DefaultWorkers,
		Transport: transport.DefaultConfig(name),
		Dispatch:  dispatch.DefaultConfig(name),
	}
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option { return func(n *Node) { n.log = l } }
func WithClock(c clock.Clock) Option  { return func(n *Node) { n.clk = c } }

// WithDiscovery advertises the node through p and dials every peer it finds.
func WithDiscovery(p discovery.Provider) Option { return func(n *Node) { n.disc = p } }

// WithRegistry replaces msg.DefaultRegistry.
func WithRegistry(r *msg.Registry) Option { return func(n *Node) { n.reg = r } }

type state uint8

const (
	idle state = iota
	running
	stopped
)

type Node struct {
	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	reg  *msg.Registry
	disc discovery.Provider

	fan  *fanout.Registry
	disp *dispatch.Dispatcher
	srv  *transport.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	state   state
	started time.Time
	err     error
}

func New(cfg Config, opts ...Option) (*Node, error) {
	n := &Node{log: zap.NewNop(), clk: clock.New()}
	for _, o := range opts {
		o(n)
	}
	if cfg.Name == "" {
		cfg.Name = "node-" + uuid.NewString()[:8]
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.Transport.Name = cfg.Name
	cfg.Dispatch.Name = cfg.Name
	if n.reg == nil {
		n.reg = msg.DefaultRegistry()
	}
	if !n.reg.Known(msg.TypeStatus) {
		if err := msg.Register[msg.Status](n.reg); err != nil {
			return nil, fmt.Errorf("register status: %w", err)
		}
	}
	n.cfg = cfg
	n.log = n.log.With(zap.String("node", cfg.Name))

	n.fan = fanout.NewRegistry(cfg.Workers, n.log)
	n.disp = dispatch.New(cfg.Dispatch, n.reg, n.deliverLocal,
		dispatch.WithLogger(n.log), dispatch.WithClock(n.clk), dispatch.WithFailureHandler(n.fail))

	sopts := []transport.ServerOption{transport.WithLogger(n.log), transport.WithClock(n.clk)}
	if n.disc != nil {
		sopts = append(sopts, transport.WithAdvertiser(n.disc))
	}
	n.srv = transport.NewServer(cfg.Transport, n.disp, sopts...)
	return n, nil
}

func (n *Node) deliverLocal(channel uint16, m msg.Message) {
	n.fan.Notify(channel, m)
}

func (n *Node) fail(err error) {
	n.mu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.mu.Unlock()
}

// Start binds the listener in the background and begins discovery once it
// is bound.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case stopped:
		return ErrStopped
	case running:
		return errors.New("node: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := n.disp.Start(ctx, n.srv); err != nil {
		cancel()
		return err
	}
	if err := n.srv.Start(ctx); err != nil {
		cancel()
		n.disp.Stop()
		return fmt.Errorf("start transport: %w", err)
	}
	n.cancel = cancel
	n.state = running
	n.started = n.clk.Now()

	if n.disc != nil {
		n.wg.Add(1)
		go n.browse(ctx)
	}
	n.log.Info("node started", zap.Strings("subscriptions", channelStrings(n.disp.Subscriptions())))
	return nil
}

func (n *Node) browse(ctx context.Context) {
	defer n.wg.Done()
	select {
	case <-n.srv.Ready():
	case <-ctx.Done():
		return
	}
	if err := n.disc.Browse(ctx, n.disp.Found); err != nil && ctx.Err() == nil {
		n.log.Warn("discovery browse ended", zap.Error(err))
	}
}

// Stop shuts everything down. Only the first call does any work; a stopped
// node cannot be started again.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.state == stopped {
		n.mu.Unlock()
		return nil
	}
	wasRunning := n.state == running
	n.state = stopped
	cancel := n.cancel
	n.mu.Unlock()

	if wasRunning {
		cancel()
		n.srv.Stop()
		n.disp.Stop()
		n.wg.Wait()
	}
	n.fan.Close()

	var err error
	if n.disc != nil {
		err = multierr.Append(err, n.disc.Close())
	}
	n.log.Info("node stopped")
	return err
}

// Ready is closed once the listener is bound.
func (n *Node) Ready() <-chan struct{} { return n.srv.Ready() }

func (n *Node) Name() string { return n.cfg.Name }

// Addr is the bound listen address, empty before Ready.
func (n *Node) Addr() string {
	port := n.srv.Port()
	if port == 0 {
		return ""
	}
	host := n.cfg.Transport.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Err reports the fatal transport error, if one occurred.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *Node) Peers() []dispatch.PeerInfo { return n.disp.Peers() }

// Publish delivers m to local subscribers of channel and then to every
// connected peer subscribed to it.
func (n *Node) Publish(channel uint16, m msg.Message) error {
	if channel == 0 {
		return ErrReservedChannel
	}
	if !n.reg.Known(m.TypeID()) {
		return fmt.Errorf("%w: 0x%04x", msg.ErrUnknownType, m.TypeID())
	}
	n.mu.Lock()
	st := n.state
	n.mu.Unlock()
	if st == stopped {
		return ErrStopped
	}

	n.fan.Notify(channel, m)
	if st != running {
		return nil
	}
	if _, err := n.disp.Publish(channel, m); err != nil && !errors.Is(err, dispatch.ErrNotStarted) {
		return err
	}
	return nil
}

func (n *Node) uptime() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != running {
		return 0
	}
	return n.clk.Since(n.started)
}

func channelStrings(chs []uint16) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = strconv.Itoa(int(ch))
	}
	return out
}

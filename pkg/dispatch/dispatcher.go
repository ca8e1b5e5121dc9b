package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const (
	DefaultCheckInterval = 300 * time.Millisecond
	DefaultCheckJitter   = 300 * time.Millisecond
	DefaultTimeout       = 2 * time.Second
	DefaultGrace         = 1 * time.Second
)

type Config struct {
	Name string
	// Liveness runs every CheckInterval plus up to CheckJitter. A peer
	// silent for longer than Timeout is probed and disconnected if still
	// silent Grace later.
	CheckInterval time.Duration
	CheckJitter   time.Duration
	Timeout       time.Duration
	Grace         time.Duration
}

func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		CheckInterval: DefaultCheckInterval,
		CheckJitter:   DefaultCheckJitter,
		Timeout:       DefaultTimeout,
		Grace:         DefaultGrace,
	}
}

// LocalFunc hands a decoded message to the local subscribers of channel.
type LocalFunc func(channel uint16, m msg.Message)

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }
func WithClock(c clock.Clock) Option  { return func(d *Dispatcher) { d.clk = c } }

// WithFailureHandler receives the fatal error of the underlying server.
func WithFailureHandler(f func(error)) Option { return func(d *Dispatcher) { d.onFailure = f } }

type Dispatcher struct {
	cfg       Config
	reg       *msg.Registry
	local     LocalFunc
	log       *zap.Logger
	clk       clock.Clock
	onFailure func(error)

	t      Transport
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	own     map[uint16]struct{}
	offered map[string][]uint16
	peers   map[string]*peer
}

var ErrNotStarted = errors.New("dispatch: not started")

func New(cfg Config, reg *msg.Registry, local LocalFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		local:   local,
		log:     zap.NewNop(),
		clk:     clock.New(),
		own:     make(map[uint16]struct{}),
		offered: make(map[string][]uint16),
		peers:   make(map[string]*peer),
	}
	for _, o := range opts {
		o(d)
	}
	if d.cfg.CheckInterval <= 0 {
		d.cfg.CheckInterval = DefaultCheckInterval
	}
	d.log = d.log.With(zap.String("component", "dispatch"), zap.String("node", cfg.Name))
	return d
}

// Start attaches the transport and launches the liveness loop.
func (d *Dispatcher) Start(ctx context.Context, t Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatch: already started")
	}
	d.running = true
	d.t = t
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.livenessLoop()
	return nil
}

// Stop ends the liveness loop and forgets every peer without emitting
// status events.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.mu.Lock()
	telemetry.Peers.Sub(float64(len(d.peers)))
	clear(d.peers)
	clear(d.offered)
	d.mu.Unlock()
}

func (d *Dispatcher) attached() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	return d.t
}

// Found is the discovery callback: it dials name unless it is ourselves.
func (d *Dispatcher) Found(name, endpoint string) {
	if name == d.cfg.Name {
		return
	}
	t := d.attached()
	if t == nil {
		return
	}
	d.log.Debug("peer found", zap.String("peer", name), zap.String("endpoint", endpoint))
	t.ConnectTo(endpoint, name, func(s transport.Sender) {
		payload := d.connectPayload(name)
		if !s.Send(wire.TypeConnect, payload) {
			d.log.Info("could not queue connect", zap.String("peer", name))
		}
	})
}

// connectPayload encodes the local handshake and, when offeredTo is set,
// remembers which channels it carried.
func (d *Dispatcher) connectPayload(offeredTo string) []byte {
	d.mu.Lock()
	channels := sortedChannels(d.own)
	if offeredTo != "" {
		d.offered[offeredTo] = channels
	}
	d.mu.Unlock()
	return wire.EncodeConnect(wire.Connect{Name: d.cfg.Name, Channels: channels})
}

// Subscribe asks peers for channel. Channel 0 is local only.
func (d *Dispatcher) Subscribe(channel uint16) {
	if channel == 0 {
		return
	}
	d.mu.Lock()
	if _, ok := d.own[channel]; ok {
		d.mu.Unlock()
		return
	}
	d.own[channel] = struct{}{}
	t := d.t
	running := d.running
	d.mu.Unlock()

	if running {
		t.Broadcast(wire.TypeSubscribeRequest, wire.EncodeSubscribe(channel))
	}
}

// Subscriptions returns the local channels announced to peers.
func (d *Dispatcher) Subscriptions() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedChannels(d.own)
}

// Publish sends m to every peer subscribed to channel and returns how many
// sends were queued.
func (d *Dispatcher) Publish(channel uint16, m msg.Message) (int, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("marshal 0x%04x: %w", m.TypeID(), err)
	}
	env := wire.EncodeEnvelope(wire.Envelope{Channel: channel, TypeID: m.TypeID(), Data: data})

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return 0, ErrNotStarted
	}
	t := d.t
	var targets []string
	for name, p := range d.peers {
		if p.wants(channel) {
			targets = append(targets, name)
		}
	}
	d.mu.Unlock()

	sent := 0
	for _, name := range targets {
		if t.SendTo(name, wire.TypeMessage, env) {
			sent++
		}
	}
	return sent, nil
}

// Peers returns a snapshot of accepted peers sorted by name.
func (d *Dispatcher) Peers() []PeerInfo {
	d.mu.Lock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.info())
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b PeerInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (d *Dispatcher) status(name string, s msg.Connectivity) {
	d.log.Info("peer "+s.String(), zap.String("peer", name))
	if d.local != nil {
		d.local(0, msg.Status{Name: name, Status: s})
	}
}

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// owner is the side of a Conn that decides handshakes and receives packets.
type owner interface {
	acceptHandshake(c *Conn, name string) error
	packet(c *Conn, typ wire.Type, payload []byte)
	connStopped(c *Conn, err error)
}

// Conn is one TCP connection to a peer.
type Conn struct {
	id       uint64
	dir      Direction
	expected string
	raw      net.Conn
	owner    owner
	log      *zap.Logger
	reasm    *Reassembler

	mu   sync.Mutex
	name string

	sendq     chan outgoing
	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

type outgoing struct {
	typ wire.Type
	b   []byte
}

type connConfig struct {
	maxPacket int
	sendQueue int
}

func newConn(id uint64, raw net.Conn, dir Direction, expected string, o owner, cfg connConfig, log *zap.Logger) *Conn {
	if cfg.sendQueue <= 0 {
		cfg.sendQueue = DefaultSendQueue
	}
	return &Conn{
		id:       id,
		dir:      dir,
		expected: expected,
		raw:      raw,
		owner:    o,
		reasm:    NewReassembler(cfg.maxPacket),
		sendq:    make(chan outgoing, cfg.sendQueue),
		done:     make(chan struct{}),
		log: log.With(
			zap.Uint64("conn", id),
			zap.Stringer("direction", dir),
			zap.String("remote", raw.RemoteAddr().String()),
		),
	}
}

func (c *Conn) ID() uint64           { return c.id }
func (c *Conn) Direction() Direction { return c.dir }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Name is the peer name adopted from the handshake, empty until then.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Conn) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Start launches the read and write goroutines.
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// Send queues a packet without blocking. It reports false when the
// connection is stopped or its queue is full.
func (c *Conn) Send(typ wire.Type, payload []byte) bool {
	b := wire.EncodePacket(wire.NewPacket(typ, payload))
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendq <- outgoing{typ: typ, b: b}:
		return true
	default:
		telemetry.Drop(telemetry.DropSendQueueFull)
		c.log.Debug("send queue full, dropping packet", zap.Stringer("type", typ))
		return false
	}
}

// Stop closes the socket. The owner is notified once the read loop exits.
func (c *Conn) Stop() { c.abort(nil) }

func (c *Conn) abort(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.raw.Close()
	})
}

// Done is closed when the connection stops.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until both goroutines have exited.
func (c *Conn) Wait() { c.wg.Wait() }

// Err returns why the connection stopped, nil for a local Stop.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer func() {
		c.owner.connStopped(c, c.Err())
	}()

	buf := make([]byte, MTU)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			frames, ferr := c.reasm.Feed(buf[:n])
			for _, f := range frames {
				if !c.handle(f) {
					return
				}
			}
			if ferr != nil {
				c.log.Warn("stream corrupt, closing", zap.Error(ferr))
				c.abort(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.abort(nil)
			} else {
				c.abort(fmt.Errorf("read: %w", err))
			}
			return
		}
	}
}

// handle processes one frame and reports whether reading should continue.
func (c *Conn) handle(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	p, err := wire.DecodePacket(frame)
	if err != nil {
		telemetry.Drop(telemetry.DropDecode)
		c.log.Debug("dropping undecodable packet", zap.Error(err))
		return true
	}
	telemetry.PacketIn(p.Type.String(), len(frame))

	if p.Type.IsHandshake() {
		name, err := wire.DecodeConnectName(p.Payload)
		if err == nil && name == "" {
			err = fmt.Errorf("%w: empty peer name", wire.ErrMalformedPacket)
		}
		if err != nil {
			telemetry.Drop(telemetry.DropDecode)
			c.log.Debug("dropping handshake with undecodable name", zap.Error(err))
			return true
		}
		if p.Type == wire.TypeConnectAck && c.dir == Outbound && c.expected != "" && name != c.expected {
			telemetry.ConnectionsRejected.WithLabelValues("self").Inc()
			c.log.Info("peer answered with another name, closing",
				zap.String("expected", c.expected), zap.String("got", name))
			c.abort(fmt.Errorf("%w: dialed %q, answered by %q", ErrSelfConnection, c.expected, name))
			return false
		}
		if err := c.owner.acceptHandshake(c, name); err != nil {
			c.log.Info("handshake rejected", zap.String("peer", name), zap.Error(err))
			c.abort(err)
			return false
		}
	}

	c.owner.packet(c, p.Type, p.Payload)
	return true
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case out := <-c.sendq:
			if _, err := c.raw.Write(out.b); err != nil {
				c.abort(fmt.Errorf("write: %w", err))
				return
			}
			telemetry.PacketOut(out.typ.String(), len(out.b))
		}
	}
}

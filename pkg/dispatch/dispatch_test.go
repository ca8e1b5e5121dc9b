package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrbus/pkg/msg"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	to      string
	typ     wire.Type
	payload []byte
}

// fakeTransport records traffic. Disconnect reports back to the dispatcher
// the way transport.Server does once the connection has stopped.
type fakeTransport struct {
	d *Dispatcher

	mu      sync.Mutex
	conns   map[string]uint64
	sent    []sent
	dropped []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(map[string]uint64)}
}

type captureSender struct {
	f    *fakeTransport
	name string
}

func (s captureSender) ID() uint64 { return 0 }
func (s captureSender) Send(typ wire.Type, payload []byte) bool {
	s.f.record(s.name, typ, payload)
	return true
}

func (f *fakeTransport) ConnectTo(_, name string, onSent func(transport.Sender)) {
	onSent(captureSender{f: f, name: name})
}

func (f *fakeTransport) Disconnect(name string) {
	f.mu.Lock()
	id, ok := f.conns[name]
	delete(f.conns, name)
	f.mu.Unlock()
	if ok {
		f.d.OnPeerDisconnected(transport.Peer{Name: name, ConnID: id})
	}
	f.mu.Lock()
	f.dropped = append(f.dropped, name)
	f.mu.Unlock()
}

func (f *fakeTransport) Broadcast(typ wire.Type, payload []byte) {
	f.record("*", typ, payload)
}

func (f *fakeTransport) SendTo(name string, typ wire.Type, payload []byte) bool {
	f.record(name, typ, payload)
	return true
}

func (f *fakeTransport) record(to string, typ wire.Type, payload []byte) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{to, typ, payload})
	f.mu.Unlock()
}

func (f *fakeTransport) sentOf(typ wire.Type) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.typ == typ {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

type delivery struct {
	channel uint16
	m       msg.Message
}

type inbox struct {
	mu  sync.Mutex
	got []delivery
}

func (in *inbox) deliver(channel uint16, m msg.Message) {
	in.mu.Lock()
	in.got = append(in.got, delivery{channel, m})
	in.mu.Unlock()
}

func (in *inbox) all() []delivery {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]delivery(nil), in.got...)
}

func (in *inbox) statuses() []msg.Status {
	var out []msg.Status
	for _, d := range in.all() {
		if s, ok := d.m.(msg.Status); ok && d.channel == 0 {
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	d   *Dispatcher
	t   *fakeTransport
	in  *inbox
	clk *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	cfg := DefaultConfig("arm")
	cfg.CheckJitter = 0
	clk := clock.NewMock()
	in := &inbox{}
	d := New(cfg, msg.DefaultRegistry(), in.deliver, WithLogger(zaptest.NewLogger(t)), WithClock(clk))
	ft := newFakeTransport()
	ft.d = d
	require.NoError(t, d.Start(context.Background(), ft))
	t.Cleanup(d.Stop)
	return &fixture{d: d, t: ft, in: in, clk: clk}
}

// connect plays the remote side of an inbound handshake.
func (fx *fixture) connect(name string, connID uint64, channels ...uint16) {
	fx.t.mu.Lock()
	fx.t.conns[name] = connID
	fx.t.mu.Unlock()
	payload := wire.EncodeConnect(wire.Connect{Name: name, Channels: channels})
	fx.d.OnPacket(transport.Peer{Name: name, ConnID: connID}, wire.TypeConnect, payload)
}

func envelope(t *testing.T, channel uint16, m msg.Message) []byte {
	data, err := m.MarshalBinary()
	require.NoError(t, err)
	return wire.EncodeEnvelope(wire.Envelope{Channel: channel, TypeID: m.TypeID(), Data: data})
}

func TestInboundHandshake(t *testing.T) {
	fx := newFixture(t)
	fx.d.Subscribe(4)

	fx.connect("hand", 1, 4, 5)

	acks := fx.t.sentOf(wire.TypeConnectAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "hand", acks[0].to)
	c, err := wire.DecodeConnect(acks[0].payload)
	require.NoError(t, err)
	assert.Equal(t, wire.Connect{Name: "arm", Channels: []uint16{4}}, c)

	assert.Equal(t, []msg.Status{{Name: "hand", Status: msg.Connected}}, fx.in.statuses())
	peers := fx.d.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, []uint16{4, 5}, peers[0].Subscriptions)
}

func TestHandshakeWithShortChannelListIsAccepted(t *testing.T) {
	fx := newFixture(t)
	fx.t.mu.Lock()
	fx.t.conns["hand"] = 1
	fx.t.mu.Unlock()

	// five channels announced, one present
	payload := append(wire.EncodeCString(nil, "hand"), 5, 0, 1, 0)
	fx.d.OnPacket(transport.Peer{Name: "hand", ConnID: 1}, wire.TypeConnect, payload)

	peers := fx.d.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "hand", peers[0].Name)
	assert.Empty(t, peers[0].Subscriptions)
	assert.Len(t, fx.t.sentOf(wire.TypeConnectAck), 1)
	assert.Equal(t, []msg.Status{{Name: "hand", Status: msg.Connected}}, fx.in.statuses())

	n, err := fx.d.Publish(1, msg.UInt8Array{Data: []byte{1}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fx.t.sentOf(wire.TypeMessage))
}

func TestRepeatedHandshakeEmitsOneConnected(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1, 4)
	// a crossed connection replaces the first one
	fx.connect("hand", 2, 4, 6)

	assert.Len(t, fx.in.statuses(), 1)
	peers := fx.d.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, uint64(2), peers[0].ConnID)

	// the superseded connection going away must not drop the peer
	fx.d.OnPeerDisconnected(transport.Peer{Name: "hand", ConnID: 1})
	assert.Len(t, fx.d.Peers(), 1)
	assert.Len(t, fx.in.statuses(), 1)

	fx.d.OnPeerDisconnected(transport.Peer{Name: "hand", ConnID: 2})
	assert.Empty(t, fx.d.Peers())
	assert.Equal(t, []msg.Status{
		{Name: "hand", Status: msg.Connected},
		{Name: "hand", Status: msg.Disconnected},
	}, fx.in.statuses())
}

func TestOutboundHandshakeRequestsLateSubscriptions(t *testing.T) {
	fx := newFixture(t)
	fx.d.Subscribe(1)

	fx.d.Found("hand", "10.0.0.2:4455")
	connects := fx.t.sentOf(wire.TypeConnect)
	require.Len(t, connects, 1)
	c, err := wire.DecodeConnect(connects[0].payload)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1}, c.Channels)

	// subscribed after the connect went out but before the ack came back
	fx.d.Subscribe(2)

	ack := wire.EncodeConnect(wire.Connect{Name: "hand"})
	fx.d.OnPacket(transport.Peer{Name: "hand", ConnID: 3}, wire.TypeConnectAck, ack)

	var direct []uint16
	for _, s := range fx.t.sentOf(wire.TypeSubscribeRequest) {
		if s.to == "hand" {
			ch, err := wire.DecodeSubscribe(s.payload)
			require.NoError(t, err)
			direct = append(direct, ch)
		}
	}
	assert.Equal(t, []uint16{2}, direct)
	assert.Empty(t, fx.t.sentOf(wire.TypeConnectAck))
}

func TestFoundIgnoresSelf(t *testing.T) {
	fx := newFixture(t)
	fx.d.Found("arm", "127.0.0.1:4455")
	assert.Empty(t, fx.t.sentOf(wire.TypeConnect))
}

func TestSubscribeBroadcastsOnce(t *testing.T) {
	fx := newFixture(t)
	fx.d.Subscribe(7)
	fx.d.Subscribe(7)
	fx.d.Subscribe(0)

	reqs := fx.t.sentOf(wire.TypeSubscribeRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "*", reqs[0].to)
	assert.Equal(t, []uint16{7}, fx.d.Subscriptions())
}

func TestPublishRoutesBySubscription(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1, 3)
	fx.connect("leg", 2)
	fx.d.OnPacket(transport.Peer{Name: "leg", ConnID: 2}, wire.TypeSubscribeRequest, wire.EncodeSubscribe(3))
	fx.connect("eye", 3, 9)

	n, err := fx.d.Publish(3, msg.UInt8Array{Data: []uint8{0xBE, 0xEF}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var to []string
	for _, s := range fx.t.sentOf(wire.TypeMessage) {
		to = append(to, s.to)
		env, err := wire.DecodeEnvelope(s.payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(3), env.Channel)
		assert.Equal(t, msg.TypeUInt8Array, env.TypeID)
	}
	assert.ElementsMatch(t, []string{"hand", "leg"}, to)
}

func TestPublishBeforeStart(t *testing.T) {
	d := New(DefaultConfig("arm"), msg.DefaultRegistry(), nil)
	_, err := d.Publish(1, msg.UInt8Array{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestIncomingMessages(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1)
	p := transport.Peer{Name: "hand", ConnID: 1}

	fx.d.OnPacket(p, wire.TypeMessage, envelope(t, 5, msg.Int16Array{Data: []int16{-2, 7}}))
	// reserved channel
	fx.d.OnPacket(p, wire.TypeMessage, envelope(t, 0, msg.Status{Name: "spoof"}))
	// unknown type
	fx.d.OnPacket(p, wire.TypeMessage, wire.EncodeEnvelope(wire.Envelope{Channel: 5, TypeID: 0x7777}))
	// truncated envelope
	fx.d.OnPacket(p, wire.TypeMessage, []byte{1, 2, 3})
	// legacy packets are not ours
	fx.d.OnPacket(p, wire.TypeLegacyPlist, []byte("<plist/>"))

	var data []delivery
	for _, d := range fx.in.all() {
		if d.channel != 0 {
			data = append(data, d)
		}
	}
	require.Len(t, data, 1)
	assert.Equal(t, uint16(5), data[0].channel)
	assert.Equal(t, msg.Int16Array{Data: []int16{-2, 7}}, data[0].m)
	assert.Len(t, fx.in.statuses(), 1)
}

func TestKeepAliveRequestIsAnswered(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1)
	fx.d.OnPacket(transport.Peer{Name: "hand", ConnID: 1}, wire.TypeKeepAliveRequest, nil)

	resp := fx.t.sentOf(wire.TypeKeepAliveResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "hand", resp[0].to)
}

func TestSilentPeerIsDisconnectedOnce(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1)

	require.Eventually(t, func() bool {
		fx.clk.Add(100 * time.Millisecond)
		return len(fx.t.disconnects()) > 0
	}, 5*time.Second, time.Millisecond)

	assert.NotEmpty(t, fx.t.sentOf(wire.TypeKeepAliveRequest))
	assert.Equal(t, []string{"hand"}, fx.t.disconnects())
	assert.Empty(t, fx.d.Peers())
	assert.Equal(t, []msg.Status{
		{Name: "hand", Status: msg.Connected},
		{Name: "hand", Status: msg.Disconnected},
	}, fx.in.statuses())
}

func TestAnsweringPeerStays(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1)
	p := transport.Peer{Name: "hand", ConnID: 1}

	// run well past timeout plus grace while the peer keeps answering
	for range 60 {
		fx.clk.Add(100 * time.Millisecond)
		fx.d.OnPacket(p, wire.TypeKeepAliveResponse, nil)
		time.Sleep(time.Millisecond)
	}
	assert.Empty(t, fx.t.disconnects())
	assert.Len(t, fx.d.Peers(), 1)
}

func TestStopForgetsPeersSilently(t *testing.T) {
	fx := newFixture(t)
	fx.connect("hand", 1)
	fx.d.Stop()

	assert.Empty(t, fx.d.Peers())
	fx.d.OnPeerDisconnected(transport.Peer{Name: "hand", ConnID: 1})
	assert.Len(t, fx.in.statuses(), 1)

	_, err := fx.d.Publish(1, msg.UInt8Array{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

// Package fanout delivers messages to local subscribers.
//
// Each subscriber holds a fixed number of in-flight permits. A message that
// finds no free permit is dropped for that subscriber rather than queued, so
// a slow callback never delays the others or the network reader.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
)

type Deliver func(msg.Message)

type subscriber struct {
	id       uint64
	channel  uint16
	typeID   uint16
	priority Priority
	permits  *semaphore.Weighted
	deliver  Deliver
}

type table map[uint16][]*subscriber

// Registry maps channels to subscribers. Notify reads an immutable
// snapshot; Subscribe replaces it.
type Registry struct {
	log    *zap.Logger
	pool   *Pool
	nextID atomic.Uint64

	mu   sync.Mutex
	subs atomic.Pointer[table]
}

func NewRegistry(workers int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{log: log.With(zap.String("component", "fanout")), pool: NewPool(workers)}
	empty := table{}
	r.subs.Store(&empty)
	return r
}

// Subscribe registers deliver for messages of typeID on channel and returns
// the subscriber id. capacity below 1 is raised to 1.
func (r *Registry) Subscribe(channel, typeID uint16, priority Priority, capacity int, deliver Deliver) uint64 {
	if capacity < 1 {
		capacity = 1
	}
	s := &subscriber{
		id:       r.nextID.Add(1),
		channel:  channel,
		typeID:   typeID,
		priority: priority,
		permits:  semaphore.NewWeighted(int64(capacity)),
		deliver:  deliver,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.subs.Load()
	next := make(table, len(old)+1)
	for ch, list := range old {
		next[ch] = list
	}
	next[channel] = append(append([]*subscriber(nil), old[channel]...), s)
	r.subs.Store(&next)
	return s.id
}

// Notify schedules m for every subscriber of channel registered for its
// type and returns how many deliveries were scheduled.
func (r *Registry) Notify(channel uint16, m msg.Message) int {
	subs := (*r.subs.Load())[channel]
	typeID := m.TypeID()
	n := 0
	for _, s := range subs {
		if s.typeID != typeID {
			continue
		}
		if !s.permits.TryAcquire(1) {
			telemetry.Drop(telemetry.DropNoPermit)
			r.log.Debug("subscriber busy, dropping message",
				zap.Uint64("subscriber", s.id), zap.Uint16("channel", channel))
			continue
		}
		if !r.pool.Submit(s.priority, func() { r.invoke(s, m) }) {
			s.permits.Release(1)
			continue
		}
		n++
	}
	return n
}

func (r *Registry) invoke(s *subscriber, m msg.Message) {
	start := time.Now()
	defer func() {
		s.permits.Release(1)
		telemetry.Deliveries.Inc()
		telemetry.DeliveryDuration.Observe(time.Since(start).Seconds())
		if p := recover(); p != nil {
			r.log.Error("subscriber panicked",
				zap.Uint64("subscriber", s.id), zap.Uint16("channel", s.channel), zap.Any("panic", p))
		}
	}()
	s.deliver(m)
}

// Channels lists the channels with at least one subscriber.
func (r *Registry) Channels() []uint16 {
	t := *r.subs.Load()
	out := make([]uint16, 0, len(t))
	for ch := range t {
		out = append(out, ch)
	}
	return out
}

// Close stops scheduling and waits for queued and running callbacks.
func (r *Registry) Close() {
	r.pool.Close()
	r.pool.Wait()
}

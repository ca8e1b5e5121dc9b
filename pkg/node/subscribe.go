package node

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/fanout"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
)

type subscribeOptions struct {
	priority fanout.Priority
	capacity int
}

type SubscribeOption func(*subscribeOptions)

// WithPriority sets the scheduling priority of the handler's callbacks.
func WithPriority(p fanout.Priority) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = p }
}

// WithCapacity sets how many callbacks may be in flight at once. Messages
// arriving while all are busy are dropped for this handler.
func WithCapacity(c int) SubscribeOption {
	return func(o *subscribeOptions) { o.capacity = c }
}

// Subscribe registers fn for messages of type M on channel and asks peers
// to send them. Channel 0 carries msg.Status events and is never requested
// from peers.
func Subscribe[M msg.Message](n *Node, channel uint16, fn func(M), opts ...SubscribeOption) error {
	o := subscribeOptions{priority: fanout.PriorityDefault, capacity: 1}
	for _, opt := range opts {
		opt(&o)
	}

	var zero M
	id := zero.TypeID()
	if !n.reg.Known(id) {
		return fmt.Errorf("%w: 0x%04x", msg.ErrUnknownType, id)
	}
	n.mu.Lock()
	st := n.state
	n.mu.Unlock()
	if st == stopped {
		return ErrStopped
	}

	n.fan.Subscribe(channel, id, o.priority, o.capacity, func(m msg.Message) {
		v, ok := m.(M)
		if !ok {
			// the registry decoded a different Go type for this id
			telemetry.Drop(telemetry.DropTypeMismatch)
			n.log.Warn("dropping message of unexpected type",
				zap.Uint16("channel", channel), zap.String("got", fmt.Sprintf("%T", m)))
			return
		}
		fn(v)
	})
	n.disp.Subscribe(channel)
	return nil
}

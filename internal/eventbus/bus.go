// Package eventbus adapts the cluster-wide database lifecycle event
// stream the Supervisor subscribes to (spec.md §6). It is deliberately
// the same shape as the teacher's in-process pub/sub (a buffered channel,
// non-blocking publish), generalized from a package-level singleton to an
// interface so the Supervisor can be driven by either this in-process bus
// or an HTTP-fed adapter in a multi-process deployment.
package eventbus

// Kind is the lifecycle event kind published for a database.
type Kind string

const (
	Created Kind = "created"
	Deleted Kind = "deleted"
	Updated Kind = "updated"
)

// Event is one cluster database lifecycle notification.
type Event struct {
	DB   string
	Kind Kind
}

// Unsubscribe releases a subscription registered with Bus.Subscribe.
type Unsubscribe func()

// Bus is consumed by the Supervisor via this contract only; how events
// reach the bus (cluster membership gossip, a message broker, a single
// process's own storage layer) is outside the Supervisor's concern.
type Bus interface {
	Subscribe() (<-chan Event, Unsubscribe)
}

// InProcBus is a lightweight in-process pub/sub backed by a buffered
// channel, for a single-process deployment where the storage layer and the
// Supervisor share an address space.
type InProcBus struct {
	ch chan Event
}

// NewInProcBus creates a bus with the given buffer size.
func NewInProcBus(buffer int) *InProcBus {
	return &InProcBus{ch: make(chan Event, buffer)}
}

// Publish enqueues evt without blocking. Returns false if the buffer is
// full — callers should treat that as "the subscriber is behind" and not
// retry indefinitely.
func (b *InProcBus) Publish(evt Event) bool {
	select {
	case b.ch <- evt:
		return true
	default:
		return false
	}
}

// Subscribe returns the bus's single consumer channel. InProcBus supports
// exactly one live subscriber, matching the Supervisor's single
// subscription to the cluster event bus.
func (b *InProcBus) Subscribe() (<-chan Event, Unsubscribe) {
	return b.ch, func() {}
}

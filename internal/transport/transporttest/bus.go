// Package transporttest provides in-process stand-ins for the relay
// connection: a recording Bus and a Network of buses that routes envelopes
// the way the relay does.
package transporttest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/transport"
)

type subscription struct {
	id uint64
	fn transport.Handler
}

type item struct {
	env  models.Envelope
	done chan struct{}
}

// Bus records everything emitted through it and delivers injected
// envelopes on its own dispatch goroutine. A Bus created by a Network
// also routes what it emits to the other buses.
type Bus struct {
	net *Network

	mu        sync.Mutex
	connID    string
	userID    string
	name      string
	connected bool
	sent      []models.Envelope
	handlers  map[models.Kind][]subscription
	nextID    uint64

	queueMu sync.Mutex
	queue   []item
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

var _ transport.Bus = (*Bus)(nil)

// NewBus returns a connected standalone bus with the given connection id.
func NewBus(connID string) *Bus {
	return newBus(nil, connID, "", "")
}

func newBus(n *Network, connID, userID, name string) *Bus {
	b := &Bus{
		net:       n,
		connID:    connID,
		userID:    userID,
		name:      name,
		connected: true,
		handlers:  make(map[models.Kind][]subscription),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) Emit(env models.Envelope) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return fmt.Errorf("%w: not connected", models.ErrConnection)
	}
	env.From = b.connID
	b.sent = append(b.sent, env)
	b.mu.Unlock()

	if b.net != nil {
		b.net.route(b, env)
	}
	return nil
}

func (b *Bus) On(kind models.Kind, fn transport.Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[kind] = slices.DeleteFunc(b.handlers[kind], func(s subscription) bool {
			return s.id == id
		})
	}
}

func (b *Bus) ConnectionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connID
}

// UserID is the identity the bus joined the network with.
func (b *Bus) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID
}

// Handlers returns how many handlers are registered for kind.
func (b *Bus) Handlers(kind models.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}

// Deliver queues env as if it had arrived from the relay.
func (b *Bus) Deliver(env models.Envelope) {
	b.enqueue(item{env: env})
}

// Flush waits until everything delivered so far has been handled.
func (b *Bus) Flush() {
	done := make(chan struct{})
	b.enqueue(item{done: done})
	select {
	case <-done:
	case <-b.closed:
	}
}

// Sent returns a copy of every envelope emitted so far.
func (b *Bus) Sent() []models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sent)
}

// SentKind returns the emitted envelopes of one kind.
func (b *Bus) SentKind(kind models.Kind) []models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Envelope
	for _, env := range b.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets the recorded envelopes.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

// SetConnected toggles whether Emit succeeds, without synthetic events.
func (b *Bus) SetConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
}

// Close stops the dispatch goroutine.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.closed)
	})
}

func (b *Bus) enqueue(it item) {
	if b.net != nil {
		b.net.pending.Add(1)
	}
	b.queueMu.Lock()
	b.queue = append(b.queue, it)
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) loop() {
	for {
		select {
		case <-b.closed:
			return
		case <-b.wake:
		}

		b.queueMu.Lock()
		batch := b.queue
		b.queue = nil
		b.queueMu.Unlock()

		for _, it := range batch {
			if it.done != nil {
				close(it.done)
			} else {
				b.deliver(it.env)
			}
			if b.net != nil {
				b.net.pending.Add(-1)
			}
		}
	}
}

func (b *Bus) deliver(env models.Envelope) {
	b.mu.Lock()
	subs := slices.Clone(b.handlers[env.Kind])
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
}

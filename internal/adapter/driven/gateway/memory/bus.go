// Package memory is an in-process relay. Endpoints implement
// port.Signaling and route through the same relay rules as the websocket
// hub.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/Wyydra/ya/internal/core/service"
)

type Bus struct {
	mu        sync.Mutex
	relay     *service.Relay
	endpoints map[domain.UserID]*Endpoint
}

func NewBus() *Bus {
	return &Bus{
		relay:     service.NewRelay(),
		endpoints: make(map[domain.UserID]*Endpoint),
	}
}

// Join connects id. Envelopes for an endpoint are dispatched in order on
// its own goroutine.
func (b *Bus) Join(id domain.UserID) *Endpoint {
	e := &Endpoint{
		id:       id,
		bus:      b,
		handlers: make(map[domain.Event]port.SignalHandler),
		queue:    make(chan domain.Envelope, 256),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	if old, ok := b.endpoints[id]; ok {
		old.close()
	}
	b.endpoints[id] = e
	b.mu.Unlock()
	go e.dispatch()
	return e
}

// Leave disconnects id as if its socket dropped.
func (b *Bus) Leave(id domain.UserID) {
	b.mu.Lock()
	e, ok := b.endpoints[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.endpoints, id)
	deliveries := b.relay.Disconnect(id)
	b.deliverLocked(deliveries)
	b.mu.Unlock()
	e.close()
}

func (b *Bus) route(from domain.UserID, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[from]; !ok {
		return fmt.Errorf("%w: %s is not connected", domain.ErrSignalingUnavailable, from)
	}
	deliveries, err := b.relay.Route(from, env, func(id domain.UserID) bool {
		_, ok := b.endpoints[id]
		return ok
	})
	if err != nil {
		return err
	}
	b.deliverLocked(deliveries)
	return nil
}

func (b *Bus) deliverLocked(deliveries []service.Delivery) {
	for _, d := range deliveries {
		if e, ok := b.endpoints[d.To]; ok {
			e.push(d.Envelope)
		}
	}
}

type Endpoint struct {
	id  domain.UserID
	bus *Bus

	mu       sync.RWMutex
	handlers map[domain.Event]port.SignalHandler
	sent     []domain.Envelope
	received []domain.Envelope

	queue chan domain.Envelope
	done  chan struct{}
	once  sync.Once
}

func (e *Endpoint) ID() domain.UserID { return e.id }

func (e *Endpoint) Send(ctx context.Context, event domain.Event, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sent = append(e.sent, env)
	e.mu.Unlock()
	return e.bus.route(e.id, env)
}

func (e *Endpoint) On(event domain.Event, handler port.SignalHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = handler
}

func (e *Endpoint) Off(event domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Sent returns the events this endpoint has sent, in order.
func (e *Endpoint) Sent() []domain.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Event, len(e.sent))
	for i, env := range e.sent {
		out[i] = env.Event
	}
	return out
}

// Received returns the events dispatched to this endpoint, in order.
func (e *Endpoint) Received() []domain.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Event, len(e.received))
	for i, env := range e.received {
		out[i] = env.Event
	}
	return out
}

func (e *Endpoint) push(env domain.Envelope) {
	select {
	case e.queue <- env:
	case <-e.done:
	}
}

func (e *Endpoint) close() {
	e.once.Do(func() { close(e.done) })
}

func (e *Endpoint) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case env := <-e.queue:
			e.mu.Lock()
			e.received = append(e.received, env)
			h := e.handlers[env.Event]
			e.mu.Unlock()
			if h != nil {
				h(env)
			}
		}
	}
}

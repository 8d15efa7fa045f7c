package ws

import (
	"sync"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/service"
	"github.com/rs/zerolog/log"
)

type inbound struct {
	from domain.UserID
	env  domain.Envelope
}

// Hub is the signaling relay. Registration, routing and delivery all run on
// the Run goroutine.
type Hub struct {
	relay   *service.Relay
	clients map[domain.UserID]Client

	inbound    chan inbound
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	once       sync.Once

	mu     sync.RWMutex
	online map[domain.UserID]bool
}

func NewHub(relay *service.Relay) *Hub {
	return &Hub{
		relay:      relay,
		clients:    make(map[domain.UserID]Client),
		inbound:    make(chan inbound, 256),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		online:     make(map[domain.UserID]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			h.setOnline(nil)
			return

		case client := <-h.register:
			if old, ok := h.clients[client.ID()]; ok && old != client {
				log.Info().Str("client_id", client.ID().String()).Msg("Replacing existing connection")
				old.Close()
			}
			h.clients[client.ID()] = client
			h.setOnline(h.clients)
			log.Info().Str("client_id", client.ID().String()).Msg("Client registered")

		case client := <-h.unregister:
			if cur, ok := h.clients[client.ID()]; !ok || cur != client {
				continue
			}
			delete(h.clients, client.ID())
			client.Close()
			h.setOnline(h.clients)
			log.Info().Str("client_id", client.ID().String()).Msg("Client unregistered")
			h.deliver(h.relay.Disconnect(client.ID()))

		case msg := <-h.inbound:
			deliveries, err := h.relay.Route(msg.from, msg.env, func(id domain.UserID) bool {
				_, ok := h.clients[id]
				return ok
			})
			if err != nil {
				log.Warn().Err(err).Str("client_id", msg.from.String()).Msg("Dropping unroutable signal")
				continue
			}
			h.deliver(deliveries)
		}
	}
}

func (h *Hub) deliver(deliveries []service.Delivery) {
	for _, d := range deliveries {
		client, ok := h.clients[d.To]
		if !ok {
			continue
		}
		if err := client.Send(d.Envelope); err != nil {
			log.Error().Err(err).Str("client_id", d.To.String()).Msg("Error sending signal")
			client.Close()
			delete(h.clients, d.To)
			h.setOnline(h.clients)
			h.deliver(h.relay.Disconnect(d.To))
		}
	}
}

func (h *Hub) setOnline(clients map[domain.UserID]Client) {
	online := make(map[domain.UserID]bool, len(clients))
	for id := range clients {
		online[id] = true
	}
	h.mu.Lock()
	h.online = online
	h.mu.Unlock()
}

// Online reports whether id has a live connection. Safe from any goroutine.
func (h *Hub) Online(id domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[id]
}

func (h *Hub) Route(from domain.UserID, env domain.Envelope) {
	select {
	case h.inbound <- inbound{from: from, env: env}:
	case <-h.quit:
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.quit) })
}

package service

import (
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Delivery is one envelope the relay must hand to a connected user.
type Delivery struct {
	To       domain.UserID
	Envelope domain.Envelope
}

// Relay decides where signaling goes. It keeps track of who is in a call
// with whom so that a dropped connection can be reported to the partner.
// It is not safe for concurrent use; the hub serializes access.
type Relay struct {
	partners map[domain.UserID]domain.UserID
}

func NewRelay() *Relay {
	return &Relay{partners: make(map[domain.UserID]domain.UserID)}
}

// Route rewrites env sent by from and returns the resulting deliveries.
func (r *Relay) Route(from domain.UserID, env domain.Envelope, online func(domain.UserID) bool) ([]Delivery, error) {
	to, out, err := env.Relay(from)
	if err != nil {
		return nil, err
	}

	switch env.Event {
	case domain.EventInitiateCall:
		if !online(to) {
			log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Callee offline")
			return []Delivery{disconnected(from, to)}, nil
		}
		r.pair(from, to)
	case domain.EventSendAnswer:
		r.pair(from, to)
	case domain.EventCallEnded, domain.EventCallTimeout, domain.EventUserBusyReply:
		r.unpair(from, to)
	}

	if !online(to) {
		log.Debug().Str("event", string(env.Event)).Str("to", to.String()).Msg("Dropping signal for offline user")
		return nil, nil
	}
	return []Delivery{{To: to, Envelope: out}}, nil
}

// Disconnect forgets id and returns the notice for its call partner, if any.
func (r *Relay) Disconnect(id domain.UserID) []Delivery {
	partner, ok := r.partners[id]
	if !ok {
		return nil
	}
	r.unpair(id, partner)
	return []Delivery{disconnected(partner, id)}
}

func (r *Relay) Partner(id domain.UserID) (domain.UserID, bool) {
	p, ok := r.partners[id]
	return p, ok
}

// pair links a and b. A user already in another call keeps that partner.
func (r *Relay) pair(a, b domain.UserID) {
	if _, ok := r.partners[a]; !ok {
		r.partners[a] = b
	}
	if _, ok := r.partners[b]; !ok {
		r.partners[b] = a
	}
}

func (r *Relay) unpair(a, b domain.UserID) {
	if r.partners[a] == b {
		delete(r.partners, a)
	}
	if r.partners[b] == a {
		delete(r.partners, b)
	}
}

func disconnected(to, gone domain.UserID) Delivery {
	env, _ := domain.NewEnvelope(domain.EventParticipantDisconnected, domain.DisconnectSignal{UserID: gone})
	return Delivery{To: to, Envelope: env}
}

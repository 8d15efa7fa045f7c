package ws

import "github.com/Wyydra/ya/internal/core/domain"

// Client is one connected relay user. Send is only called from the hub
// goroutine.
type Client interface {
	ID() domain.UserID
	Send(env domain.Envelope) error
	Close() error
}

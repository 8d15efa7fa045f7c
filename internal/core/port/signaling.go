package port

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
)

type SignalHandler func(env domain.Envelope)

// Signaling delivers named events to the addressed peer over the relay.
// Sends are fire-and-forget. At most one handler is registered per event.
type Signaling interface {
	Send(ctx context.Context, event domain.Event, payload any) error
	On(event domain.Event, handler SignalHandler)
	Off(event domain.Event)
}

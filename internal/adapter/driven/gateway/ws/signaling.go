package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Signaling is the client side of the relay connection. It implements
// port.Signaling.
type Signaling struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[domain.Event]port.SignalHandler

	done chan struct{}
	once sync.Once
}

// Dial connects to the relay at url, authenticating with token.
func Dial(ctx context.Context, url, token string) (*Signaling, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s", domain.ErrSignalingUnavailable, url, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrSignalingUnavailable, url, err)
	}
	s := &Signaling{
		conn:     conn,
		handlers: make(map[domain.Event]port.SignalHandler),
		done:     make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

func (s *Signaling) Send(ctx context.Context, event domain.Event, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("%w: connection closed", domain.ErrSignalingUnavailable)
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	return nil
}

func (s *Signaling) On(event domain.Event, handler port.SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

func (s *Signaling) Off(event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Done is closed once the connection is gone.
func (s *Signaling) Done() <-chan struct{} {
	return s.done
}

func (s *Signaling) Close() error {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.shutdown()
	return s.conn.Close()
}

func (s *Signaling) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// readPump dispatches inbound envelopes in arrival order.
func (s *Signaling) readPump() {
	defer s.shutdown()
	for {
		var env domain.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		s.mu.RLock()
		h := s.handlers[env.Event]
		s.mu.RUnlock()
		if h == nil {
			log.Debug().Str("event", string(env.Event)).Msg("No handler for signal")
			continue
		}
		h(env)
	}
}

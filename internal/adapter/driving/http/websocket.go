package http

import (
	"net/http"
	"slices"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Limits bounds how fast one connection may push signals.
type Limits struct {
	Rate  rate.Limit
	Burst int
}

type WSClient struct {
	id   domain.UserID
	conn *websocket.Conn
}

func (c *WSClient) ID() domain.UserID {
	return c.id
}

func (c *WSClient) Send(env domain.Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(h.AllowedOrigins) == 0 || slices.Contains(h.AllowedOrigins, origin)
		},
	}
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.Verify(tokenFrom(r))
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected websocket")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &WSClient{
		id:   userID,
		conn: conn,
	}

	l := log.With().Str("client_id", userID.String()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	limits := h.Limits
	if limits.Rate == 0 {
		limits.Rate = rate.Inf
	}
	limiter := rate.NewLimiter(limits.Rate, limits.Burst)
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		if !limiter.Allow() {
			l.Warn().Str("event", string(env.Event)).Msg("Rate limit exceeded, dropping signal")
			continue
		}
		h.Hub.Route(userID, env)
	}
}

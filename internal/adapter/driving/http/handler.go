package http

import (
	"net/http"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

type Handler struct {
	Hub    *ws.Hub
	Auth   *Authenticator
	Limits Limits
	// AllowedOrigins is applied to CORS and to the websocket origin check.
	// Empty allows any origin.
	AllowedOrigins []string
}

func NewHandler(hub *ws.Hub, auth *Authenticator, limits Limits, origins []string) *Handler {
	return &Handler{
		Hub:            hub,
		Auth:           auth,
		Limits:         limits,
		AllowedOrigins: origins,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", h.ServeWS)

	origins := h.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}

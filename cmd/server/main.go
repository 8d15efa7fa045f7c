package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/ya/internal/adapter/driving/http"
	"github.com/Wyydra/ya/internal/config"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/service"
	"github.com/Wyydra/ya/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to an INI settings file")
	mint := flag.String("mint", "", "print a token for the given user id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	auth := handler.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if *mint != "" {
		token, err := auth.Issue(domain.UserID(*mint))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	hub := ws.NewHub(service.NewRelay())
	limits := handler.Limits{Rate: rate.Limit(cfg.Server.RateLimit), Burst: cfg.Server.Burst}
	h := handler.NewHandler(hub, auth, limits, cfg.Server.AllowedOrigins)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting signaling relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	log.Info().Msg("Server exited")
}

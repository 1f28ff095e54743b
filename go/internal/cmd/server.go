package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/api"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/realtime"
)

const shutdownTimeout = 15 * time.Second

func setupServer(cfg *Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{cfg.AllowedOrigin},
		AllowedHeaders: []string{"Authorization", "Content-Type", api.FingerprintHeader},
		ExposedHeaders: []string{"Retry-After"},
	})

	// REST routes
	api.NewServer(api.Deps{
		Rooms:    services.Rooms,
		Votes:    services.Votes,
		Game:     services.Game,
		Content:  services.Content,
		Tokens:   services.Tokens,
		Limiter:  services.Limiter,
		Health:   services.Health,
		Breakers: services.Breakers,
		Proxies:  cfg.Proxies,
	}).RegisterRoutes(mux)

	// Websocket routes
	wsCfg := realtime.DefaultConnectionConfig()
	wsCfg.CheckOrigin = realtime.AllowOrigin(cfg.AllowedOrigin)
	wsCfg.Proxies = cfg.Proxies
	realtime.NewWebSocketHandler(services.Hub, services.Game.SocketCommands(), services.Tokens, services.Throttle, wsCfg).
		RegisterRoutes(mux)

	handler := api.RequestLogger(c.Handler(mux))

	// Setup HTTP/2 server
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs the server and background workers until ctx is done, then
// shuts everything down.
func serve(ctx context.Context, server *http.Server, services *Services) error {
	workers, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		services.Hub.Run(workers)
	}()

	if services.Scheduler != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			services.Sweeper.RunLocal(workers)
		}()
		go func() {
			defer wg.Done()
			if err := services.Scheduler.Run(workers); err != nil {
				log.Error().Err(err).Msg("asynq scheduler failed, falling back to in-process session sweep")
				services.Sweeper.RunSessions(workers)
			}
		}()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			services.Sweeper.Run(workers)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := services.Timers.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("timer shutdown failed")
	}
	stopWorkers()
	wg.Wait()
	return serveErr
}

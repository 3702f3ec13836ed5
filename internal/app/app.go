// Package app wires the store, hub, HTTP API and background workers into a
// runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/api"
	"github.com/manpreetbhatti/codepair/internal/autocomplete"
	"github.com/manpreetbhatti/codepair/internal/autosave"
	"github.com/manpreetbhatti/codepair/internal/config"
	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/db/postgres"
	"github.com/manpreetbhatti/codepair/internal/db/redisstore"
	"github.com/manpreetbhatti/codepair/internal/metrics"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

type App struct {
	server          *http.Server
	shutdownTimeout time.Duration
	hub             *ws.Hub
	sessions        *ws.Handler
	store           db.RoomStore
	limiter         *ratelimit.ClientLimiters
	autosave        *autosave.Service
	log             zerolog.Logger
}

// OpenStore connects the configured room store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (db.RoomStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return db.New(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.PostgresDSN,
			ApplicationName: "codepair",
		})
	case config.DriverRedis:
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// New builds the application. The store's active-user counters are zeroed,
// since no connection survives a restart.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("store initialized")

	if err := store.ResetActiveUsers(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("reset active users: %w", err)
	}

	suggest, err := autocomplete.New()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init autocomplete: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	hub := ws.NewHub(ws.WithQueueSize(cfg.WS.SendBuffer), ws.WithLogger(log), ws.WithMetrics(m))
	m.ObserveHub(hub)
	wsHandler := ws.NewHandler(hub, store, ws.SessionConfig{
		MessagesPerSecond: cfg.WS.MessagesPerSecond,
		MessageBurst:      cfg.WS.MessageBurst,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
	}, log)

	limiter := ratelimit.NewClientLimiters(cfg.API.RequestsPerSecond, cfg.API.RequestBurst)

	handlers := api.New(hub, store, suggest, api.Config{AutoVersionsKeep: cfg.Autosave.Keep}, log)
	router := handlers.Router(wsHandler.ServeWS, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Limiter:        limiter,
		Metrics:        m,
	})

	a := &App{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		sessions:        wsHandler,
		store:           store,
		limiter:         limiter,
		log:             log,
	}

	if versions, ok := store.(db.VersionStore); ok && cfg.Autosave.Enabled {
		a.autosave = autosave.New(store, versions, hub, autosave.Config{
			Interval: cfg.Autosave.Interval,
			Keep:     cfg.Autosave.Keep,
		}, log)
	} else if cfg.Autosave.Enabled {
		log.Info().Str("driver", cfg.Store.Driver).Msg("store keeps no versions, autosave disabled")
	}

	return a, nil
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	if a.autosave != nil {
		a.autosave.Start()
	}

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		rooms := a.hub.RoomCount()
		clients := a.hub.CloseAll()
		a.log.Info().Int("rooms", rooms).Int("clients", clients).Msg("shutting down http server")

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}
		// Sessions decrement the store as they depart, so it stays open
		// until they are done.
		if err := a.sessions.Drain(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Int("sessions", a.sessions.Active()).Msg("sessions still departing at shutdown")
		}

		a.cleanup()
		return <-serverErr
	}
}

// Close releases resources of an App that was never run.
func (a *App) Close() {
	a.cleanup()
}

func (a *App) cleanup() {
	if a.autosave != nil {
		a.autosave.Stop()
	}
	a.limiter.Stop()

	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
}

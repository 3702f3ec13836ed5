package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/metrics"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
)

type RouterConfig struct {
	AllowedOrigins []string
	// Limiter throttles /api per client address. Nil disables it.
	Limiter *ratelimit.ClientLimiters
	// Metrics instruments every route and serves /metrics. Nil disables it.
	Metrics *metrics.Metrics
}

// Router mounts the REST API, the health probe and the websocket endpoint.
func (a *API) Router(wsHandler http.HandlerFunc, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(a.log))
	r.Use(cfg.Metrics.Middleware)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", a.HealthHandler)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Get("/ws/{room_id}", wsHandler)

	r.Route("/api", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}

		r.Get("/stats", a.StatsHandler)
		r.Post("/autocomplete", a.AutocompleteHandler)

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", a.CreateRoomHandler)
			r.Get("/", a.ListRoomsHandler)

			r.Route("/{room_id}", func(r chi.Router) {
				r.Get("/", a.GetRoomHandler)
				r.Delete("/", a.DeleteRoomHandler)
				r.Get("/participants", a.ParticipantsHandler)

				if a.versions != nil {
					r.Get("/versions", a.ListVersionsHandler)
					r.Post("/versions", a.CreateVersionHandler)
				}
			})
		})

		if a.versions != nil {
			r.Route("/versions", func(r chi.Router) {
				r.Get("/diff", a.DiffVersionsHandler)
				r.Get("/{version_id}", a.GetVersionHandler)
				r.Delete("/{version_id}", a.DeleteVersionHandler)
				r.Post("/{version_id}/restore", a.RestoreVersionHandler)
			})
		}
	})

	return r
}

// accessLog logs one line per request. The wrapped writer still supports
// hijacking, so websocket upgrades pass through.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			event := log.Info()
			switch {
			case status >= 500:
				event = log.Error()
			case status >= 400:
				event = log.Warn()
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", r.RemoteAddr).
				Msg("http_request")
		})
	}
}

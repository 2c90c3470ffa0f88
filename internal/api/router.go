package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/metrics"
)

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Service        *Service
	Log            *zap.Logger
	AllowedOrigins []string
	// WebSocket serves /api/v1/ws. Optional.
	WebSocket http.HandlerFunc
	// Health lists named dependencies reported by /health.
	Health map[string]Pinger
	// RequestTimeout bounds REST handlers; the WebSocket route is exempt.
	RequestTimeout time.Duration
}

// NewRouter wires the HTTP surface.
func NewRouter(opts RouterOptions) chi.Router {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	svc := opts.Service

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler(opts.Health))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.WebSocket != nil {
			r.Get("/ws", opts.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			r.Post("/bets/place", svc.PlaceBet)
			r.Get("/bets/open", svc.ListOpen)
			r.Get("/bets/my/{userID}", svc.MyBets)
			r.Get("/bets/match/{matchID}", svc.MatchBets)
			r.Get("/bets/{offerID}", svc.GetBet)
			r.Post("/bets/accept/{offerID}", svc.AcceptBet)

			r.Post("/matches/{matchID}/settle", svc.SettleMatch)
			r.Post("/matches/{matchID}/void", svc.VoidMatch)
		})
	})
	return r
}

func healthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": state, "service": "bet-engine", "checks": checks})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

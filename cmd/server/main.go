package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/api"
	"github.com/p2pbet/bet-engine/internal/config"
	"github.com/p2pbet/bet-engine/internal/fixture"
	"github.com/p2pbet/bet-engine/internal/ledger"
	"github.com/p2pbet/bet-engine/internal/limit"
	"github.com/p2pbet/bet-engine/internal/logger"
	"github.com/p2pbet/bet-engine/internal/matcher"
	"github.com/p2pbet/bet-engine/internal/notify"
	"github.com/p2pbet/bet-engine/internal/odds"
	"github.com/p2pbet/bet-engine/internal/reaper"
	"github.com/p2pbet/bet-engine/internal/resultfeed"
	"github.com/p2pbet/bet-engine/internal/settlement"
	"github.com/p2pbet/bet-engine/internal/store"
)

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfgPath := os.Getenv("BET_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if raw := os.Getenv("BET_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}
	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log, cfg.App)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	health := map[string]api.Pinger{}

	// --- Store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, cfg.Store.PageSize)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("database migration failed", zap.Error(err))
		}
		st = pg
		health["store"] = pg
		log.Info("connected to PostgreSQL")
	case "sqlite":
		lite, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath, cfg.Store.PageSize)
		if err != nil {
			log.Fatal("sqlite open failed", zap.Error(err))
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		health["store"] = lite
		log.Info("using SQLite store", zap.String("path", cfg.Store.SQLitePath))
	default:
		log.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("invalid redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		health["redis"] = redisPinger{rdb}
		if cfg.Store.Driver != "memory" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			log.Info("redis offer cache enabled", zap.Duration("ttl", cfg.Redis.CacheTTL))
		}
	}

	// --- Engine ---
	calc, err := odds.NewCalculator(decimal.NewFromFloat(cfg.Engine.DefaultTakerOdds))
	if err != nil {
		log.Fatal("invalid engine config", zap.Error(err))
	}
	l := ledger.New(st, calc)

	var fixtures fixture.Source
	var fixtureCache *fixture.RedisSource
	if cfg.Fixture.BaseURL != "" {
		fixtures = fixture.NewHTTPSource(cfg.Fixture.BaseURL, cfg.Fixture.Timeout)
		if rdb != nil {
			fixtureCache = fixture.NewRedisSource(fixtures, rdb, cfg.Redis.CacheTTL)
			fixtures = fixtureCache
		}
	} else {
		log.Warn("fixture service not configured; placements must name sport and both teams")
	}

	var limiter *limit.ExposureLimiter
	if cfg.Limits.MaxPerMatch > 0 || cfg.Limits.MaxTotal > 0 {
		limiter = limit.NewExposureLimiter(
			decimal.NewFromFloat(cfg.Limits.MaxPerMatch),
			decimal.NewFromFloat(cfg.Limits.MaxTotal))
	}

	// --- Notifiers ---
	hub := notify.NewHub(log)
	go hub.Run(ctx)
	sinks := []notify.Sink{{Name: "websocket", Notifier: hub}}
	if rdb != nil {
		sinks = append(sinks, notify.Sink{Name: "redis", Notifier: notify.NewRedisPublisher(rdb, cfg.Redis.EventsChannel)})
	}
	if cfg.Kafka.Brokers != "" {
		w := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		cleanup = append(cleanup, func() { w.Close() })
		sinks = append(sinks, notify.Sink{Name: "kafka", Notifier: notify.NewKafkaPublisher(w)})
	}
	notifier := notify.NewMulti(log, sinks...)

	m := matcher.New(l, fixtures, limiter, notifier, log, matcher.Config{
		AcceptWindow:      cfg.Engine.AcceptWindow,
		StrictTakerOdds:   cfg.Engine.StrictTakerOdds,
		MatchCheckTimeout: cfg.Engine.MatchCheckTimeout,
	})
	engine, err := settlement.New(l, notifier, log, decimal.NewFromFloat(cfg.Engine.CommissionRate))
	if err != nil {
		log.Fatal("invalid engine config", zap.Error(err))
	}

	// --- Background jobs ---
	if cfg.Reaper.Enabled {
		rp := reaper.New(l, notifier, log)
		if err := rp.Start(ctx, cfg.Reaper.Schedule); err != nil {
			log.Fatal("reaper schedule invalid", zap.Error(err))
		}
		cleanup = append(cleanup, rp.Stop)
	}

	feedDone := make(chan struct{})
	if cfg.Kafka.Brokers != "" {
		reader := resultfeed.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic, cfg.Kafka.GroupID)
		consumer := &resultfeed.Consumer{
			Log:        log.Named("resultfeed"),
			Reader:     reader,
			Settler:    engine,
			RetryDelay: time.Second,
		}
		if fixtureCache != nil {
			consumer.Marker = fixtureCache
		}
		go func() {
			defer close(feedDone)
			defer reader.Close()
			log.Info("result feed started", zap.String("topic", cfg.Kafka.ResultsTopic))
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("result feed stopped", zap.Error(err))
			}
		}()
	} else {
		close(feedDone)
	}

	// --- HTTP ---
	router := api.NewRouter(api.RouterOptions{
		Service:        api.NewService(l, m, engine, log),
		Log:            log,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		WebSocket:      hub.HandleWS,
		Health:         health,
	})

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("bet-engine listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down bet-engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	<-feedDone
	log.Info("bet-engine stopped")
}

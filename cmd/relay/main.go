package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mossy-p/collab-relay/config"
	"github.com/mossy-p/collab-relay/internal/handlers"
	"github.com/mossy-p/collab-relay/internal/memory"
	"github.com/mossy-p/collab-relay/internal/redis"
	"github.com/mossy-p/collab-relay/internal/relay"
	"github.com/mossy-p/collab-relay/internal/repository"
	"github.com/mossy-p/collab-relay/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// stores is what the relay and its REST API persist to.
type stores interface {
	handlers.RoomStore
	handlers.MessageStore
	relay.RoomStore
	relay.SnapshotStore
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "room store backend (redis|memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres DSN for document and canvas snapshots")
	fs.StringVar(&cfg.JaegerEndpoint, "jaeger-endpoint", cfg.JaegerEndpoint, "jaeger collector endpoint")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, &logger); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped")
	}
	logger.Info().Msg("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	shutdownTracing, err := telemetry.InitJaeger("collab-relay", cfg.JaegerEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	var store stores
	switch cfg.StoreBackend {
	case config.StoreMemory:
		store = memory.NewMemStore()
		logger.Warn().Msg("using in-memory store, rooms are lost on restart")
	default:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		store = redis.NewStore(client, cfg.RoomTTL)
		logger.Info().Str("addr", cfg.RedisAddr()).Msg("redis connection established")
	}

	var snapshots relay.SnapshotStore = store
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		snapshots = repository.NewSnapshotRepository(db)
	}

	hub := relay.NewHub(relay.Config{
		Rooms:           store,
		Snapshots:       snapshots,
		Logger:          logger,
		RateLimit:       rate.Limit(cfg.Relay.RateLimit),
		RateBurst:       cfg.Relay.RateBurst,
		SendBuffer:      cfg.Relay.SendBuffer,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Hub:            hub,
		Rooms:          store,
		Messages:       store,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("starting collaboration relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not closed by Shutdown.
		if err := hub.Close(sctx); err != nil {
			logger.Error().Err(err).Msg("rooms not persisted before shutdown deadline")
		}
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}

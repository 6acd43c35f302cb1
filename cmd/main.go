package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
	"github.com/pelusa-v/pelusa-sync/internal/backend/memory"
	"github.com/pelusa-v/pelusa-sync/internal/backend/postgres"
	"github.com/pelusa-v/pelusa-sync/internal/backend/redisfeed"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/config"
	"github.com/pelusa-v/pelusa-sync/internal/handlers"
	"github.com/pelusa-v/pelusa-sync/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, feed, closeBackend, err := openBackend(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("open backend", zap.Error(err))
	}
	defer closeBackend()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv := handlers.New(store, feed, handlers.Settings{
		Session: chat.Options{
			VoiceCapture: cfg.VoiceCapture,
			EventBuffer:  cfg.EventBuffer,
			Retries:      cfg.SubscribeRetries,
			BackoffMax:   cfg.SubscribeBackoffMax,
		},
		CommandRate:  cfg.CommandRate,
		CommandBurst: cfg.CommandBurst,
	}, lg.Named("http"))
	srv.Routes(app)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			lg.Warn("shutdown", zap.Error(err))
		}
	}()

	lg.Info("listening", zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Backend), zap.String("feed", cfg.Feed))
	if err := app.Listen(cfg.Addr); err != nil {
		lg.Error("listen", zap.Error(err))
	}
}

// openBackend wires the row store and the change feed named by cfg. A feed
// without native change capture gets the store wrapped so every write is
// published to it.
func openBackend(ctx context.Context, cfg *config.Config, lg *zap.Logger) (backend.Store, backend.Feed, func(), error) {
	var (
		store   backend.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var mem *memory.Backend
	switch cfg.Backend {
	case "memory":
		mem = memory.New(memory.WithLogger(lg.Named("memory")), memory.WithBuffer(cfg.EventBuffer))
		if err := mem.Seed(cfg.SeedProfiles); err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, mem.Close)
		store = mem
	case "postgres":
		pg, err := postgres.Open(cfg.PostgresDSN, cfg.SQLDebug, lg.Named("postgres"))
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, func() {
			if sqlDB, err := pg.DB().DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, nil, errors.Wrap(err, "migrate")
		}
		store = pg
	}

	switch cfg.Feed {
	case "memory":
		return store, mem, closeAll, nil
	case "postgres":
		f := postgres.NewFeed(cfg.PostgresDSN, cfg.EventBuffer, lg.Named("listen"))
		if err := f.Start(ctx); err != nil {
			closeAll()
			return nil, nil, nil, errors.Wrap(err, "start postgres feed")
		}
		closers = append(closers, f.Close)
		return store, f, closeAll, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		f := redisfeed.New(client, cfg.RedisChannel, cfg.EventBuffer, lg.Named("redis"))
		if err := f.Start(ctx); err != nil {
			closeAll()
			return nil, nil, nil, errors.Wrap(err, "start redis feed")
		}
		closers = append(closers, func() {
			_ = f.Close()
			_ = client.Close()
		})
		return backend.Publishing(store, f, lg.Named("publish")), f, closeAll, nil
	}
	closeAll()
	return nil, nil, nil, errors.Errorf("unknown feed %q", cfg.Feed)
}

// Command server is a simulated control service: it plays a wall-clock
// playhead over the uploaded project, evaluates poses for the motion
// stream and relays controller heartbeats.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/RainbowRobotics/teleop-editor/config"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := newHub(logger.With("component", "hub"))
	go hub.run(ctx)

	var rl relay = localRelay{hub: hub}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis", "addr", cfg.RedisAddr, "topic", cfg.RedisTopic)
		rr := &redisRelay{rdb: rdb, topic: cfg.RedisTopic, hub: hub, log: logger.With("component", "relay")}
		go rr.run(ctx)
		rl = rr
	}

	var projects projectRepo = newMemoryRepo()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pool.Close()
		repo, err := newPGRepo(ctx, pool)
		if err != nil {
			log.Fatalf("Unable to prepare database: %v", err)
		}
		logger.Info("connected to postgres")
		projects = repo
	}

	quest := newQuestService(logger.With("component", "quest"))
	if cfg.QuestUDP != "" {
		if err := quest.Start(cfg.QuestUDP); err != nil {
			log.Fatalf("Failed to start UDP listener: %v", err)
		}
	}
	defer quest.Stop()

	a := newApp(logger, hub, rl, projects, quest, newSimRobot(time.Now))
	if err := a.restore(ctx); err != nil {
		log.Fatalf("Failed to restore project: %v", err)
	}

	if cfg.Advertise {
		zc, err := advertise(cfg.ServiceName, cfg.Addr)
		if err != nil {
			log.Fatalf("Failed to register mDNS service: %v", err)
		}
		defer zc.Shutdown()
		logger.Info("mdns service registered", "service", cfg.ServiceName)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: a.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("teleop sim server starting", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

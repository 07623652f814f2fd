package main

import (
	"context"
	"estatebid/internal/cachesync"
	"estatebid/internal/config"
	"estatebid/internal/database/db_client"
	"estatebid/internal/database/migrations"
	"estatebid/internal/http/http_server"
	"estatebid/internal/notify"
	"estatebid/internal/redis/livestate"
	"estatebid/internal/redis/redis_client"
	"estatebid/internal/redis/redis_functions"
	"estatebid/internal/redis/watcher/auctionwatcher"
	"estatebid/internal/repo/listingrepo"
	"estatebid/internal/services/auction"
	"estatebid/internal/ws"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

//	@title			estatebid API
//	@version		1.0
//	@description	Live auctions for real-estate listings.
//	@BasePath		/
func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client
	var auctionService auction.IAuctionService

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis
	redisClient, err = redis_client.NewRedisClient(ctx, redis_client.Options{
		Host:     cfg.RedisHost,
		Port:     int(cfg.RedisPort),
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// Load the Redis Functions lua
	if err := redis_functions.LoadAll(ctx, redisClient); err != nil {
		Log.Fatal("load-redis-funcs", zap.Error(err))
	}

	// 4. Postgres db client + schema
	pgDb, err := db_client.Open(ctx, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()

	if cfg.RunMigrations {
		if err := migrations.Up(pgDb, cfg.PostgresDb); err != nil {
			Log.Fatal("pg-migrate", zap.Error(err))
		}
	}

	// 5. Outbound notifications (optional)
	var notifier notify.Notifier = notify.Nop{}
	if cfg.NatsURL != "" {
		js, err := notify.Connect(ctx, cfg.NatsURL)
		if err != nil {
			Log.Fatal("nats-connect", zap.Error(err))
		}
		defer js.Close()
		notifier = js
	}

	// 6. Services
	repo := listingrepo.New(pgDb)
	live := livestate.New(redisClient)
	clk := clockwork.NewRealClock()
	auctionService = auction.NewAuctionService(repo, live, auction.Options{
		ExtensionWindow: cfg.BidExtensionWindow,
		Location:        cfg.Location(),
		CommitTimeout:   cfg.BidCommitTimeout,
		PublishTimeout:  cfg.PublishTimeout,
		Clock:           clk,
		Notifier:        notifier,
	})

	// 7. Background: key‑expiry watcher ➜ finalise, and the cache reconciler
	go auctionwatcher.Run(ctx, redisClient, auctionService)
	cachesync.Run(ctx, clk, cfg.CacheSyncInterval, repo, live)

	// 8. WebSockets hub + Redis fan‑out
	hub := ws.NewHub()
	subs := ws.NewSubscriptionManager(redisClient, hub)
	wsSrv := ws.NewWsServer(hub, subs, auctionService)

	// 9. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv.Handle, auctionService)
	go func() {
		<-ctx.Done()
		Log.Info("shutting down")
		_ = httpServer.Dispose()
		subs.Close()
		hub.Close()
	}()
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"swarmcast/internal/core/ports"
	"swarmcast/internal/infrastructure/mailbox"
	"swarmcast/pkg/config"
	"swarmcast/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store ports.MailboxStore
	if cfg.Redis.Enabled {
		client, err := mailbox.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("redis connection failed", "error", err)
		}
		defer client.Close()
		store = mailbox.NewRedisStore(client)
	} else {
		memStore := mailbox.NewMemoryStore()
		go memStore.RunSweeper(runCtx, cfg.Mailbox.SignalTTL)
		store = memStore
	}

	auth := mailbox.NewRoomAuth(cfg.Mailbox.JWTSecret, 24*time.Hour)
	if !auth.Enabled() {
		log.Warnw("room auth disabled, mailbox is open")
	}

	rps := 0.0
	burst := 0
	if cfg.Mailbox.RateLimit.Enabled {
		rps = cfg.Mailbox.RateLimit.RequestsPerSecond
		burst = cfg.Mailbox.RateLimit.Burst
	}

	server := mailbox.NewServer(mailbox.ServerConfig{
		SignalTTL:    cfg.Mailbox.SignalTTL,
		RateLimitRPS: rps,
		RateBurst:    burst,
	}, store, auth, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	server.SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Mailbox.Address,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("mailbox listening", "address", cfg.Mailbox.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("mailbox server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("shutting down", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http shutdown failed", "error", err)
		_ = srv.Close()
	}
	log.Infow("mailbox stopped")
}

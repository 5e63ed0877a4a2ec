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

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/internal/core/services"
	httphandlers "swarmcast/internal/handlers/http"
	"swarmcast/internal/infrastructure/cdn"
	"swarmcast/internal/infrastructure/monitoring"
	"swarmcast/internal/infrastructure/signaling"
	"swarmcast/internal/infrastructure/transfer"
	webrtcinfra "swarmcast/internal/infrastructure/webrtc"
	"swarmcast/pkg/backoff"
	"swarmcast/pkg/cache"
	"swarmcast/pkg/circuitbreaker"
	"swarmcast/pkg/config"
	"swarmcast/pkg/logger"
	"swarmcast/pkg/tracing"
	"swarmcast/pkg/utils"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		roomFlag   = flag.String("room", "", "room to join (required)")
		peerFlag   = flag.String("peer", "", "peer id (generated when empty)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *roomFlag == "" {
		log.Fatalw("missing required -room flag")
	}
	room := domain.RoomID(*roomFlag)
	self := domain.PeerID(*peerFlag)
	if self == "" {
		self = domain.PeerID(utils.GeneratePeerID())
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "swarmcast-agent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("tracing init failed", "error", err)
	}

	chunkCache := cache.New(cfg.Cache.MaxBytes, cfg.Cache.MaxEntries)

	loader := cdn.NewLoader(cdn.Config{
		AuthToken:      cfg.CDN.AuthToken,
		RequestTimeout: cfg.CDN.RequestTimeout,
		MaxRetries:     cfg.CDN.MaxRetries,
		Backoff: backoff.Policy{
			Initial:    cfg.CDN.InitialDelay,
			Max:        cfg.CDN.MaxDelay,
			Multiplier: 2.0,
			Jitter:     0.25,
		},
	}, chunkCache, log)

	client := signaling.NewClient(cfg.Signaling.BaseURL, 10*time.Second, log)
	outbox := signaling.NewOutbox(client, room, cfg.Signaling.BatchSize, cfg.Signaling.BatchWindow, log)
	limiter := transfer.NewLimiter(cfg.Share.UploadKbps, cfg.Share.Burst)

	var eng *services.Engine
	eng = services.NewEngine(services.EngineParams{
		Room: room,
		Self: self,
		Fetch: services.FetchConfig{
			Enabled:             cfg.Engine.Enabled,
			MinHealthyPeers:     cfg.Engine.MinHealthyPeers,
			MinBandwidthKbps:    cfg.Engine.MinBandwidthKbps,
			AvailabilityTimeout: cfg.Engine.AvailabilityTimeout,
			TransferTimeout:     cfg.Engine.TransferTimeout,
			MaxRacers:           cfg.Engine.MaxRacers,
		},
		Health: services.HealthConfig{
			TickInterval: cfg.Health.TickInterval,
			Decay:        cfg.Health.Decay,
			ErrorPenalty: cfg.Health.ErrorPenalty,
			Recovery:     cfg.Health.Recovery,
			Threshold:    cfg.Health.Threshold,
		},
		Breaker:   circuitbreaker.DefaultConfig(),
		SignalTTL: cfg.Signaling.SignalTTL,
		Factory:   webrtcinfra.NewFactory(cfg.WebRTC.STUNServers),
		Sender:    outbox,
		Loader:    loader,
		Cache:     chunkCache,
		NewConn: func(peer domain.PeerID, ch ports.DataChannel) ports.ChunkConn {
			return transfer.NewConn(peer, ch, chunkCache, limiter, log, func(n int) {
				eng.BytesShared(n)
			})
		},
		Logger: log,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := signaling.NewPoller(client, room, self, backoff.Policy{
		Initial:    cfg.Signaling.PollInterval,
		Max:        cfg.Signaling.PollMax,
		Multiplier: 2.0,
	}, eng.HandleSignal, log)

	eng.Start(runCtx)
	go poller.Run(runCtx)

	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector()
		go collector.Run(runCtx, eng, cfg.Monitoring.ObserveInterval)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := httphandlers.NewAgentHandler(eng, eng, log)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Agent.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("agent listening", "address", cfg.Agent.Address, "room", room, "peer", self)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("agent server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("shutting down", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http shutdown failed", "error", err)
		_ = srv.Close()
	}

	eng.Close()
	outbox.Stop()
	if err := client.AckPeer(shutdownCtx, room, self); err != nil {
		log.Warnw("mailbox cleanup failed", "error", err)
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown failed", "error", err)
	}
	log.Infow("agent stopped")
}

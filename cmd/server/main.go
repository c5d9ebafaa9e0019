package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sump-backend/internal/api"
	"sump-backend/internal/fleet"
	"sump-backend/internal/models"
	"sump-backend/internal/scheduler"
	"sump-backend/internal/shadow"
	"sump-backend/internal/stats"
	"sump-backend/internal/storage"
	"sump-backend/internal/thresholds"
	"sump-backend/pkg/config"
)

func main() {
	log.Println("Starting Sump Pump Fleet Backend...")

	cfg := config.Load()

	// === Backend RPC client ===
	client := api.NewClient(api.ClientConfig{
		AuthURL:     cfg.AuthURL,
		InvokerURL:  cfg.InvokerURL,
		AppClientID: cfg.AppClientID,
		UserAgent:   cfg.UserAgent,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Timeout:     cfg.HTTPTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Authenticate(ctx); err != nil {
		log.Fatalf("Failed to authenticate with backend: %v", err)
	}

	// === Statistic checkpoint store (Redis) ===
	checkpoints, err := storage.NewRedisCheckpointStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to initialize checkpoint store: %v", err)
	}
	defer checkpoints.Close()

	// === Statistics sink (ClickHouse) ===
	sink, err := storage.NewClickHouseSink(
		cfg.ClickHouseAddr,
		cfg.ClickHouseDB,
		cfg.ClickHouseUser,
		cfg.ClickHousePass,
	)
	if err != nil {
		log.Fatalf("Failed to initialize statistics sink: %v", err)
	}
	defer sink.Close()

	accumulator := stats.NewAccumulator(checkpoints, sink)

	// === Shadow channel factory ===
	channelCfg := shadow.Config{
		BrokerURL:      cfg.BrokerURL,
		TopicPrefix:    cfg.TopicPrefix,
		TriggerSettle:  cfg.TriggerSettle,
		ShadowSettle:   cfg.ShadowSettle,
		FallbackSettle: cfg.FallbackSettle,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	newChannel := func(device models.Device) fleet.Channel {
		return shadow.NewChannel(channelCfg, device, client, client)
	}

	// === Fleet coordinator ===
	coordinator := fleet.NewCoordinator(
		client,
		newChannel,
		accumulator,
		scheduler.Config{
			Window:           cfg.PollWindow,
			CycleWindow:      cfg.CycleWindow,
			MinInterval:      cfg.MinInterval,
			MaxInterval:      cfg.MaxInterval,
			AlertMaxInterval: cfg.AlertMaxInterval,
			Hysteresis:       cfg.Hysteresis,
		},
		thresholds.Config{
			EventDeltaMM:    cfg.EventDeltaMM,
			MinEventGap:     cfg.MinEventGap,
			MaxEventGap:     cfg.MaxEventGap,
			HistoryCapacity: cfg.HistoryCapacity,
		},
		fleet.Config{
			DeviceType:        cfg.DeviceType,
			InitialCycleLimit: cfg.InitialCycleLimit,
			CycleLimit:        cfg.CycleLimit,
		},
	)

	go coordinator.Run(ctx)

	// === Prometheus metrics endpoint ===
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("Metrics endpoint listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	log.Println("=== Sump Pump Fleet Backend is running ===")
	log.Printf("Polling policy: W=%v, window=%v, bounds=[%v, %v], alert cap=%v",
		cfg.PollWindow, cfg.CycleWindow, cfg.MinInterval, cfg.MaxInterval, cfg.AlertMaxInterval)
	log.Println("Press Ctrl+C to exit...")

	// === Wait for interrupt signal ===
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// === Graceful shutdown ===
	log.Println("Shutdown signal received, stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	// Give the coordinator time to close its channels.
	time.Sleep(1 * time.Second)

	log.Println("Shutdown complete. Goodbye!")
}

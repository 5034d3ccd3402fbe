// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sploot/media-clustering/internal/config"
	"github.com/sploot/media-clustering/internal/frontdoor"
	"github.com/sploot/media-clustering/internal/obs"
	"github.com/sploot/media-clustering/internal/redisclient"
	"github.com/sploot/media-clustering/internal/statestore"
	"github.com/sploot/media-clustering/internal/streamqueue"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	q := streamqueue.New(rdb, streamqueue.Config{
		StreamName:     cfg.Stream.Key,
		DeadLetterName: cfg.Stream.DeadLetterKey,
		ConsumerGroup:  cfg.Stream.ConsumerGroup,
		ConsumerName:   cfg.Stream.ConsumerName,
		MaxLenApprox:   cfg.Stream.MaxLen,
	})
	if err := q.EnsureGroup(context.Background()); err != nil {
		logger.Fatal("failed to ensure consumer group", obs.Err(err))
	}
	store := statestore.New(rdb, cfg.StateStore.Namespace, cfg.StateStore.TTLSeconds)

	health := func(ctx context.Context) error { return rdb.XLen(ctx, cfg.Stream.Key).Err() }
	server := frontdoor.New(q, store, health, cfg.FrontDoor.InternalToken, logger)

	httpSrv := &http.Server{
		Addr:    cfg.FrontDoor.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("front door listening", obs.String("addr", cfg.FrontDoor.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("front door server error", obs.Err(err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", obs.Err(err))
	}
	logger.Info("front door stopped")
}

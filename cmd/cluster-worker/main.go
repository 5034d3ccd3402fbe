// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sploot/media-clustering/internal/config"
	"github.com/sploot/media-clustering/internal/insights"
	"github.com/sploot/media-clustering/internal/obs"
	"github.com/sploot/media-clustering/internal/redisclient"
	"github.com/sploot/media-clustering/internal/statestore"
	"github.com/sploot/media-clustering/internal/streamqueue"
	"github.com/sploot/media-clustering/internal/worker"
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
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	q := streamqueue.New(rdb, streamqueue.Config{
		StreamName:     cfg.Stream.Key,
		DeadLetterName: cfg.Stream.DeadLetterKey,
		ConsumerGroup:  cfg.Stream.ConsumerGroup,
		ConsumerName:   cfg.Stream.ConsumerName,
		MaxLenApprox:   cfg.Stream.MaxLen,
	})
	store := statestore.New(rdb, cfg.StateStore.Namespace, cfg.StateStore.TTLSeconds)
	insightsClient := insights.New(insights.Config{
		BaseURL:        cfg.Insights.BaseURL,
		Token:          cfg.Insights.InternalToken,
		Timeout:        cfg.Insights.HTTPTimeoutSeconds,
		BreakerWindow:  cfg.CircuitBreaker.Window,
		BreakerCooloff: cfg.CircuitBreaker.CooldownPeriod,
		BreakerThresh:  cfg.CircuitBreaker.FailureThreshold,
		BreakerMinSamp: cfg.CircuitBreaker.MinSamples,
	}, logger)

	w := worker.New(cfg, q, store, insightsClient, logger)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("worker error", obs.Err(err))
	}
	logger.Info("worker stopped")
}

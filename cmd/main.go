package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"solarwatch/internal/aggregator"
	"solarwatch/internal/api"
	"solarwatch/internal/cache"
	"solarwatch/internal/config"
	"solarwatch/internal/metrics"
	"solarwatch/internal/scheduler"
	"solarwatch/internal/server"
)

// Command solarwatch polls a third-party energy monitoring API for the
// configured sites, aggregates raw telemetry into daily metrics and serves
// them over HTTP.
//
// Usage:
//
//	solarwatch [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(appConfig.Logging)

	logger.WithFields(logrus.Fields{
		"sites": len(appConfig.Sites),
		"port":  appConfig.Server.Port,
	}).Info("Starting solarwatch")

	if err := os.MkdirAll(appConfig.Cache.Dir, 0o755); err != nil {
		logger.Fatalf("Failed to create cache directory: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	responseCache := cache.NewResponseCache(cache.ResponseCachePath(appConfig.Cache.Dir), m, logger)
	reportCache := cache.NewReportCache(cache.ReportCachePath(appConfig.Cache.Dir), logger)

	tokens := api.NewTokenCache(appConfig.API.TokenURL, nil, logger)

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: appConfig.API.BaseURL,
		APIKey:  appConfig.API.Key,
		Credentials: api.Credentials{
			ClientID:     appConfig.API.ClientID,
			ClientSecret: appConfig.API.ClientSecret,
			RefreshToken: appConfig.API.RefreshToken,
		},
		Tokens:    tokens,
		Cache:     responseCache,
		Metrics:   m,
		Logger:    logger,
		RateLimit: rate.Limit(appConfig.API.RateLimit),
		RateBurst: appConfig.API.RateBurst,
	})
	if err != nil {
		logger.Fatalf("Failed to create telemetry client: %v", err)
	}

	sites := make([]aggregator.Site, len(appConfig.Sites))
	for i, s := range appConfig.Sites {
		sites[i] = aggregator.Site{ID: s.ID, Name: s.Name}
	}

	agg := aggregator.New(client, reportCache, responseCache, sites, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(ctx, agg, appConfig.Scheduler.Cron, logger)
	srv := server.New(appConfig.Server.Host, appConfig.Server.Port, agg, registry)

	errChan := make(chan error, 1)

	go func() {
		if err := sched.Start(); err != nil {
			errChan <- err
		}
	}()

	go func() {
		if err := srv.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// SIGUSR1 acts as the host's low-memory signal: drop the in-memory
	// response cache, leaving its disk file for the next cold load.
	memChan := make(chan os.Signal, 1)
	signal.Notify(memChan, syscall.SIGUSR1)
	go func() {
		for range memChan {
			logger.Info("Low-memory signal received, releasing response cache")
			responseCache.ReleaseMemory()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.WithError(err).Error("Service error, shutting down")
	case sig := <-sigChan:
		logger.WithFields(logrus.Fields{"signal": sig.String()}).Info("Received signal, shutting down")
	}

	cancel()
	sched.Stop()
	responseCache.Flush()
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

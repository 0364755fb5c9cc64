package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/credentials"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/livesync"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/queryclient"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/store"
	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/transport"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/config"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
)

const (
	serviceName    = "appointment-sync"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)
	logger.WithService(serviceName).WithField("version", serviceVersion).Info("Starting appointment sync")

	// Initialize tracing
	tracing := monitoring.NewNoopTracingManager(serviceName)
	if cfg.Tracing.Enabled {
		tracing, err = monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			Environment:    cfg.Tracing.Environment,
			SamplingRate:   cfg.Tracing.SamplingRate,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize tracing: %v", err)
		}
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewSyncMetrics(serviceName, registry)

	creds := credentials.NewStore(
		credentials.WithToken(cfg.Credentials.Token),
		credentials.WithStorageFile(cfg.Credentials.StoragePath),
		credentials.WithCookieFile(cfg.Credentials.CookiePath),
		credentials.WithNames(cfg.Credentials.Names...),
	)
	query := queryclient.NewClient(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second, creds).
		WithTracer(tracing.Tracer())

	controller := livesync.NewController(livesync.Dependencies{
		Config:      cfg.Sync,
		Query:       query,
		Dialer:      transport.NewStompDialer(),
		Credentials: creds,
		Store:       store.New(),
		Logger:      logger,
		Metrics:     metrics,
		Tracing:     tracing,
	})

	health := monitoring.NewHealthManager(serviceName, serviceVersion)
	health.SetTimeout(time.Duration(cfg.Monitoring.HealthTimeoutSeconds) * time.Second)
	health.RegisterChecker("sync", monitoring.NewSyncHealthChecker(controller))
	health.RegisterChecker("credentials", credentials.NewHealthChecker(creds))

	opts := livesync.ServerOptions{
		Middleware:     monitoring.NewMonitoringMiddleware(metrics, tracing, logger),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Server.RefreshLimit > 0 {
		period := time.Duration(cfg.Server.RefreshPeriodSeconds) * time.Second
		opts.RefreshLimiter = livesync.NewRefreshLimiter(cfg.Server.RefreshLimit, period)
		go opts.RefreshLimiter.RunCleanup(ctx, 10*period)
	}
	if cfg.Monitoring.Enabled {
		opts.Health = health
		opts.Metrics = metrics
		opts.HealthPath = cfg.Monitoring.HealthPath
		opts.MetricsPath = cfg.Monitoring.MetricsPath
	}
	server := livesync.NewServer(controller, logger, opts)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start server in a goroutine
	go func() {
		err := server.Start(addr,
			time.Duration(cfg.Server.ReadTimeout)*time.Second,
			time.Duration(cfg.Server.WriteTimeout)*time.Second,
			time.Duration(cfg.Server.IdleTimeout)*time.Second,
		)
		if err != nil {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	if cfg.Sync.ActivateOnStart {
		go func() {
			if err := controller.Activate(ctx, livesync.ActivateOptions{}); err != nil {
				logger.WithError(err).Error("Failed to activate live sync")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down appointment sync...")
	stop()
	controller.Deactivate()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error flushing traces: %v", err)
	}
	logger.Info("Appointment sync stopped")
}

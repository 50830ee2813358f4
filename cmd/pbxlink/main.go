// Command pbxlink bridges an Asterisk/FreePBX phone system to AmoCRM:
// it watches calls over the AMI, tracks them to completion and files
// call notes, unsorted leads and recordings into the CRM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbxlink/pbxlink/internal/ami"
	"github.com/pbxlink/pbxlink/internal/api"
	"github.com/pbxlink/pbxlink/internal/config"
	"github.com/pbxlink/pbxlink/internal/crm"
	"github.com/pbxlink/pbxlink/internal/database"
	"github.com/pbxlink/pbxlink/internal/metrics"
	"github.com/pbxlink/pbxlink/internal/syncer"
	"github.com/pbxlink/pbxlink/internal/tracker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting pbxlink",
		"http_port", cfg.HTTPPort,
		"ami_enabled", cfg.AMIEnabled(),
		"crm", cfg.CRMURL(),
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	tokenRepo := database.NewTokenRepository(db)
	callLogRepo := database.NewCallLogRepository(db)
	deadLetterRepo := database.NewDeadLetterRepository(db)

	tokens := crm.NewTokenStore(tokenRepo, cfg.CRMURL(),
		cfg.CRMClientID, cfg.CRMClientSecret, cfg.CRMRedirectURI, logger)
	crmClient := crm.NewClient(cfg.CRMURL(), tokens, "pbxlink", logger)

	orch := syncer.New(syncer.Config{
		Workers:       cfg.SyncWorkers,
		QueueSize:     cfg.SyncQueueSize,
		MaxAttempts:   cfg.SyncMaxAttempts,
		ContactPolicy: cfg.ContactPolicy,
		RecordingsDir: cfg.RecordingsDir,
	}, crmClient, callLogRepo, deadLetterRepo, logger)

	calls := tracker.New(cfg.DefaultCountryCode, cfg.SessionTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	start := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	start(orch.Run)
	start(tokens.Run)
	start(func(ctx context.Context) {
		calls.Run(ctx, func(s *tracker.CallSession) {
			orch.Enqueue(syncer.FactFromSession(s))
		})
	})

	var amiClient *ami.Client
	if cfg.AMIEnabled() {
		amiClient = ami.NewClient(ami.Config{
			Host:         cfg.AMIHost,
			Port:         cfg.AMIPort,
			Username:     cfg.AMIUsername,
			Secret:       cfg.AMISecret,
			Auth:         cfg.AMIAuth,
			PingInterval: cfg.AMIPingInterval,
		}, logger)
		start(amiClient.Run)
		start(func(ctx context.Context) {
			pumpEvents(ctx, amiClient, calls, orch)
		})
	} else {
		logger.Warn("ami listener disabled, only webhook calls will sync")
	}

	collector := metrics.NewCollector(amiStatus{amiClient}, calls, orch, tokens, callLogRepo, deadLetterRepo)
	metricsHandler := promhttp.HandlerFor(metrics.NewRegistry(collector), promhttp.HandlerOpts{})

	var amiForAPI api.AMIStatus
	if amiClient != nil {
		amiForAPI = amiClient
	}
	server := api.NewServer(api.Config{
		AdminJWTSecret:     cfg.AdminJWTSecret,
		DefaultCountryCode: cfg.DefaultCountryCode,
	}, amiForAPI, calls, orch, tokens, callLogRepo, deadLetterRepo, metricsHandler, logger)
	start(server.Run)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if !tokens.Authorized(ctx) {
		logger.Warn("crm not authorized yet",
			"authorize_url", tokens.AuthorizeURL(),
			"callback", fmt.Sprintf("http://localhost:%d/oauth", cfg.HTTPPort),
		)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	wg.Wait()
	logger.Info("pbxlink stopped")
	return nil
}

// pumpEvents moves AMI events through the tracker and queues finished
// calls for delivery.
func pumpEvents(ctx context.Context, amiClient *ami.Client, calls *tracker.Tracker, orch *syncer.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-amiClient.Events():
			if s := calls.Ingest(ev); s != nil {
				orch.Enqueue(syncer.FactFromSession(s))
			}
		}
	}
}

// amiStatus adapts a possibly-nil AMI client for the metrics collector.
type amiStatus struct {
	client *ami.Client
}

func (a amiStatus) Connected() bool {
	return a.client != nil && a.client.Connected()
}

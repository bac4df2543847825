package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GorshkovIvan/voice-agent/internal/api"
	"github.com/GorshkovIvan/voice-agent/internal/assistant"
	"github.com/GorshkovIvan/voice-agent/internal/batch"
	"github.com/GorshkovIvan/voice-agent/internal/channel"
	"github.com/GorshkovIvan/voice-agent/internal/config"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
	"github.com/GorshkovIvan/voice-agent/internal/monitoring"
	"github.com/GorshkovIvan/voice-agent/internal/notify"
	"github.com/GorshkovIvan/voice-agent/internal/orchestrator"
	"github.com/GorshkovIvan/voice-agent/internal/poller"
	"github.com/GorshkovIvan/voice-agent/internal/storage"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"
)

func main() {
	cfg := config.Default()
	logger.Init(cfg.Logging.Level, cfg.Logging.Format, "batchd")
	log := logger.GetDefault()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", logger.Fields{"error": err})
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to open result store", logger.Fields{
			"backend": cfg.Store.Backend,
			"error":   err,
		})
	}
	defer store.Close()

	service, err := batch.NewHTTPClient(batch.ClientConfig{
		BaseURL:          cfg.Batch.BaseURL,
		APIKey:           cfg.Batch.APIKey,
		Model:            cfg.Batch.Model,
		CompletionWindow: cfg.Batch.CompletionWindow,
		Temperature:      &cfg.Batch.Temperature,
		MaxTokens:        cfg.Batch.MaxTokens,
		Timeout:          cfg.Batch.RequestTimeout,
		Logger:           log.WithComponent("batch"),
	})
	if err != nil {
		log.Fatal("Failed to create batch client", logger.Fields{"error": err})
	}

	// The console session stays attached for the life of the process
	session := channel.NewSwitch()
	console := channel.NewConsole(os.Stdout, cfg.Console.WordDelay)
	session.Attach(console)
	defer console.Close()

	metrics := monitoring.NewMetrics()
	dispatcher := notify.NewDispatcher(session, notify.Config{
		Timeout: cfg.Notify.Timeout,
		Logger:  log.WithComponent("notify"),
		Metrics: metrics,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Submit: batch.SubmitterConfig{
			Retries:    cfg.Submit.Retries,
			RetryDelay: cfg.Submit.RetryDelay,
		},
		Poller: poller.Config{
			Interval:     cfg.Poller.Interval,
			MaxFailures:  cfg.Poller.MaxFailures,
			StoreTimeout: cfg.Poller.StoreTimeout,
		},
		DedupWindow:   cfg.Dedup.Window,
		SweepInterval: cfg.Dedup.SweepInterval,
	}, orchestrator.Deps{
		Service:  service,
		Store:    store,
		Notifier: dispatcher,
		Logger:   log.WithComponent("orchestrator"),
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatal("Failed to create orchestrator", logger.Fields{"error": err})
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.API.ListenAddr,
		Orchestrator: orch,
		Logger:       log.WithComponent("api"),
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		go runConsole(ctx, os.Stdin, console, assistant.NewTools(orch), log.WithComponent("console"))
	}

	log.Info("batchd is running", logger.Fields{
		"api":     cfg.API.ListenAddr,
		"backend": cfg.Store.Backend,
		"model":   cfg.Batch.Model,
	})

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error("API server failed", logger.Fields{"error": err})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API shutdown failed", logger.Fields{"error": err})
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown failed", logger.Fields{"error": err})
	}
	log.Info("batchd stopped")
}

func openStore(cfg *config.Config) (storage.ResultStore, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		return storage.OpenSQLite(cfg.SQLite.Path)
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return storage.OpenRedis(ctx, &redis.Options{
			Addr:     cfg.Redis.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/server"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/users"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := users.NewStore(cfg.BcryptCost)
	if err := store.SeedAdmin(cfg.AdminUsername, cfg.AdminSecret); err != nil {
		return err
	}

	var (
		archive storage.TripStore
		ready   func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, filepath.Join("migrations", "001_create_rides.sql")); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		archive, ready = ps, ps.Ping
	} else {
		archive = storage.NewMemoryStore()
	}

	sinks := []events.Sink{&storage.ArchiveSink{Store: archive}}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	bus := events.NewBus(cfg.EventBuffer, logger, sinks...)
	busCtx, stopBus := context.WithCancel(context.Background())
	go bus.Run(busCtx)

	reg := registry.New(store, registry.WithLogger(logger), registry.WithEventSink(bus))
	logger.Info("registry started", "run_id", reg.RunID())

	api := httpapi.NewServer(reg, store, logger)
	api.OutboxSize = cfg.OutboxSize
	api.WriteTimeout = cfg.WriteTimeout
	api.Ready = ready
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		stopBus()
		return err
	}
	tcp := &server.TCPServer{
		Registry:     reg,
		Logger:       logger,
		Tracker:      api.Tracker,
		OutboxSize:   cfg.OutboxSize,
		WriteTimeout: cfg.WriteTimeout,
	}

	tcpDone := make(chan error, 1)
	go func() { tcpDone <- tcp.Serve(ctx, ln) }()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		stop()
	case runErr = <-tcpDone:
		tcpDone = nil
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	api.Tracker.CloseAll()
	if tcpDone != nil {
		select {
		case <-tcpDone:
		case <-shutdownCtx.Done():
			logger.Warn("tcp sessions did not finish before timeout")
		}
	}

	stopBus()
	select {
	case <-bus.Done():
	case <-shutdownCtx.Done():
		logger.Warn("event bus did not drain before timeout")
	}
	return runErr
}

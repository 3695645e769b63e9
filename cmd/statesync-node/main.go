package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/marcus/statesync/internal/api"
	"github.com/marcus/statesync/internal/config"
	"github.com/marcus/statesync/internal/db"
	"github.com/marcus/statesync/internal/replica"
	"github.com/marcus/statesync/internal/telemetry"
	"github.com/marcus/statesync/internal/transport"
	"github.com/marcus/statesync/internal/transport/grpcpeer"
	"github.com/marcus/statesync/internal/transport/httppeer"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("STATESYNC_CONFIG"), "Path to a YAML config file (env STATESYNC_CONFIG)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("node stopped", "err", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		NodeID:      cfg.Node.ID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	table, err := cfg.Workflow.Table()
	if err != nil {
		return err
	}

	var storage replica.Storage
	if cfg.Node.Storage == "sqlite" {
		database, err := db.Open(ctx, cfg.Node.DataDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer database.Close()
		storage = database
		slog.Info("storage opened", "dir", cfg.Node.DataDir)
	} else {
		slog.Warn("running without durable storage", "storage", cfg.Node.Storage)
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	engine, err := replica.New(ctx, replica.Config{
		NodeID:          cfg.Node.ID,
		Table:           table,
		Storage:         storage,
		Transport:       tr,
		Peers:           cfg.Peers,
		Interval:        cfg.Sync.Interval,
		BatchSize:       cfg.Sync.BatchSize,
		MaxRetries:      cfg.Sync.MaxRetries,
		RetryBackoff:    cfg.Sync.RetryBackoff,
		RetryBackoffMax: cfg.Sync.RetryBackoffMax,
		SendTimeout:     cfg.Sync.SendTimeout,
		FlushTimeout:    cfg.Sync.FlushTimeout,
	})
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("node started", "node", cfg.Node.ID, "transport", cfg.Transport.Kind, "peers", len(cfg.Peers))

	var srv *api.Server
	if cfg.Admin.ListenAddr != "" {
		srv, err = api.NewServer(api.Config{
			ListenAddr:         cfg.Admin.ListenAddr,
			Token:              cfg.Admin.Token,
			RateLimitWrite:     cfg.Admin.RateLimit,
			CORSAllowedOrigins: cfg.Admin.CORSOrigins,
		}, engine)
		if err != nil {
			return closeEngine(engine, cfg, fmt.Errorf("create admin server: %w", err))
		}
		if err := srv.Start(); err != nil {
			return closeEngine(engine, cfg, fmt.Errorf("start admin server: %w", err))
		}
		slog.Info("admin api listening", "addr", srv.Addr())
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin shutdown", "err", err)
		}
	}
	if err := engine.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	slog.Info("node stopped cleanly", "queued", engine.QueueSize())
	return nil
}

func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "grpc":
		return grpcpeer.New(grpcpeer.Config{
			NodeID:     cfg.Node.ID,
			ListenAddr: cfg.Transport.ListenAddr,
			Token:      cfg.Transport.Token,
		})
	case "http":
		return httppeer.New(httppeer.Config{
			NodeID:     cfg.Node.ID,
			ListenAddr: cfg.Transport.ListenAddr,
			Token:      cfg.Transport.Token,
		})
	default:
		return nil, errors.New("unknown transport kind " + cfg.Transport.Kind)
	}
}

func closeEngine(engine *replica.Engine, cfg *config.Config, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		slog.Warn("close engine", "err", err)
	}
	return cause
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/newmq/internal/audit"
	"github.com/rickgao/newmq/internal/broker"
	"github.com/rickgao/newmq/internal/config"
	"github.com/rickgao/newmq/internal/database"
	"github.com/rickgao/newmq/internal/server"
	"github.com/rickgao/newmq/internal/session"
	"github.com/rickgao/newmq/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting broker",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("broker stopped")
}

func loadConfig(path string) (*config.BrokerConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAndValidate(path)
}

func run(ctx context.Context, cfg *config.BrokerConfig, logger *slog.Logger) error {
	brokerOpts := []broker.Option{broker.WithLogger(logger)}
	var serverOpts []server.Option

	// Optional event journal
	var journal *audit.Writer
	if cfg.Audit.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Audit.Database.Host,
			"port", cfg.Audit.Database.Port,
			"database", cfg.Audit.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.Audit.Database, "newmq-"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if err := audit.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		journal = audit.NewWriter(audit.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			BufferSize:    cfg.Audit.BufferSize,
		}, pool, logger)
		if err := journal.Start(ctx); err != nil {
			return err
		}

		brokerOpts = append(brokerOpts, broker.WithEventSink(journal))
		serverOpts = append(serverOpts,
			server.WithHealthCheck("journal", pool.Ping),
			server.WithStats("journal", func() any { return journal.Stats() }),
		)
	}

	b := broker.New(brokerOpts...)

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		Path:              cfg.Server.Path,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Session: session.Config{
			SendBufferSize:    cfg.Connections.SendBufferSize,
			MaxSendBufferSize: cfg.Connections.MaxSendBufferSize,
			MaxMessageSize:    cfg.Connections.MaxMessageSize,
			WriteTimeout:      cfg.Connections.WriteTimeout,
			PingInterval:      cfg.Connections.PingInterval,
			PongTimeout:       cfg.Connections.PongTimeout,
		},
	}, b, append(serverOpts, server.WithLogger(logger))...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		logStats(gctx, b, journal, logger)
		return nil
	})
	err := g.Wait()

	// Sessions are gone; drain what the journal still holds.
	if journal != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		journal.Stop(stopCtx)
	}

	stats := b.Stats()
	logger.Info("final broker stats",
		"published", stats.Published,
		"deliveries", stats.Deliveries,
		"delivery_failures", stats.DeliveryFailures,
	)
	return err
}

// logStats reports broker counters every minute until ctx is done.
func logStats(ctx context.Context, b *broker.Broker, journal *audit.Writer, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			attrs := []any{
				"connections", stats.Connections,
				"channels", stats.Channels,
				"subscriptions", stats.Subscriptions,
				"published", stats.Published,
				"delivery_failures", stats.DeliveryFailures,
			}
			if journal != nil {
				js := journal.Stats()
				attrs = append(attrs, "journal_inserts", js.Inserts, "journal_dropped", js.Dropped)
			}
			logger.Info("stats", attrs...)
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

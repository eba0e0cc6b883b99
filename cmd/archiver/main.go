package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wchat/relay/internal/config"
	"github.com/wchat/relay/internal/history"
	"github.com/wchat/relay/internal/messaging"
	"github.com/wchat/relay/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "archiver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("archiver", pflag.ContinueOnError)
	flags.StringVar(&cfg.HistoryDSN, "dsn", cfg.HistoryDSN, "PostgreSQL connection string (overrides HISTORY_DSN)")
	migrateOnly := flags.Bool("migrate-only", false, "apply schema migrations and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if cfg.HistoryDSN == "" {
		return errors.New("HISTORY_DSN or --dsn is required")
	}

	logger := cfg.NewLogger(os.Stderr).With("server", cfg.ServerName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := history.Open(connectCtx, cfg.HistoryDSN)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := history.Migrate(db); err != nil {
		return err
	}
	logger.Info("schema up to date")
	if *migrateOnly {
		return nil
	}

	otelShutdown, err := telemetry.Setup(ctx, "wchat-archiver", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "wchat-archiver-" + cfg.ServerName
	nc, err := messaging.NewClient(natsConfig, logger)
	if err != nil {
		return err
	}

	// One member of the queue group stores each event.
	archiver := history.NewArchiver(history.NewStore(db), 5*time.Second, logger)
	if err := nc.QueueSubscribe(cfg.EventSubject, cfg.ArchiverQueue, archiver.HandleMessage); err != nil {
		nc.Close()
		return err
	}

	logger.Info("archiver running", "subject", cfg.EventSubject, "queue", cfg.ArchiverQueue, "nats", natsConfig.URL)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	nc.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelShutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return nil
}

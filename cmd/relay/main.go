package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/wchat/relay/internal/bot"
	"github.com/wchat/relay/internal/config"
	"github.com/wchat/relay/internal/fanout"
	"github.com/wchat/relay/internal/inactivity"
	"github.com/wchat/relay/internal/messaging"
	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/ratelimit"
	"github.com/wchat/relay/internal/roomstate"
	"github.com/wchat/relay/internal/router"
	"github.com/wchat/relay/internal/telemetry"
	"github.com/wchat/relay/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP/WebSocket listen address")
	printConfig := flags.Bool("print-config", false, "print the effective configuration and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *printConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	logger := cfg.NewLogger(os.Stderr).With("server", cfg.ServerName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Setup(ctx, "wchat-relay", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "wchat-relay-" + cfg.ServerName
	nc, err := messaging.NewClient(natsConfig, logger)
	if err != nil {
		rdb.Close()
		return err
	}

	// --- Core ---
	store := roomstate.NewRedisStore(rdb)
	pub := fanout.NewPublisher(nc, cfg.EventSubject, logger)

	bridge := bot.NewBridge(bot.Config{
		Endpoint:    cfg.BotEndpoint,
		Timeout:     cfg.BotTimeout,
		MaxInFlight: cfg.BotMaxInFlight,
	}, pub, logger)

	scheduler := inactivity.New(store, pub, inactivity.Config{
		Timeout:      cfg.InactivityTimeout,
		Message:      cfg.InactivityMessage,
		StoreTimeout: cfg.StoreTimeout,
		Workers:      cfg.TimerWorkers,
	}, logger)

	rtr := router.New(store, pub, bridge, scheduler, router.Options{
		StoreTimeout: cfg.StoreTimeout,
		ResetOnTalk:  cfg.InactivityResetOnTalk,
	}, logger)

	limiter := ratelimit.NewLimiter(rdb, logger)

	// --- Transport ---
	dispatcher := ws.NewMessageDispatcher(logger)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		UseEpoll:       cfg.UseEpoll,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, dispatcher.Dispatch, logger)

	handlers := &ws.ChatHandlers{
		Conns:     server.Connections(),
		Router:    rtr,
		Limiter:   limiter,
		EventRule: ratelimit.EventRule(cfg.EventRateLimit, cfg.EventRateWindow),
		Timeout:   2*cfg.StoreTimeout + cfg.PublishTimeout,
		Logger:    logger,
	}
	var greeter *bot.Greeter
	if cfg.GreetingEnabled {
		greeter = bot.NewGreeter(store, pub, bot.GreeterConfig{
			Delay:        cfg.GreetingDelay,
			Message:      cfg.GreetingMessage,
			StoreTimeout: cfg.StoreTimeout,
		}, logger)
		handlers.Greeter = greeter
	}
	handlers.Register(dispatcher)

	server.SetPendingTimers(scheduler.Pending)
	server.Handle("GET /metrics", metrics.Handler())
	server.Handle("POST /api/bot/callback", ws.CallbackHandler(bridge, limiter,
		ratelimit.CallbackRule(cfg.CallbackRateLimit, cfg.CallbackRateWindow), logger))
	server.Handle("POST /api/notice", ws.NoticeHandler(rtr, cfg.PublishTimeout, logger))

	// Every node sees every event and delivers to its own sessions.
	subscriber := fanout.NewSubscriber(server, logger)
	if err := subscriber.Start(nc, cfg.EventSubject); err != nil {
		nc.Close()
		rdb.Close()
		return err
	}

	logger.Info("relay starting",
		"listen", cfg.ListenAddr,
		"subject", cfg.EventSubject,
		"nats", natsConfig.URL,
		"redis", cfg.RedisAddr,
		"inactivity_timeout", cfg.InactivityTimeout,
		"reset_on_talk", cfg.InactivityResetOnTalk,
		"bot_endpoint", cfg.BotEndpoint,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serveErr:
		logger.Error("server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	scheduler.Close()
	if greeter != nil {
		greeter.Close()
	}
	bridge.Wait()
	if err := nc.Flush(cfg.PublishTimeout); err != nil {
		logger.Warn("nats flush", "error", err)
	}
	nc.Close()
	rdb.Close()
	if err := otelShutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}

	logger.Info("relay stopped")
	return err
}

// Package config loads relay and archiver settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting of the relay and archiver processes.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerName string `env:"SERVER_NAME"`

	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`

	NATSURL        string        `env:"NATS_URL"        envDefault:"nats://localhost:4222"`
	EventSubject   string        `env:"EVENT_SUBJECT"   envDefault:"wchat.events"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT"   envDefault:"2s"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s"`

	InactivityTimeout     time.Duration `env:"INACTIVITY_TIMEOUT"       envDefault:"5m"`
	InactivityResetOnTalk bool          `env:"INACTIVITY_RESET_ON_TALK" envDefault:"true"`
	InactivityMessage     string        `env:"INACTIVITY_MESSAGE"       envDefault:"The agent has been inactive for a while. The bot will take over this conversation."`
	TimerWorkers          int           `env:"TIMER_WORKERS"            envDefault:"5"`

	BotEndpoint    string        `env:"BOT_ENDPOINT"     envDefault:"http://localhost:3000/api/ask"`
	BotTimeout     time.Duration `env:"BOT_TIMEOUT"      envDefault:"5s"`
	BotMaxInFlight int           `env:"BOT_MAX_INFLIGHT" envDefault:"64"`

	GreetingEnabled bool          `env:"GREETING_ENABLED" envDefault:"true"`
	GreetingDelay   time.Duration `env:"GREETING_DELAY"   envDefault:"500ms"`
	GreetingMessage string        `env:"GREETING_MESSAGE" envDefault:"Hello! I'm the assistant. How can I help you today?"`

	UseEpoll          bool          `env:"WS_EPOLL"           envDefault:"true"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE"   envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS"    envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT"       envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"      envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT"  envDefault:"10s"`

	EventRateLimit     int           `env:"EVENT_RATE_LIMIT"     envDefault:"20"`
	EventRateWindow    time.Duration `env:"EVENT_RATE_WINDOW"    envDefault:"10s"`
	CallbackRateLimit  int           `env:"CALLBACK_RATE_LIMIT"  envDefault:"200"`
	CallbackRateWindow time.Duration `env:"CALLBACK_RATE_WINDOW" envDefault:"1s"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`

	HistoryDSN    string `env:"HISTORY_DSN"`
	ArchiverQueue string `env:"ARCHIVER_QUEUE" envDefault:"wchat-archivers"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses the environment. SERVER_NAME falls back to the hostname.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.ServerName == "" {
		host, _ := os.Hostname()
		cfg.ServerName = host
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "relay-1"
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.EventSubject == "":
		return fmt.Errorf("config: EVENT_SUBJECT must not be empty")
	case c.InactivityTimeout <= 0:
		return fmt.Errorf("config: INACTIVITY_TIMEOUT must be positive, got %s", c.InactivityTimeout)
	case c.TimerWorkers < 1:
		return fmt.Errorf("config: TIMER_WORKERS must be at least 1, got %d", c.TimerWorkers)
	case c.BotMaxInFlight < 1:
		return fmt.Errorf("config: BOT_MAX_INFLIGHT must be at least 1, got %d", c.BotMaxInFlight)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return level, nil
}

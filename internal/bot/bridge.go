// Package bot connects rooms in bot mode to the external bot service.
// Customer messages are posted to the bot's ask endpoint off the routing
// path, and the bot's asynchronous replies come back through OnCallback.
package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
)

// ErrBridgeFailure is returned when the bot service could not be reached,
// answered with a non-2xx status, or the in-flight limit was exhausted.
var ErrBridgeFailure = errors.New("bot: bridge failure")

// Publisher puts an event on the shared subject.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.ChatEvent) error
}

// Config tunes a Bridge.
type Config struct {
	Endpoint    string        // bot ask URL
	Timeout     time.Duration // per request
	MaxInFlight int           // concurrent forwards; further forwards are dropped
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "http://localhost:3000/api/ask",
		Timeout:     5 * time.Second,
		MaxInFlight: 64,
	}
}

// Bridge forwards customer messages to the bot and publishes its replies.
type Bridge struct {
	cfg    Config
	client *http.Client
	pub    Publisher
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewBridge creates a Bridge that publishes bot replies through pub.
func NewBridge(cfg Config, pub Publisher, logger *slog.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		pub:    pub,
		logger: logger.With("component", "bot"),
		sem:    make(chan struct{}, cfg.MaxInFlight),
	}
}

// Forward posts ev to the bot on its own goroutine and returns immediately.
// Failures are logged and counted; nothing is retried.
func (b *Bridge) Forward(ev protocol.ChatEvent) {
	select {
	case b.sem <- struct{}{}:
	default:
		metrics.BotForwards.WithLabelValues("dropped").Inc()
		b.logger.Warn("bot forward dropped, too many in flight", "room", ev.RoomID, "limit", cap(b.sem))
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
		defer cancel()

		if err := b.Ask(ctx, ev); err != nil {
			metrics.BotForwards.WithLabelValues("error").Inc()
			b.logger.Warn("bot forward failed", "room", ev.RoomID, "id", ev.ID, "error", err)
			return
		}
		metrics.BotForwards.WithLabelValues("ok").Inc()
	}()
}

// Ask posts ev to the bot endpoint and waits for the status. The reply
// itself arrives later on the callback endpoint.
func (b *Bridge) Ask(ctx context.Context, ev protocol.ChatEvent) error {
	body, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrBridgeFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrBridgeFailure, b.cfg.Endpoint, resp.StatusCode)
	}
	return nil
}

// OnCallback publishes a bot reply. Sender, type and bot mode are always
// overwritten; only the room and text are taken from the body.
func (b *Bridge) OnCallback(ctx context.Context, ev protocol.ChatEvent) error {
	if ev.RoomID == "" {
		return fmt.Errorf("%w: callback without roomId", protocol.ErrMalformedEvent)
	}
	ev.Sender = protocol.SenderBot
	ev.Type = protocol.TypeTalk
	ev.BotMode = true

	metrics.BotCallbacks.Inc()
	b.logger.Debug("bot reply", "room", ev.RoomID)
	return b.pub.Publish(ctx, ev)
}

// Wait blocks until every in-flight forward has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/roomstate"
	"github.com/wchat/relay/internal/timer"
)

// DefaultGreeting is the welcome text sent when a customer opens a room.
const DefaultGreeting = "Hello! I'm the assistant. How can I help you today?"

// GreeterConfig tunes a Greeter.
type GreeterConfig struct {
	Delay        time.Duration
	Message      string
	StoreTimeout time.Duration // bound on the bot-mode read; zero means 2s
	Clock        timer.Clock
}

// Greeter sends one delayed welcome message per room. Greeting a room again
// before the delay elapses replaces the pending greeting. Rooms an agent
// holds when the delay elapses are not greeted.
type Greeter struct {
	timers *timer.Registry
	store  roomstate.Store
	pub    Publisher
	cfg    GreeterConfig
	logger *slog.Logger
}

// NewGreeter creates a Greeter that checks store and publishes through pub.
func NewGreeter(store roomstate.Store, pub Publisher, cfg GreeterConfig, logger *slog.Logger) *Greeter {
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	if cfg.Message == "" {
		cfg.Message = DefaultGreeting
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Greeter{
		timers: timer.NewRegistry(timer.Options{Kind: "greeting", Clock: cfg.Clock}),
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "bot"),
	}
}

// Greet schedules the welcome message for roomID. The broadcast room is
// never greeted.
func (g *Greeter) Greet(roomID string) {
	if roomID == "" || roomID == protocol.RoomAll {
		return
	}
	g.timers.Schedule(roomID, g.cfg.Delay, g.send)
}

// Pending returns the number of scheduled greetings.
func (g *Greeter) Pending() int {
	return g.timers.Len()
}

// Close drops every pending greeting.
func (g *Greeter) Close() {
	g.timers.Close()
}

func (g *Greeter) send(roomID string) {
	if !g.isBotMode(roomID) {
		g.logger.Debug("agent holds room, greeting skipped", "room", roomID)
		return
	}
	ev := protocol.ChatEvent{
		Type:    protocol.TypeTalk,
		RoomID:  roomID,
		Sender:  protocol.SenderBot,
		Message: g.cfg.Message,
		BotMode: true,
	}
	if err := g.pub.Publish(context.Background(), ev); err == nil {
		g.logger.Debug("greeted", "room", roomID)
	}
}

// isBotMode reads the room's flag, treating a store failure as bot mode.
func (g *Greeter) isBotMode(roomID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	botMode, err := g.store.IsBotMode(ctx, roomID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		g.logger.Warn("bot mode read failed, greeting anyway", "room", roomID, "error", err)
		return true
	}
	return botMode
}

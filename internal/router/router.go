// Package router is the entry point for inbound chat events. It applies
// agent hand-off state changes to the room-state store, stamps every event
// with the store's bot-mode value and publishes it, and hands bot-mode
// customer messages to the bot bridge.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/roomstate"
)

// Publisher puts a stamped event on the shared subject.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.ChatEvent) error
}

// Forwarder sends a customer message to the bot. Forward must not block
// on the bot service.
type Forwarder interface {
	Forward(ev protocol.ChatEvent)
}

// Activity is told when a room sees agent activity.
type Activity interface {
	Reset(roomID string)
	Cancel(roomID string)
}

// Options tunes a Router.
type Options struct {
	// StoreTimeout bounds each room-state call. Zero means no bound.
	StoreTimeout time.Duration
	// ResetOnTalk restarts the inactivity timer on the customer's own TALK
	// while an agent holds the room. Agent TALK always restarts it.
	ResetOnTalk bool
}

// Router routes inbound events. It holds no per-room state of its own.
type Router struct {
	store    roomstate.Store
	pub      Publisher
	bot      Forwarder
	activity Activity
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Router. bot and activity may be nil.
func New(store roomstate.Store, pub Publisher, bot Forwarder, activity Activity, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    store,
		pub:      pub,
		bot:      bot,
		activity: activity,
		opts:     opts,
		logger:   logger.With("component", "router"),
		now:      time.Now,
	}
}

// Handle routes one inbound event. The client's botMode is never trusted:
// it is replaced by the store's value read after any ACCEPT/TO_BOT write.
// A store failure routes the room to the bot. A publish failure is logged
// by the publisher and returned; the bot forward is still dispatched.
func (r *Router) Handle(ctx context.Context, ev protocol.ChatEvent) error {
	start := time.Now()
	defer func() { metrics.RouteLatency.Observe(time.Since(start).Seconds()) }()
	metrics.EventsRouted.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case protocol.TypeAccept:
		r.setBotMode(ctx, ev.RoomID, false)
	case protocol.TypeToBot:
		r.setBotMode(ctx, ev.RoomID, true)
	}

	botMode := r.isBotMode(ctx, ev.RoomID)
	ev.BotMode = botMode
	r.stamp(&ev)

	err := r.pub.Publish(ctx, ev)

	if botMode && ev.Type == protocol.TypeTalk && r.bot != nil {
		r.bot.Forward(ev)
	}
	r.touch(ev, botMode)
	return err
}

// HandleNotice publishes a broadcast notice to the ALL room. Room state is
// neither read nor written.
func (r *Router) HandleNotice(ctx context.Context, ev protocol.ChatEvent) error {
	metrics.EventsRouted.WithLabelValues(string(protocol.TypeNotice)).Inc()
	ev.Type = protocol.TypeNotice
	ev.RoomID = protocol.RoomAll
	r.stamp(&ev)
	return r.pub.Publish(ctx, ev)
}

// stamp assigns the id and timestamp before the event leaves the Router, so
// the published copy and the bot's copy carry the same id.
func (r *Router) stamp(ev *protocol.ChatEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Ts == 0 {
		ev.Ts = r.now().UnixMilli()
	}
}

// touch drives the inactivity timer from agent hand-off events and from
// conversation in agent-held rooms.
func (r *Router) touch(ev protocol.ChatEvent, botMode bool) {
	if r.activity == nil {
		return
	}
	switch {
	case ev.Type == protocol.TypeAccept:
		r.activity.Reset(ev.RoomID)
	case ev.Type == protocol.TypeToBot:
		r.activity.Cancel(ev.RoomID)
	case ev.Type == protocol.TypeTalk && !botMode && (fromAgent(ev) || r.opts.ResetOnTalk):
		r.activity.Reset(ev.RoomID)
	}
}

// fromAgent reports whether a TALK was written by the agent. A room is
// named after its customer, so any other named sender is the agent.
func fromAgent(ev protocol.ChatEvent) bool {
	return ev.Sender != "" && ev.Sender != ev.RoomID
}

func (r *Router) setBotMode(ctx context.Context, roomID string, botMode bool) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.store.SetBotMode(ctx, roomID, botMode); err != nil {
		metrics.StoreErrors.WithLabelValues("set").Inc()
		r.logger.Warn("set bot mode failed", "room", roomID, "bot_mode", botMode, "error", err)
	}
}

func (r *Router) isBotMode(ctx context.Context, roomID string) bool {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()
	botMode, err := r.store.IsBotMode(ctx, roomID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		r.logger.Warn("bot mode read failed, routing to bot", "room", roomID, "error", err)
		return true
	}
	return botMode
}

func (r *Router) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}

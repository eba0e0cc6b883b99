package ws

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/ratelimit"
)

// Router receives validated client events.
type Router interface {
	Handle(ctx context.Context, ev protocol.ChatEvent) error
	HandleNotice(ctx context.Context, ev protocol.ChatEvent) error
}

// Greeter schedules the welcome message for a newly opened room.
type Greeter interface {
	Greet(roomID string)
}

// Limiter throttles inbound traffic.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// ChatHandlers implements the subscribe, unsubscribe, message and notice
// frames. Greeter and Limiter are optional.
type ChatHandlers struct {
	Conns     *ConnectionManager
	Router    Router
	Greeter   Greeter
	Limiter   Limiter
	EventRule ratelimit.Rule
	Timeout   time.Duration // bound on routing one event
	Logger    *slog.Logger
}

// Register installs the handlers on d.
func (h *ChatHandlers) Register(d *MessageDispatcher) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	h.Logger = h.Logger.With("component", "ws")

	d.Register(protocol.TypeSubscribe, h.subscribe)
	d.Register(protocol.TypeUnsubscribe, h.unsubscribe)
	d.Register(protocol.TypeMessage, h.message)
	d.Register(protocol.TypeNoticeFrame, h.notice)
}

func (h *ChatHandlers) subscribe(conn *Connection, msg interface{}) {
	m := msg.(protocol.SubscribeMsg)
	if !protocol.ValidDestination(m.Destination) {
		sendError(conn, h.Logger, "invalid_destination", "unknown destination")
		return
	}
	if h.Conns.Get(conn.ID) == nil {
		sendError(conn, h.Logger, "not_connected", "session is closed")
		return
	}
	added := h.Conns.Subscribe(conn.ID, m.Destination)
	send(conn, h.Logger, protocol.TypeSubscribed, protocol.SubscribedMsg{Destination: m.Destination})
	if !added {
		return
	}

	if roomID, ok := protocol.RoomFromDestination(m.Destination); ok && h.Greeter != nil {
		h.Greeter.Greet(roomID)
	}
}

func (h *ChatHandlers) unsubscribe(conn *Connection, msg interface{}) {
	m := msg.(protocol.UnsubscribeMsg)
	h.Conns.Unsubscribe(conn.ID, m.Destination)
}

func (h *ChatHandlers) message(conn *Connection, msg interface{}) {
	ev := msg.(protocol.EventMsg).Event
	if err := ev.Check(); err != nil {
		sendError(conn, h.Logger, "invalid_event", err.Error())
		return
	}
	if err := protocol.ValidateText(ev.Message); err != nil {
		sendError(conn, h.Logger, "invalid_message", err.Error())
		return
	}

	ctx, cancel := h.context()
	defer cancel()
	if !h.allow(ctx, conn) {
		return
	}
	if err := h.Router.Handle(ctx, ev); err != nil {
		sendError(conn, h.Logger, "not_delivered", "message could not be delivered")
	}
}

func (h *ChatHandlers) notice(conn *Connection, msg interface{}) {
	ev := msg.(protocol.EventMsg).Event
	if err := protocol.ValidateText(ev.Message); err != nil {
		sendError(conn, h.Logger, "invalid_message", err.Error())
		return
	}

	ctx, cancel := h.context()
	defer cancel()
	if !h.allow(ctx, conn) {
		return
	}
	if err := h.Router.HandleNotice(ctx, ev); err != nil {
		sendError(conn, h.Logger, "not_delivered", "notice could not be delivered")
	}
}

// allow applies the per-connection event budget and tells the client when
// it is exceeded.
func (h *ChatHandlers) allow(ctx context.Context, conn *Connection) bool {
	if h.Limiter == nil {
		return true
	}
	ok, _ := h.Limiter.Allow(ctx, conn.ID, h.EventRule)
	if ok {
		return true
	}
	wait, err := h.Limiter.RetryAfter(ctx, conn.ID, h.EventRule)
	if err != nil || wait <= 0 {
		wait = h.EventRule.Window
	}
	send(conn, h.Logger, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return false
}

func (h *ChatHandlers) context() (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), h.Timeout)
}

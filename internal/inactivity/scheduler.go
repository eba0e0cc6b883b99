// Package inactivity reverts agent-held rooms to the bot after a quiet
// period. Each room has at most one pending timer; resetting a room
// replaces its timer and firing consumes it.
package inactivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/roomstate"
	"github.com/wchat/relay/internal/timer"
)

const (
	// DefaultTimeout is the quiet period before a room is returned to the bot.
	DefaultTimeout = 5 * time.Minute

	// DefaultMessage is the text of the system TO_BOT event.
	DefaultMessage = "The agent has been inactive for a while. The bot will take over this conversation."
)

// Publisher puts an event on the shared subject.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.ChatEvent) error
}

// Config tunes a Scheduler.
type Config struct {
	Timeout      time.Duration
	Message      string
	StoreTimeout time.Duration
	Workers      int
	Clock        timer.Clock
}

// Scheduler owns the per-room inactivity timers of this node. Timers are
// not shared between nodes: Cancel and Reset only reach a timer armed
// here, so a room handed to another node keeps any timer left on this one.
type Scheduler struct {
	timers *timer.Registry
	store  roomstate.Store
	pub    Publisher
	cfg    Config
	logger *slog.Logger
}

// New creates a Scheduler and starts its firing pool.
func New(store roomstate.Store, pub Publisher, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		timers: timer.NewRegistry(timer.Options{
			Kind:    "inactivity",
			Workers: cfg.Workers,
			Clock:   cfg.Clock,
		}),
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "inactivity"),
	}
}

// Reset (re)arms the room's timer to fire Timeout from now. A callback
// that is already running is not interrupted.
func (s *Scheduler) Reset(roomID string) {
	deadline := s.timers.Schedule(roomID, s.cfg.Timeout, s.fire)
	s.logger.Debug("timer armed", "room", roomID, "deadline", deadline)
}

// Cancel drops the room's pending timer, if any.
func (s *Scheduler) Cancel(roomID string) {
	if s.timers.Cancel(roomID) {
		s.logger.Debug("timer cancelled", "room", roomID)
	}
}

// Deadline reports when the room's timer fires.
func (s *Scheduler) Deadline(roomID string) (time.Time, bool) {
	return s.timers.Deadline(roomID)
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	return s.timers.Len()
}

// Close stops every pending timer.
func (s *Scheduler) Close() {
	s.timers.Close()
}

// fire hands the room back to the bot. The TO_BOT event is published even
// if the store write failed: readers already treat an unreadable room as
// bot-held.
func (s *Scheduler) fire(roomID string) {
	s.logger.Info("room inactive, reverting to bot", "room", roomID, "after", s.cfg.Timeout)

	if err := s.setBotMode(roomID); err != nil {
		metrics.StoreErrors.WithLabelValues("set").Inc()
		s.logger.Warn("set bot mode failed", "room", roomID, "error", err)
	}

	ev := protocol.ChatEvent{
		Type:    protocol.TypeToBot,
		RoomID:  roomID,
		Sender:  protocol.SenderSystem,
		Message: s.cfg.Message,
		BotMode: true,
	}
	// Publish logs its own failures.
	_ = s.pub.Publish(context.Background(), ev)
}

func (s *Scheduler) setBotMode(roomID string) error {
	ctx := context.Background()
	if s.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
	}
	return s.store.SetBotMode(ctx, roomID, true)
}

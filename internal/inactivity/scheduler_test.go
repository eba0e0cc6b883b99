package inactivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/roomstate"
	"github.com/wchat/relay/internal/timer"
)

var epoch = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type memStore struct {
	mu    sync.Mutex
	rooms map[string]bool
	err   error
}

func (s *memStore) IsBotMode(_ context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rooms[roomID]
	return !ok || v, s.err
}

func (s *memStore) SetBotMode(_ context.Context, roomID string, botMode bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rooms[roomID] = botMode
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []protocol.ChatEvent
}

func (p *memPublisher) Publish(_ context.Context, ev protocol.ChatEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newScheduler(t *testing.T) (*Scheduler, *memStore, *memPublisher, *timer.FakeClock) {
	t.Helper()
	clock := timer.Fake(epoch)
	store := &memStore{rooms: map[string]bool{}}
	pub := &memPublisher{}
	s := New(store, pub, Config{Clock: clock}, nil)
	t.Cleanup(s.Close)
	return s, store, pub, clock
}

func TestReset_TwiceKeepsOneTimerWithLatestDeadline(t *testing.T) {
	s, _, _, clock := newScheduler(t)

	s.Reset("R")
	clock.Advance(90 * time.Second)
	s.Reset("R")

	if n := s.Pending(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	deadline, ok := s.Deadline("R")
	want := epoch.Add(90 * time.Second).Add(DefaultTimeout)
	if !ok || !deadline.Equal(want) {
		t.Errorf("deadline = %s (%v), want %s", deadline, ok, want)
	}
	if n := clock.Pending(); n != 1 {
		t.Errorf("live clock timers = %d, want 1", n)
	}
}

func TestFire_RevertsRoomAndPublishesSystemEvent(t *testing.T) {
	s, store, pub, clock := newScheduler(t)
	store.rooms["R"] = false

	s.Reset("R")
	clock.Advance(DefaultTimeout - time.Second)
	if pub.len() != 0 {
		t.Fatal("fired before the timeout")
	}
	clock.Advance(time.Second)

	if v := store.rooms["R"]; !v {
		t.Error("room not reverted to bot mode")
	}
	if pub.len() != 1 {
		t.Fatalf("published %d events, want 1", pub.len())
	}
	ev := pub.events[0]
	if ev.Type != protocol.TypeToBot || ev.RoomID != "R" || ev.Sender != protocol.SenderSystem || !ev.BotMode {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Message != DefaultMessage {
		t.Errorf("message = %q", ev.Message)
	}
	if _, ok := s.Deadline("R"); ok {
		t.Error("entry still present after fire")
	}
}

func TestFire_OnlyLatestResetFires(t *testing.T) {
	s, _, pub, clock := newScheduler(t)

	s.Reset("R")
	clock.Advance(4 * time.Minute)
	s.Reset("R")
	clock.Advance(2 * time.Minute)
	if pub.len() != 0 {
		t.Fatal("superseded timer fired")
	}
	clock.Advance(3 * time.Minute)
	if pub.len() != 1 {
		t.Errorf("published %d events, want 1", pub.len())
	}
}

func TestCancel(t *testing.T) {
	s, store, pub, clock := newScheduler(t)
	store.rooms["R"] = false

	s.Reset("R")
	s.Cancel("R")
	s.Cancel("never-armed")
	clock.Advance(time.Hour)

	if pub.len() != 0 {
		t.Errorf("cancelled timer published %d events", pub.len())
	}
	if store.rooms["R"] {
		t.Error("cancelled timer changed room state")
	}
}

func TestFire_PublishesWhenStoreIsDown(t *testing.T) {
	s, store, pub, clock := newScheduler(t)
	store.err = roomstate.ErrStoreUnavailable

	s.Reset("R")
	clock.Advance(DefaultTimeout)

	if pub.len() != 1 {
		t.Errorf("published %d events, want 1", pub.len())
	}
}

func TestRooms_AreIndependent(t *testing.T) {
	s, _, pub, clock := newScheduler(t)

	s.Reset("a")
	clock.Advance(time.Minute)
	s.Reset("b")
	clock.Advance(4 * time.Minute)

	if pub.len() != 1 || pub.events[0].RoomID != "a" {
		t.Fatalf("expected only room a to fire, got %+v", pub.events)
	}
	clock.Advance(time.Minute)
	if pub.len() != 2 || pub.events[1].RoomID != "b" {
		t.Errorf("expected room b to fire next, got %+v", pub.events)
	}
}

func TestConfig_CustomTimeoutAndMessage(t *testing.T) {
	clock := timer.Fake(epoch)
	pub := &memPublisher{}
	s := New(&memStore{rooms: map[string]bool{}}, pub, Config{Timeout: 30 * time.Second, Message: "back to bot", Clock: clock}, nil)
	defer s.Close()

	s.Reset("R")
	clock.Advance(30 * time.Second)

	if pub.len() != 1 || pub.events[0].Message != "back to bot" {
		t.Errorf("unexpected events %+v", pub.events)
	}
}

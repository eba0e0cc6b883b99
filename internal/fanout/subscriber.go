package fanout

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/telemetry"
)

// Deliverer hands an event to every local session subscribed to a
// destination and returns how many sessions received it.
type Deliverer interface {
	Deliver(destination string, ev protocol.ChatEvent) int
}

// Source is the subscription side of the broker.
type Source interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Subscriber turns broker payloads into local deliveries.
type Subscriber struct {
	deliver Deliverer
	logger  *slog.Logger
}

// NewSubscriber creates a Subscriber delivering through d.
func NewSubscriber(d Deliverer, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{deliver: d, logger: logger.With("component", "fanout")}
}

// Start subscribes on subject. Every node subscribes without a queue group
// so each one sees every event.
func (s *Subscriber) Start(src Source, subject string) error {
	return src.Subscribe(subject, s.HandleMessage)
}

// HandleMessage is the NATS callback.
func (s *Subscriber) HandleMessage(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "fanout deliver")
	defer span.End()

	ev, ok := s.HandlePayload(ctx, msg.Data)
	if ok {
		span.SetAttributes(
			attribute.String("chat.room", ev.RoomID),
			attribute.String("chat.type", string(ev.Type)),
		)
	}
}

// HandlePayload decodes one payload and delivers it to the room destination,
// plus the agents destination for CALL_AGENT. Malformed payloads are logged
// and dropped.
func (s *Subscriber) HandlePayload(ctx context.Context, data []byte) (protocol.ChatEvent, bool) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		metrics.MalformedEvents.Inc()
		s.logger.WarnContext(ctx, "dropping malformed payload", "bytes", len(data), "error", err)
		return protocol.ChatEvent{}, false
	}
	if ev.Type == protocol.TypeNotice && ev.RoomID == "" {
		ev.RoomID = protocol.RoomAll
	}

	n := s.deliver.Deliver(protocol.RoomDestination(ev.RoomID), ev)
	metrics.EventsDelivered.WithLabelValues("room").Add(float64(n))

	if ev.Type == protocol.TypeCallAgent {
		agents := s.deliver.Deliver(protocol.DestinationAgents, ev)
		metrics.EventsDelivered.WithLabelValues("agents").Add(float64(agents))
		s.logger.InfoContext(ctx, "agent requested", "room", ev.RoomID, "sender", ev.Sender, "agents", agents)
	}

	s.logger.DebugContext(ctx, "delivered", "id", ev.ID, "type", ev.Type, "room", ev.RoomID, "sessions", n)
	return ev, true
}

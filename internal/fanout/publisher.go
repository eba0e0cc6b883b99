// Package fanout moves chat events between relay nodes. The Publisher puts
// every event on one shared subject; the Subscriber on each node decodes
// what arrives and hands it to the locally connected sessions.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/telemetry"
)

// ErrPublishFailure is returned when an event could not be handed to the
// broker. The event is lost; there is no replay.
var ErrPublishFailure = errors.New("fanout: publish failed")

// Broker is the transport the Publisher writes to.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Publisher serializes chat events onto the shared subject.
type Publisher struct {
	broker  Broker
	subject string
	logger  *slog.Logger
	now     func() time.Time
}

// NewPublisher creates a Publisher writing to subject.
func NewPublisher(broker Broker, subject string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		broker:  broker,
		subject: subject,
		logger:  logger.With("component", "fanout"),
		now:     time.Now,
	}
}

// Publish stamps the event's id and timestamp when missing and sends it.
// Failures are logged, counted and returned wrapped in ErrPublishFailure.
func (p *Publisher) Publish(ctx context.Context, ev protocol.ChatEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Ts == 0 {
		ev.Ts = p.now().UnixMilli()
	}

	data, err := ev.Encode()
	if err != nil {
		return p.fail(ev, err)
	}

	ctx, span := telemetry.StartProducerSpan(ctx, p.subject, len(data),
		attribute.String("chat.room", ev.RoomID),
		attribute.String("chat.type", string(ev.Type)),
	)
	defer span.End()

	if err := p.broker.Publish(ctx, p.subject, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return p.fail(ev, err)
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	p.logger.Debug("published", "id", ev.ID, "type", ev.Type, "room", ev.RoomID, "bot_mode", ev.BotMode)
	return nil
}

func (p *Publisher) fail(ev protocol.ChatEvent, err error) error {
	metrics.PublishFailures.Inc()
	p.logger.Warn("publish failed, event dropped", "id", ev.ID, "type", ev.Type, "room", ev.RoomID, "error", err)
	return fmt.Errorf("%w: %v", ErrPublishFailure, err)
}

package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/telemetry"
)

// Appender stores one event.
type Appender interface {
	Append(ctx context.Context, ev protocol.ChatEvent) error
}

// Archiver writes events arriving on the broker to an Appender. Failures
// are logged and the event is skipped.
type Archiver struct {
	store   Appender
	timeout time.Duration
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. timeout bounds each write.
func NewArchiver(store Appender, timeout time.Duration, logger *slog.Logger) *Archiver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, timeout: timeout, logger: logger.With("component", "history")}
}

// HandleMessage is the NATS queue-subscription callback.
func (a *Archiver) HandleMessage(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "history append")
	defer span.End()

	ev, err := protocol.DecodeEvent(msg.Data)
	if err != nil {
		metrics.MalformedEvents.Inc()
		a.logger.WarnContext(ctx, "skipping malformed payload", "bytes", len(msg.Data), "error", err)
		return
	}
	span.SetAttributes(attribute.String("chat.room", ev.RoomID), attribute.String("chat.type", string(ev.Type)))

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.Append(ctx, ev); err != nil {
		span.RecordError(err)
		a.logger.WarnContext(ctx, "append failed", "id", ev.ID, "room", ev.RoomID, "error", err)
	}
}

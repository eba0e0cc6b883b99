package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
	"github.com/wchat/relay/internal/ratelimit"
)

// maxBodyBytes caps HTTP request bodies on the API routes.
const maxBodyBytes = 64 << 10

// CallbackSink consumes bot replies.
type CallbackSink interface {
	OnCallback(ctx context.Context, ev protocol.ChatEvent) error
}

// NoticeSink consumes broadcast notices.
type NoticeSink interface {
	HandleNotice(ctx context.Context, ev protocol.ChatEvent) error
}

// CallbackHandler serves POST /api/bot/callback. Replies are limited per
// room when limiter is set.
func CallbackHandler(sink CallbackSink, limiter Limiter, rule ratelimit.Rule, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev, err := decodeBody(w, r)
		if err != nil || ev.RoomID == "" {
			metrics.MalformedEvents.Inc()
			writeJSONError(w, http.StatusBadRequest, "invalid_event", "body must be a chat event with a roomId")
			return
		}

		if limiter != nil {
			if ok, _ := limiter.Allow(r.Context(), ev.RoomID, rule); !ok {
				wait, _ := limiter.RetryAfter(r.Context(), ev.RoomID, rule)
				if wait <= 0 {
					wait = rule.Window
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many replies for this room")
				return
			}
		}

		if err := sink.OnCallback(r.Context(), ev); err != nil {
			if errors.Is(err, protocol.ErrMalformedEvent) {
				writeJSONError(w, http.StatusBadRequest, "invalid_event", err.Error())
				return
			}
			logger.Warn("bot callback not published", "room", ev.RoomID, "error", err)
			writeJSONError(w, http.StatusBadGateway, "publish_failed", "reply could not be published")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// NoticeHandler serves POST /api/notice. Notices are published
// asynchronously to the ALL room.
func NoticeHandler(sink NoticeSink, timeout time.Duration, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev, err := decodeBody(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_event", "body must be a chat event")
			return
		}
		if err := protocol.ValidateText(ev.Message); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_message", err.Error())
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := sink.HandleNotice(ctx, ev); err != nil {
				logger.Warn("notice not published", "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request) (protocol.ChatEvent, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return protocol.ChatEvent{}, err
	}
	var ev protocol.ChatEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return protocol.ChatEvent{}, err
	}
	return ev, nil
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}

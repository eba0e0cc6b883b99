package ws

import (
	"log/slog"

	"github.com/wchat/relay/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by frame type. Pings
// are answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With("component", "ws"),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("unparseable frame", "session", conn.ID, "error", err)
		sendError(conn, d.logger, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		send(conn, d.logger, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported frame", "type", msgType, "session", conn.ID)
		sendError(conn, d.logger, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msg)
}

// send writes a server frame; failures are logged and otherwise ignored,
// the read side notices dead sockets.
func send(conn *Connection, logger *slog.Logger, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Error("build frame", "type", msgType, "error", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug("write frame", "type", msgType, "session", conn.ID, "error", err)
	}
}

func sendError(conn *Connection, logger *slog.Logger, code, message string) {
	send(conn, logger, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

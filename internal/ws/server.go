// Package ws is the client-facing transport of a relay node. It upgrades
// HTTP requests to WebSocket connections, tracks which connections listen
// on which chat destinations, dispatches client frames and delivers
// fanned-out events to local subscribers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/wchat/relay/internal/metrics"
	"github.com/wchat/relay/internal/protocol"
)

// maxFrameBytes caps one client message. A chat event tops out at
// protocol.MaxMessageBytes of text plus its envelope.
const maxFrameBytes = 4 * protocol.MaxMessageBytes

var (
	errNoDescriptor = errors.New("ws: connection has no file descriptor")
	errFrameTooBig  = errors.New("ws: frame too large")
	errPeerClosed   = errors.New("ws: peer sent close")
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	UseEpoll       bool          // multiplex reads through epoll where available
	WorkerPoolSize int           // concurrent frame readers in epoll mode
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // bound on reading one frame in epoll mode
	WriteTimeout   time.Duration // bound on writing one frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		UseEpoll:       true,
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws. Reads are driven by an
// epoll loop feeding a bounded worker pool on Linux, or by one goroutine per
// connection elsewhere.
type Server struct {
	config  ServerConfig
	conns   *ConnectionManager
	poller  *poller
	workers chan struct{}
	logger  *slog.Logger

	onMessage func(conn *Connection, data []byte)
	pending   func() int

	mux        *http.ServeMux
	httpServer *http.Server
	startOnce  sync.Once
	stopOnce   sync.Once
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. onMessage is called for every complete text
// frame a client sends.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		workers:   make(chan struct{}, config.WorkerPoolSize),
		logger:    logger.With("component", "ws"),
		onMessage: onMessage,
		mux:       http.NewServeMux(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	if config.UseEpoll {
		p, err := newPoller()
		if err != nil {
			s.logger.Warn("epoll unavailable, reading with one goroutine per connection", "error", err)
		} else {
			s.poller = p
		}
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handle adds an HTTP route next to /ws and /health.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetPendingTimers registers the source of the health endpoint's
// pendingTimers figure.
func (s *Server) SetPendingTimers(fn func() int) {
	s.pending = fn
}

// Start runs the background loops and serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.startLoops()

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening",
		"addr", s.config.ListenAddr,
		"epoll", s.poller != nil,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) startLoops() {
	s.startOnce.Do(func() {
		if s.poller != nil {
			go s.pollLoop()
		}
		go s.runHeartbeat(s.config.Heartbeat)
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(uuid.NewString(), netConn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	send(c, s.logger, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})

	s.logger.Debug("connected", "session", c.ID, "total", s.conns.Count())

	if s.poller != nil {
		err := s.poller.add(netConn)
		if err == nil {
			return
		}
		s.logger.Warn("epoll add failed, falling back to reader goroutine", "session", c.ID, "error", err)
	}
	go s.readLoop(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status        string `json:"status"`
		Connections   int    `json:"connections"`
		Uptime        string `json:"uptime"`
		PendingTimers int    `json:"pendingTimers"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.pending != nil {
		resp.PendingTimers = s.pending()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// pollLoop hands every readable socket to a worker. The wait timeout lets
// the loop notice shutdown.
func (s *Server) pollLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.wait(500)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("epoll wait", "error", err)
			continue
		}

		for _, netConn := range ready {
			select {
			case s.workers <- struct{}{}:
			case <-s.done:
				return
			}
			go func(nc net.Conn) {
				defer func() { <-s.workers }()
				s.handleReady(nc)
			}(netConn)
		}
	}
}

// handleReady reads one frame from a socket epoll reported readable.
func (s *Server) handleReady(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll reports the socket again while a worker reads it.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}
	if err := s.readFrame(c); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Stale readiness; the heartbeat deals with dead peers.
			return
		}
		s.RemoveConnection(c)
	}
}

func (s *Server) readLoop(c *Connection) {
	for {
		if err := s.readFrame(c); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
}

// readFrame reads one client message. Control frames are answered here and
// never reach onMessage.
func (s *Server) readFrame(c *Connection) error {
	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		return err
	}
	c.touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return err
		}
		switch header.OpCode {
		case ws.OpClose:
			return errPeerClosed
		case ws.OpPing:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
			c.writeMu.Unlock()
			return err
		}
		return nil
	}

	if header.Length > maxFrameBytes {
		return errFrameTooBig
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxFrameBytes {
		return errFrameTooBig
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return nil
}

// RemoveConnection unregisters and closes c. Concurrent removals of the
// same connection run the cleanup once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	s.logger.Debug("disconnected", "session", c.ID, "total", s.conns.Count())
}

// Deliver writes ev to every local connection subscribed to destination
// and returns how many writes succeeded.
func (s *Server) Deliver(destination string, ev protocol.ChatEvent) int {
	subs := s.conns.Subscribers(destination)
	if len(subs) == 0 {
		return 0
	}
	data, err := protocol.NewServerMessage(protocol.TypeEvent, protocol.EventFrame{
		Destination: destination,
		Event:       ev,
	})
	if err != nil {
		s.logger.Error("build event frame", "destination", destination, "error", err)
		return 0
	}

	n := 0
	for _, c := range subs {
		if err := c.WriteMessage(data); err != nil {
			s.logger.Debug("deliver failed", "session", c.ID, "destination", destination, "error", err)
			continue
		}
		n++
	}
	return n
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every client and stops the
// background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.close()
		}
		s.logger.Info("server stopped")
	})
	return err
}

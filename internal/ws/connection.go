package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one client socket plus the destinations it listens on.
type Connection struct {
	ID        string   // session ID (UUID)
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	processing atomic.Bool  // set while a poller worker reads this socket
	writeMu    sync.Mutex   // serializes frames written to Conn
	writeTO    time.Duration
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{ID: id, Conn: conn, CreatedAt: time.Now(), writeTO: writeTimeout}
	c.touch()
	return c
}

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is when the client last sent any frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends one text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTO > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTO))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session ID and socket, and
// tracks which connections are subscribed to each destination.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	subs   map[string]map[string]*Connection // destination -> session -> conn
	dests  map[string]map[string]struct{}    // session -> destinations
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		subs:   make(map[string]map[string]*Connection),
		dests:  make(map[string]map[string]struct{}),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove drops the connection and all its subscriptions, then closes it.
// It returns false if the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
		for dest := range cm.dests[id] {
			cm.unsubscribeLocked(id, dest)
		}
		delete(cm.dests, id)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for a session ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping a socket, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[conn]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	return conns
}

// Subscribe adds the session to destination. It reports false if the
// session is unknown or was already subscribed.
func (cm *ConnectionManager) Subscribe(id, destination string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.byID[id]
	if !ok {
		return false
	}
	set, ok := cm.subs[destination]
	if !ok {
		set = make(map[string]*Connection)
		cm.subs[destination] = set
	}
	if _, dup := set[id]; dup {
		return false
	}
	set[id] = c

	if cm.dests[id] == nil {
		cm.dests[id] = make(map[string]struct{})
	}
	cm.dests[id][destination] = struct{}{}
	return true
}

// Unsubscribe removes the session from destination.
func (cm *ConnectionManager) Unsubscribe(id, destination string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.dests[id][destination]; !ok {
		return false
	}
	cm.unsubscribeLocked(id, destination)
	delete(cm.dests[id], destination)
	return true
}

func (cm *ConnectionManager) unsubscribeLocked(id, destination string) {
	set := cm.subs[destination]
	delete(set, id)
	if len(set) == 0 {
		delete(cm.subs, destination)
	}
}

// Subscribers returns a snapshot of the connections on destination.
func (cm *ConnectionManager) Subscribers(destination string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	set := cm.subs[destination]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

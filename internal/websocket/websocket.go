package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bidforge-engine/internal/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Manager manages job-update WebSocket connections and broadcasts
type Manager struct {
	clients   map[*client]bool
	clientsMu sync.Mutex
	snapshot  func() any
	logger    *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// New creates a new WebSocket manager. snapshot, when set, provides the
// state sent to each client as it connects.
func New(snapshot func() any, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		logger:   logger,
	}
}

// AddClient registers conn, sends the initial snapshot and serves the
// connection until the peer goes away.
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if m.snapshot != nil {
		if msg, err := json.Marshal(map[string]any{"type": "snapshot", "data": m.snapshot()}); err == nil {
			c.send <- msg
		}
	}

	m.clientsMu.Lock()
	m.clients[c] = true
	total := len(m.clients)
	m.clientsMu.Unlock()
	m.logger.Info("websocket client connected", "clients", total)

	go m.writeLoop(c)
	go func() {
		defer m.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Manager) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.logger.Debug("websocket write failed", "error", err)
			m.remove(c)
			return
		}
	}
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()
	c.close()
	if ok {
		m.logger.Info("websocket client disconnected", "clients", total)
	}
}

// Broadcast sends a job event to all connected clients. Clients whose
// buffer is full miss the event.
func (m *Manager) Broadcast(ev models.JobEvent) {
	msg, err := json.Marshal(map[string]any{"type": "job", "data": ev})
	if err != nil {
		m.logger.Error("failed to encode job event", "error", err)
		return
	}
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- msg:
		default:
			m.logger.Warn("websocket client lagging, dropping job event", "job_id", ev.Job.ID)
		}
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close disconnects every client
func (m *Manager) Close() {
	m.clientsMu.Lock()
	clients := m.clients
	m.clients = make(map[*client]bool)
	m.clientsMu.Unlock()
	for c := range clients {
		c.close()
	}
}

package agentstub

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks open agent connections so they can be dropped together.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]*websocket.Conn),
		logger: logger,
	}
}

// Register adds conn under id.
func (r *Registry) Register(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = conn
	r.logger.Info("Agent connection registered", "conn_id", id, "active", len(r.active))
}

// Unregister removes conn if it is still the one registered under id.
func (r *Registry) Unregister(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[id]; ok && current == conn {
		delete(r.active, id)
		r.logger.Info("Agent connection unregistered", "conn_id", id, "active", len(r.active))
	}
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// DropAll closes every connection without a close handshake, as a crashed
// agent would.
func (r *Registry) DropAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.active)
	for id, conn := range r.active {
		_ = conn.CloseNow()
		delete(r.active, id)
	}
	if n > 0 {
		r.logger.Info("Dropped agent connections", "count", n)
	}
	return n
}

// CloseAll sends a going-away close to every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.active))
	for id, conn := range r.active {
		conns = append(conns, conn)
		delete(r.active, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

package hls

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aminofox/zenlive/pkg/logger"
)

// EventKind enumerates the player events broadcast over the event bus.
type EventKind string

const (
	EventVariantSwitch   EventKind = "variant_switch"
	EventSegmentComplete EventKind = "segment_complete"
	EventPlaylistRefresh EventKind = "playlist_refresh"
)

// Event is one player event pushed to connected dashboard clients.
type Event struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventBus fans a Player's internal events out to any number of connected
// WebSocket clients, for external dashboards observing prefetch and
// variant-switch activity.
type EventBus struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	logger logger.Logger
}

// NewEventBus creates an empty event bus.
func NewEventBus(log logger.Logger) *EventBus {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}
	return &EventBus{conns: make(map[*websocket.Conn]struct{}), logger: log}
}

// ServeHTTP upgrades the connection and registers it for event delivery.
func (b *EventBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("event bus upgrade failed", logger.Err(err))
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	go b.writePump(conn)
}

func (b *EventBus) writePump(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish broadcasts ev to every connected client, dropping connections
// that fail to accept the write.
func (b *EventBus) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(b.conns, conn)
		}
	}
}

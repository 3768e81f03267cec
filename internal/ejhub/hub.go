// Package ejhub implements the dispatcher's half of the duplex channel
// (spec.md §4.E, §6.1): upgrading an authenticated HTTP request to a
// WebSocket, keeping it alive with ping/pong, and giving the scheduling
// engine a mutex-guarded, id-keyed view of which builders are currently
// connected. Grounded on the teacher's server.Hub/wsClient read/write
// pump, reworked from a fan-out broadcast hub (one message to every
// client) to a per-builder addressed send, and from slice/map-by-pointer
// removal to removal-by-id-under-guard (spec.md §9 redesign note: the
// original's index-based removal is fragile under concurrent removal).
package ejhub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ejdispatch/ej/internal/ejengine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is a Connected Builder (spec.md §3): a builder id, an outbound
// message channel, and the connection's remote address.
type client struct {
	builderID  string
	remoteAddr string
	conn       *websocket.Conn
	send       chan []byte
}

// Hub owns the set of connected builders and satisfies
// internal/ejengine.BuilderRegistry.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*client), logger: logger}
}

// ConnectedBuilderIDs returns a snapshot of currently connected builder ids.
func (h *Hub) ConnectedBuilderIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Send encodes msg in the wire taxonomy of spec.md §6.1 and enqueues it on
// builderID's outbound channel. It returns false — never blocking — if
// the builder is not connected or its send buffer is saturated.
func (h *Hub) Send(builderID string, msg ejengine.OutboundMessage) bool {
	h.mu.RLock()
	c, ok := h.clients[builderID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := encodeFrame(msg)
	if err != nil {
		h.logger.Error("encoding duplex frame", "builder", builderID, "error", err)
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn("builder send buffer saturated, dropping", "builder", builderID)
		return false
	}
}

// encodeFrame renders an OutboundMessage in the externally-tagged JSON
// shape spec.md §6.1 specifies: `{"Build": <Job>}`, `{"BuildAndRun":
// <Job>}`, `{"Cancel": [<reason>, <job-id>]}`, the bare string `"Close"`.
func encodeFrame(msg ejengine.OutboundMessage) ([]byte, error) {
	switch msg.Kind {
	case ejengine.OutboundBuild:
		return json.Marshal(map[string]any{"Build": msg.Job})
	case ejengine.OutboundBuildAndRun:
		return json.Marshal(map[string]any{"BuildAndRun": msg.Job})
	case ejengine.OutboundCancel:
		return json.Marshal(map[string]any{"Cancel": [2]string{msg.Reason, msg.JobID}})
	case ejengine.OutboundClose:
		return json.Marshal("Close")
	default:
		return nil, fmt.Errorf("ejhub: unknown outbound kind %d", msg.Kind)
	}
}

// ServeWS upgrades r to a WebSocket on behalf of builderID, registers the
// resulting Connected Builder, and runs its read/write pumps for the
// connection's lifetime. It blocks until the connection closes. A second
// call for the same builderID (a reconnect) supersedes the first; the
// superseded connection's own cleanup recognizes it is no longer the
// registered entry and leaves the newer one in place.
func (h *Hub) ServeWS(builderID, remoteAddr string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading duplex channel: %w", err)
	}

	c := &client{builderID: builderID, remoteAddr: remoteAddr, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.writePump(c) }()
	go func() { defer wg.Done(); h.readPump(c) }()
	wg.Wait()

	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.builderID] = c
}

// deregister removes c only if it is still the registered entry for its
// builder id — guards against a superseded connection's exit path
// clobbering a newer reconnection (spec.md §9 redesign note).
func (h *Hub) deregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.builderID]; ok && current == c {
		delete(h.clients, c.builderID)
		close(c.send)
	}
}

// readPump exists to detect disconnects and answer keepalive pings; the
// duplex channel's builder-to-dispatcher direction carries no messages
// (spec.md §6.1: "empty set, reserved").
func (h *Hub) readPump(c *client) {
	defer func() {
		h.deregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

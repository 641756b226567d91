package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ekisa-team/synlens/internal/coordinator"
	"github.com/ekisa-team/synlens/internal/frame"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 8 << 20
	clientSendSize = 16
)

// Publisher receives camera frames.
type Publisher interface {
	Publish(f *frame.Frame)
}

// Hub tracks connected camera clients and fans state snapshots out to them.
type Hub struct {
	logger  *slog.Logger
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger:  logger.With("component", "ws.hub"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues st for every client. A client that cannot keep up misses
// intermediate states.
func (h *Hub) Broadcast(st coordinator.State) {
	data, err := json.Marshal(st)
	if err != nil {
		h.logger.Error("Failed to encode state", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// CameraHandler upgrades /ws/camera connections. Binary messages are encoded
// camera frames; the server answers with JSON state snapshots.
type CameraHandler struct {
	hub         *Hub
	camera      Publisher
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// NewCameraHandler creates a CameraHandler. camera may be nil, in which case
// frames are rejected and the socket only carries state.
func NewCameraHandler(hub *Hub, camera Publisher, coord *coordinator.Coordinator, logger *slog.Logger) *CameraHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &CameraHandler{
		hub:         hub,
		camera:      camera,
		coordinator: coord,
		logger:      logger.With("component", "ws.camera"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *CameraHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	if data, err := json.Marshal(h.coordinator.State()); err == nil {
		c.send <- data
	}

	h.hub.register(c)
	h.logger.Debug("Camera connected", "remote", r.RemoteAddr, "clients", h.hub.Count())

	go h.writeLoop(c)
	h.readLoop(c)

	h.hub.unregister(c)
	h.logger.Debug("Camera disconnected", "remote", r.RemoteAddr)
}

func (h *CameraHandler) readLoop(c *wsClient) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Camera read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.BinaryMessage || h.camera == nil {
			continue
		}

		f, err := frame.New(data)
		if err != nil {
			h.logger.Debug("Dropping camera message", "error", err, "size", len(data))
			continue
		}
		h.camera.Publish(f)
	}
}

func (h *CameraHandler) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

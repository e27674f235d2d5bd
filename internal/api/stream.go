package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/metrics"
)

// Stream timing. Writes must complete within writeWait; a client that fails
// to answer a ping within pongWait is considered gone.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be shorter than pongWait
)

// Frame is one message on the delta stream. A client receives a single
// snapshot frame on connect carrying the committed visible set, then one
// delta frame per committed pass.
type Frame struct {
	Type  string         `json:"type"` // "snapshot" or "delta"
	Items []cluster.Item `json:"items,omitempty"`
	Delta *cluster.Delta `json:"delta,omitempty"`
}

// StreamStats reports hub state for the stats endpoint.
type StreamStats struct {
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
}

// Hub fans committed deltas out to WebSocket clients. Every client has a
// buffered send queue; a client whose queue is full when a delta arrives is
// disconnected rather than allowed to stall the broadcast.
type Hub struct {
	engine     *cluster.Engine
	registry   *metrics.Registry
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	dropped uint64
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) shutdown() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub broadcasting over the given engine's visible set.
// sendBuffer is the per-client queue depth; zero or negative means 64.
func NewHub(engine *cluster.Engine, sendBuffer int, registry *metrics.Registry) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		engine:   engine,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sendBuffer: sendBuffer,
		clients:    make(map[*streamClient]struct{}),
	}
}

// Broadcast queues a committed delta for every connected client. Intended as
// an engine OnDelta sink, so it never blocks: slow clients are dropped.
func (h *Hub) Broadcast(d cluster.Delta) {
	data, err := json.Marshal(Frame{Type: "delta", Delta: &d})
	if err != nil {
		log.Printf("[Stream] failed to encode delta %s: %v", d.PassID, err)
		return
	}

	h.mu.Lock()
	var slow []*streamClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		c.shutdown()
		h.dropped++
	}
	n := len(h.clients)
	h.mu.Unlock()

	if len(slow) > 0 {
		log.Printf("[Stream] dropped %d slow client(s), %d connected", len(slow), n)
		if h.registry != nil {
			h.registry.Metrics.StreamDropped.Add(float64(len(slow)))
		}
		h.setClientGauge(n)
	}
}

// Stats returns the current client count and the cumulative number of
// clients dropped for falling behind.
func (h *Hub) Stats() StreamStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StreamStats{Clients: len(h.clients), Dropped: h.dropped}
}

// Close disconnects every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.shutdown()
	}
	h.mu.Unlock()
	h.setClientGauge(0)
}

// ServeWS upgrades the request and attaches the client to the hub. The first
// queued frame is a snapshot of the committed visible set; registration and
// the snapshot share one critical section, so no delta can slip in between.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Stream] upgrade failed: %v", err)
		return
	}

	items := h.engine.Visible()
	if items == nil {
		items = []cluster.Item{}
	}
	snapshot, err := json.Marshal(Frame{Type: "snapshot", Items: items})
	if err != nil {
		log.Printf("[Stream] failed to encode snapshot: %v", err)
		conn.Close()
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, h.sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	c.send <- snapshot
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.setClientGauge(n)

	go h.writePump(c)
	go h.readPump(c)
}

// writePump owns all writes on the connection. It drains the send queue and
// keeps the connection alive with periodic pings.
func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the queue: say goodbye properly.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.removeClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.removeClient(c)
				return
			}
		}
	}
}

// readPump watches for disconnects. The stream is one-way, so client frames
// are drained and discarded; pongs extend the read deadline.
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// removeClient detaches a client that disconnected on its own.
func (h *Hub) removeClient(c *streamClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		c.shutdown()
	}
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		h.setClientGauge(n)
	}
}

func (h *Hub) setClientGauge(n int) {
	if h.registry != nil {
		h.registry.Metrics.StreamClients.Set(float64(n))
	}
}

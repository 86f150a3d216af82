package snapshot

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one connected viewer of the live snapshot stream.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
}

// Hub fans out snapshot updates to every connected client. Each
// outbound frame is tagged with a one-byte stream index (the position
// of the stream name in cfg.Snapshot.Streams) so a single websocket
// serves every displayed stream.
type Hub struct {
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*Client]bool
	streamIndex map[string]byte
}

// NewHub builds a Hub that tags outgoing frames by the given stream
// name order.
func NewHub(streamNames []string) *Hub {
	idx := make(map[string]byte, len(streamNames))
	for i, name := range streamNames {
		idx[name] = byte(i)
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		clients:     make(map[*Client]bool),
		streamIndex: idx,
	}
}

// ServeHTTP upgrades the connection and registers it for broadcasts
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		close(client.send)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes one stream's latest snapshot to every connected
// client, dropping the frame for any client whose send buffer is full
// rather than blocking the writer.
func (h *Hub) Broadcast(streamName string, body []byte) {
	idx, ok := h.streamIndex[streamName]
	if !ok {
		return
	}
	frame := make([]byte, 1+len(body))
	frame[0] = idx
	copy(frame[1:], body)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
}

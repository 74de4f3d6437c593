package broadcast

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/room19/loan-engine/loan"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var signalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Views are served from the same app; cross-origin policy is enforced
	// at the router's CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes {loan_id, kind} signals to attached browser contexts. It is
// the cross-context tier of the broadcaster: the payload identifies what
// mutated and nothing else, so a stale or spoofed frame can at worst cause
// an extra re-fetch.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// ServeHTTP upgrades the connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// LoanMutated implements loan.Notifier: encode once, fan out to every
// attached context. A client whose buffer is full is dropped rather than
// allowed to block the rest; its poller covers the missed signal.
func (h *Hub) LoanMutated(m loan.Mutation) {
	data, err := signalJSON.Marshal(m)
	if err != nil {
		log.Printf("[Hub] encode signal: %v", err)
		return
	}

	h.mu.RLock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.drop(c)
	}
}

// ClientCount reports attached contexts. For health endpoints and tests.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) writePump(c *client) {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// readPump discards inbound frames; the hub is push-only. It exists to
// process pongs and to notice the peer going away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.drop(c)
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

var _ loan.Notifier = (*Hub)(nil)

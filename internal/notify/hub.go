package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/p2pbet/bet-engine/internal/metrics"
	"github.com/p2pbet/bet-engine/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

// ErrHubBusy is returned when the broadcast queue is full.
var ErrHubBusy = errors.New("notify: websocket hub queue full")

// client is one WebSocket connection. userID is empty for anonymous
// viewers of the open-bets board.
type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type delivery struct {
	to     map[string]bool
	public bool
	data   []byte
}

// Hub manages WebSocket connections and pushes each event to the parties
// it names. Events that change the open-bets board also reach every
// connected client.
type Hub struct {
	log        *zap.Logger
	clients    map[*client]struct{}
	broadcast  chan delivery
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan delivery, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Debug("ws client connected", zap.String("user_id", c.userID), zap.Int("total", total))

		case c := <-h.unregister:
			h.remove(c)

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !d.public && !d.to[c.userID] {
			continue
		}
		select {
		case c.send <- d.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("ws client too slow, disconnecting", zap.String("user_id", c.userID))
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues ev for delivery. It never blocks on slow clients.
func (h *Hub) Notify(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	d := delivery{to: make(map[string]bool), public: ev.Type.Public() && ev.View == nil, data: data}
	for _, id := range Recipients(ev) {
		d.to[id] = true
	}
	select {
	case h.broadcast <- d:
		return nil
	default:
		return ErrHubBusy
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer.
	},
}

// HandleWS upgrades GET /api/v1/ws?user_id=... to a push connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		userID: r.URL.Query().Get("user_id"),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects. Clients
// do not send commands.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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

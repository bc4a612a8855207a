// Package feed publishes the public trade ticker: live over WebSocket and
// as a CSV export. The ticker carries FIXED-side contract formations and
// resolutions only; offers and account notices stay private.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pinfactory/pinfactory/internal/metrics"
	"github.com/pinfactory/pinfactory/internal/model"
)

// Message is a JSON ticker entry sent to WebSocket clients.
type Message struct {
	Class    string `json:"class"`
	Issue    string `json:"issue"`
	Maturity string `json:"maturity"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity int64  `json:"quantity"`
	Created  string `json:"created"`
}

// tickerWorthy reports whether an event belongs on the public feed: the
// FIXED leg of a contract formation or resolution with nonzero quantity.
// The same rule backs the store's ticker queries.
func tickerWorthy(e *model.Event) bool {
	if e.Side == nil || *e.Side != model.Fixed || e.Quantity == 0 {
		return false
	}
	return e.Class == model.EventContractCreated || e.Class == model.EventContractResolved
}

// Hub manages WebSocket connections and broadcasts ticker entries to all
// connected clients as contracts form and resolve.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a new ticker hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastEvents pushes the ticker-worthy subset of a committed batch to
// all connected clients. Called by the market service after every commit.
func (h *Hub) BroadcastEvents(events []model.Event) {
	for i := range events {
		e := &events[i]
		if !tickerWorthy(e) {
			continue
		}
		maturity := ""
		if e.MaturesAt != nil {
			maturity = e.MaturesAt.Format("2006-01-02")
		}
		data, err := json.Marshal(Message{
			Class:    e.Class,
			Issue:    e.IssueURL,
			Maturity: maturity,
			Side:     e.Side.String(),
			Price:    model.DisplayPrice(e.Price),
			Quantity: e.Quantity,
			Created:  e.Created.Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		select {
		case h.broadcast <- data:
		default:
			// Drop if buffer full to avoid blocking trade execution.
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests for the live ticker.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

package network

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sultan-labs/sultan/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// FinalizedEvent is pushed to every websocket subscriber when a block
// commits.
type FinalizedEvent struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	TxCount   int    `json:"txCount"`
	Timestamp int64  `json:"timestamp"`
}

// EventHub fans finalized-block events out to websocket subscribers.
// Subscribers are read-only; anything they send besides pong frames is
// discarded.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan FinalizedEvent
}

func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan FinalizedEvent),
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN: websocket upgrade failed: %v", err)
		return
	}

	send := make(chan FinalizedEvent, 16)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	log.Printf("INFO: websocket subscriber connected from %s", conn.RemoteAddr())

	go h.writeLoop(conn, send)
	go h.readLoop(conn)
}

func (h *EventHub) writeLoop(conn *websocket.Conn, send chan FinalizedEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(conn)
	}()

	for {
		select {
		case event, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// BroadcastFinalized pushes a committed block's header to every
// subscriber. A subscriber that cannot keep up loses events rather
// than stalling the commit path.
func (h *EventHub) BroadcastFinalized(block *types.Block) {
	event := FinalizedEvent{
		Height:    block.Height,
		Hash:      block.Hash.String(),
		TxCount:   block.TxCount(),
		Timestamp: block.Timestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- event:
		default:
			log.Printf("WARN: dropping event for slow websocket subscriber %s", conn.RemoteAddr())
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

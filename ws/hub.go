package ws

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/usenocturne/bondd/broadcast"
)

// Hub fans bus events out to websocket clients. Events tagged with the
// admin capability only reach connections registered with it.
type Hub struct {
	bus     *broadcast.Bus
	clients map[*websocket.Conn]broadcast.Capability
	mu      sync.Mutex
}

func NewHub(bus *broadcast.Bus) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[*websocket.Conn]broadcast.Capability),
	}
}

func (h *Hub) AddClient(conn *websocket.Conn, capability broadcast.Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = capability
	log.Printf("WebSocket client connected. Total clients: %d", len(h.clients))
}

func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		log.Printf("WebSocket client disconnected. Total clients: %d", len(h.clients))
	}
}

// Run forwards bus events to clients until the context ends or the bus
// shuts down.
func (h *Hub) Run(ctx context.Context) {
	events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event broadcast.Event) {
	h.mu.Lock()
	var clientsToRemove []*websocket.Conn

	for conn, capability := range h.clients {
		if event.Capability == broadcast.CapabilityAdmin && capability != broadcast.CapabilityAdmin {
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Client disconnected: %v", err)
			clientsToRemove = append(clientsToRemove, conn)
			continue
		}
	}
	h.mu.Unlock()

	if len(clientsToRemove) > 0 {
		h.mu.Lock()
		for _, conn := range clientsToRemove {
			delete(h.clients, conn)
			conn.Close()
		}
		h.mu.Unlock()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]broadcast.Capability)
}

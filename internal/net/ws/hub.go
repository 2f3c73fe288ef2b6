// Package ws carries replication frames and control messages over gorilla
// websockets: a server-side hub and upgrade handler, and a client that feeds
// a mirror.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netreplica/internal/replication"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned when sending to a client without a socket.
var ErrNotConnected = errors.New("ws: client not connected")

type subscriber struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	lastSeq uint64
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *subscriber) writeJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: marshal message: %w", err)
	}
	return s.write(websocket.TextMessage, data)
}

// Hub tracks one socket per connected client and implements
// broadcast.Transport.
type Hub struct {
	mu          sync.Mutex
	subscribers map[replication.ClientID]*subscriber
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[replication.ClientID]*subscriber)}
}

// Attach registers conn for client. It fails if the client already has a
// socket.
func (h *Hub) Attach(client replication.ClientID, conn *websocket.Conn) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subscribers[client]; exists {
		return nil, false
	}
	sub := &subscriber{conn: conn}
	h.subscribers[client] = sub
	return sub, true
}

// Detach removes client's socket if it is still sub.
func (h *Hub) Detach(client replication.ClientID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.subscribers[client]; ok && current == sub {
		delete(h.subscribers, client)
	}
}

// Connected reports the number of attached sockets.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Send writes one binary replication frame. Channels share the socket.
func (h *Hub) Send(ctx context.Context, client replication.ClientID, _ string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, ok := h.lookup(client)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, client)
	}
	return sub.write(websocket.BinaryMessage, payload)
}

// SendJSON writes a control message.
func (h *Hub) SendJSON(client replication.ClientID, payload any) error {
	sub, ok := h.lookup(client)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, client)
	}
	return sub.writeJSON(payload)
}

// CloseAll closes every attached socket with a going-away close frame.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	for _, sub := range subs {
		sub.write(websocket.CloseMessage, message)
		sub.conn.Close()
	}
}

func (h *Hub) lookup(client replication.ClientID) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[client]
	return sub, ok
}

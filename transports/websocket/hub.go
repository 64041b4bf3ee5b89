package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/coder/websocket"
)

type hubConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Hub is the in-process delivery.Pusher over sockets accepted by this process.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*hubConn
	writeTimeout time.Duration
}

// NewHub returns an empty hub. Each push is bounded by writeTimeout.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{conns: map[string]*hubConn{}, writeTimeout: writeTimeout}
}

func (h *Hub) add(connectionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connectionID] = &hubConn{conn: conn}
}

func (h *Hub) remove(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connectionID)
}

// Len returns the number of attached sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Push writes one text message. Unknown or closed sockets report delivery.ErrGone.
func (h *Hub) Push(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", delivery.ErrGone, connectionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	err := c.conn.Write(writeCtx, websocket.MessageText, payload)
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s", delivery.ErrGone, connectionID)
	}
	return fmt.Errorf("write %s: %w", connectionID, err)
}

// Close closes every attached socket with a going-away status.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = map[string]*hubConn{}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Evict closes one socket, typically after the registry pruned it as idle. Its read loop then
// unregisters it.
func (h *Hub) Evict(connectionID, reason string) bool {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	_ = c.conn.Close(websocket.StatusPolicyViolation, reason)
	return true
}

package connection

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu     sync.Mutex
	now    func() time.Time
	slots  map[string]string
	byConn map[string]Handle
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		now:    time.Now,
		slots:  map[string]string{},
		byConn: map[string]Handle{},
	}
}

func (r *MemoryRegistry) Register(_ context.Context, h Handle) (string, error) {
	if err := h.Validate(); err != nil {
		return "", err
	}
	if h.EstablishedAt.IsZero() {
		h.EstablishedAt = r.now()
	}
	if h.LastSeenAt.IsZero() {
		h.LastSeenAt = h.EstablishedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey(h.SessionID, h.Role)
	previous := r.slots[key]
	if previous == h.ConnectionID {
		previous = ""
	}
	if previous != "" {
		delete(r.byConn, previous)
	}
	// A connection moving to another slot vacates its old one.
	if old, ok := r.byConn[h.ConnectionID]; ok {
		if oldKey := slotKey(old.SessionID, old.Role); oldKey != key && r.slots[oldKey] == h.ConnectionID {
			delete(r.slots, oldKey)
		}
	}
	r.slots[key] = h.ConnectionID
	r.byConn[h.ConnectionID] = h
	return previous, nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, connectionID string) error {
	connectionID = strings.TrimSpace(connectionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID)
	return nil
}

func (r *MemoryRegistry) Resolve(_ context.Context, sessionID string, role chat.Role) (Handle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.slots[slotKey(sessionID, role)]
	if !ok {
		return Handle{}, false, nil
	}
	h, ok := r.byConn[connID]
	return h, ok, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, connectionID string) (Handle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byConn[strings.TrimSpace(connectionID)]
	return h, ok, nil
}

func (r *MemoryRegistry) Touch(_ context.Context, connectionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byConn[strings.TrimSpace(connectionID)]
	if !ok {
		return ErrNotFound
	}
	h.LastSeenAt = now
	r.byConn[h.ConnectionID] = h
	return nil
}

// PruneIdle removes connections not touched within idle of now and returns their ids sorted.
func (r *MemoryRegistry) PruneIdle(now time.Time, idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	cutoff := now.Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string
	for id, h := range r.byConn {
		if h.LastSeenAt.Before(cutoff) {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		r.removeLocked(id)
	}
	sort.Strings(pruned)
	return pruned
}

// Len returns the number of live connections.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

func (r *MemoryRegistry) removeLocked(connectionID string) {
	h, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)
	key := slotKey(h.SessionID, h.Role)
	if r.slots[key] == connectionID {
		delete(r.slots, key)
	}
}

// Package stopsignal records externally requested cancellation per session lane.
// The two roles of one session stop independently.
package stopsignal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
)

// Signal is one recorded stop request.
type Signal struct {
	SessionID string
	Role      chat.Role
	SetAt     time.Time
}

// Store is read by supervisor lanes at stage boundaries and written by the edge.
type Store interface {
	// SetStop records a stop for the lane. Repeated calls keep the flag set.
	SetStop(ctx context.Context, sessionID string, role chat.Role) error
	IsStopped(ctx context.Context, sessionID string, role chat.Role) (bool, error)
	// Clear removes the flag. Clearing an absent flag is not an error.
	Clear(ctx context.Context, sessionID string, role chat.Role) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	signals map[string]Signal
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, signals: map[string]Signal{}}
}

func (s *MemoryStore) SetStop(_ context.Context, sessionID string, role chat.Role) error {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[key] = Signal{SessionID: strings.TrimSpace(sessionID), Role: role, SetAt: s.now()}
	return nil
}

func (s *MemoryStore) IsStopped(_ context.Context, sessionID string, role chat.Role) (bool, error) {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.signals[key]
	return ok, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string, role chat.Role) error {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, key)
	return nil
}

// Get returns the stored signal for inspection.
func (s *MemoryStore) Get(sessionID string, role chat.Role) (Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[dispatch.LaneKey(sessionID, role)]
	return sig, ok
}

func laneKey(sessionID string, role chat.Role) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session_id is required")
	}
	if err := role.Validate(); err != nil {
		return "", err
	}
	return dispatch.LaneKey(sessionID, role), nil
}

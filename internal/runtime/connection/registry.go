// Package connection tracks the live transport connection for each (session, role) slot.
//
// A slot holds at most one connection. Registering a new connection for an occupied slot
// supersedes the prior one: the old connection no longer resolves and unregistering it later
// leaves the new holder untouched.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

// ErrNotFound is returned by Touch for unknown connections.
var ErrNotFound = errors.New("connection not found")

// Handle is one registered connection.
type Handle struct {
	ConnectionID  string
	SessionID     string
	UserID        string
	Role          chat.Role
	EstablishedAt time.Time
	LastSeenAt    time.Time
}

// Validate checks required handle fields.
func (h Handle) Validate() error {
	if strings.TrimSpace(h.ConnectionID) == "" {
		return fmt.Errorf("connection_id is required")
	}
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return h.Role.Validate()
}

// Registry is the narrow contract shared by all worker lanes and the edge.
type Registry interface {
	// Register records h and returns the connection id it superseded, if any.
	Register(ctx context.Context, h Handle) (string, error)
	// Unregister removes a connection. Absent connections are not an error.
	Unregister(ctx context.Context, connectionID string) error
	// Resolve returns the current live connection for the slot.
	Resolve(ctx context.Context, sessionID string, role chat.Role) (Handle, bool, error)
	// Lookup returns a connection by id when it still holds its slot.
	Lookup(ctx context.Context, connectionID string) (Handle, bool, error)
	// Touch refreshes LastSeenAt for a live connection.
	Touch(ctx context.Context, connectionID string, now time.Time) error
}

func slotKey(sessionID string, role chat.Role) string {
	return strings.TrimSpace(sessionID) + "/" + string(role)
}

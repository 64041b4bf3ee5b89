package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const defaultReadLimit = 1 << 20

// ServerConfig wires the edge handler.
type ServerConfig struct {
	Intake   *Intake
	Registry connection.Registry
	Hub      *Hub
	// Sink answers rejected input on the sending connection.
	Sink   *delivery.Sink
	Logger *slog.Logger
	// OriginPatterns are passed to the upgrade; empty means same-origin only.
	OriginPatterns []string
	ReadLimit      int64
	Now            func() time.Time
}

// Server upgrades client requests and runs one read loop per connection.
type Server struct {
	cfg ServerConfig
}

// NewServer validates cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Intake == nil || cfg.Registry == nil || cfg.Hub == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("intake, registry, hub and sink are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("websocket")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{cfg: cfg}, nil
}

// ServeHTTP handles one connection. Query parameters: user_id (required), session_id and role.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	role := chat.RoleEndUser
	if raw := strings.TrimSpace(q.Get("role")); raw != "" {
		parsed, err := chat.ParseRole(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		role = parsed
	}
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	defer conn.CloseNow()

	ctx := r.Context()
	now := s.cfg.Now()
	handle := connection.Handle{
		ConnectionID:  uuid.NewString(),
		SessionID:     sessionID,
		UserID:        userID,
		Role:          role,
		EstablishedAt: now,
		LastSeenAt:    now,
	}
	s.cfg.Hub.add(handle.ConnectionID, conn)
	defer s.cfg.Hub.remove(handle.ConnectionID)

	superseded, err := s.cfg.Registry.Register(ctx, handle)
	if err != nil {
		s.cfg.Logger.Error("register connection failed", "connection_id", handle.ConnectionID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}
	logger := s.cfg.Logger.With("connection_id", handle.ConnectionID)
	logger.Info("connection registered", "session_id", sessionID, "role", string(role), "superseded", superseded)

	defer func() {
		// Unregister must outlive a cancelled request context.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.cfg.Registry.Unregister(cleanupCtx, handle.ConnectionID); err != nil {
			logger.Warn("unregister connection failed", "error", err)
		}
		logger.Info("connection closed", "session_id", handle.SessionID)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				logger.Debug("read ended", "error", err)
			}
			return
		}
		if err := s.cfg.Registry.Touch(ctx, handle.ConnectionID, s.cfg.Now()); err != nil && !errors.Is(err, connection.ErrNotFound) {
			logger.Warn("touch connection failed", "error", err)
		}
		if typ != websocket.MessageText {
			s.reject(ctx, handle, "", "binary messages are not supported")
			continue
		}

		receipt, err := s.cfg.Intake.Accept(ctx, handle, data)
		handle = receipt.Handle
		if err != nil {
			reason := "internal error"
			if errors.Is(err, ErrInvalidEnvelope) {
				reason = err.Error()
			} else {
				logger.Error("intake failed", "error", err)
			}
			s.reject(ctx, handle, customMessageID(data), reason)
			continue
		}
		logger.Debug("envelope accepted",
			"session_id", receipt.SessionID,
			"message_id", receipt.MessageID,
			"action", string(receipt.Action),
		)
	}
}

// reject answers the sending connection directly with an ERROR frame.
func (s *Server) reject(ctx context.Context, h connection.Handle, customID, reason string) {
	frame := chat.ErrorFrame(h.SessionID, h.Role, customID, reason)
	if err := s.cfg.Sink.SendTo(ctx, h.ConnectionID, frame); err != nil {
		s.cfg.Logger.Warn("error frame not delivered", "connection_id", h.ConnectionID, "error", err)
	}
}

// customMessageID recovers the client correlation id from input that failed validation.
func customMessageID(raw []byte) string {
	var partial struct {
		CustomMessageID string `json:"custom_message_id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return partial.CustomMessageID
}

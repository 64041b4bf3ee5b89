package websocket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/oklog/ulid/v2"
)

// HeaderConnectionID carries the API Gateway connection id. Map it from context.connectionId in
// each route's integration request.
const HeaderConnectionID = "X-Connection-Id"

// GatewayConfig wires the API Gateway integration handler.
type GatewayConfig struct {
	Intake   *Intake
	Registry connection.Registry
	// Sink answers rejected input through the management API.
	Sink   *delivery.Sink
	Logger *slog.Logger
	// ReadLimit caps the size of one client message body.
	ReadLimit int64
	Now       func() time.Time
}

// Gateway serves the HTTP integration behind an API Gateway websocket API. API Gateway holds
// the sockets and forwards each route as a POST:
//
//	$connect     POST /connect?user_id=&session_id=&role=
//	$default     POST /message      body is the client envelope
//	$disconnect  POST /disconnect
//
// A non-2xx answer to /connect makes API Gateway refuse the connection.
type Gateway struct {
	cfg GatewayConfig
	mux *http.ServeMux
}

// NewGateway validates cfg and builds the route table.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Intake == nil || cfg.Registry == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("intake, registry and sink are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("apigw")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	g := &Gateway{cfg: cfg, mux: http.NewServeMux()}
	g.mux.HandleFunc("POST /connect", g.connect)
	g.mux.HandleFunc("POST /message", g.message)
	g.mux.HandleFunc("POST /disconnect", g.disconnect)
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) connect(w http.ResponseWriter, r *http.Request) {
	connID, ok := connectionID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	role, err := chat.ParseRole(q.Get("role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	now := g.cfg.Now()
	superseded, err := g.cfg.Registry.Register(r.Context(), connection.Handle{
		ConnectionID:  connID,
		SessionID:     sessionID,
		UserID:        userID,
		Role:          role,
		EstablishedAt: now,
		LastSeenAt:    now,
	})
	if err != nil {
		g.cfg.Logger.Error("register connection failed", "connection_id", connID, "error", err)
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	g.cfg.Logger.Info("connection registered",
		"connection_id", connID,
		"session_id", sessionID,
		"role", string(role),
		"superseded", superseded,
	)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) message(w http.ResponseWriter, r *http.Request) {
	connID, ok := connectionID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := g.cfg.Logger.With("connection_id", connID)

	handle, found, err := g.cfg.Registry.Lookup(ctx, connID)
	if err != nil {
		logger.Error("lookup connection failed", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !found {
		// superseded or pruned; the client must reconnect
		http.Error(w, "connection is not registered", http.StatusGone)
		return
	}
	if err := g.cfg.Registry.Touch(ctx, connID, g.cfg.Now()); err != nil && !errors.Is(err, connection.ErrNotFound) {
		logger.Warn("touch connection failed", "error", err)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.ReadLimit+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > g.cfg.ReadLimit {
		g.reject(r, handle, "", "message exceeds the read limit")
		w.WriteHeader(http.StatusOK)
		return
	}

	receipt, err := g.cfg.Intake.Accept(ctx, handle, data)
	if err != nil {
		if !errors.Is(err, ErrInvalidEnvelope) {
			logger.Error("intake failed", "error", err)
			g.reject(r, receipt.Handle, customMessageID(data), "internal error")
			http.Error(w, "intake failed", http.StatusInternalServerError)
			return
		}
		g.reject(r, receipt.Handle, customMessageID(data), err.Error())
		w.WriteHeader(http.StatusOK)
		return
	}
	logger.Debug("envelope accepted",
		"session_id", receipt.SessionID,
		"message_id", receipt.MessageID,
		"action", string(receipt.Action),
	)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) disconnect(w http.ResponseWriter, r *http.Request) {
	connID, ok := connectionID(w, r)
	if !ok {
		return
	}
	if err := g.cfg.Registry.Unregister(r.Context(), connID); err != nil {
		g.cfg.Logger.Warn("unregister connection failed", "connection_id", connID, "error", err)
		http.Error(w, "unregister failed", http.StatusInternalServerError)
		return
	}
	g.cfg.Logger.Info("connection closed", "connection_id", connID)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) reject(r *http.Request, h connection.Handle, customID, reason string) {
	frame := chat.ErrorFrame(h.SessionID, h.Role, customID, reason)
	if err := g.cfg.Sink.SendTo(r.Context(), h.ConnectionID, frame); err != nil {
		g.cfg.Logger.Warn("error frame not delivered", "connection_id", h.ConnectionID, "error", err)
	}
}

func connectionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderConnectionID))
	if id == "" {
		http.Error(w, HeaderConnectionID+" header is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient/awsfake"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stopsignal"
)

type pushed struct {
	connectionID string
	frame        chat.Frame
}

type gatewayRig struct {
	gateway  *Gateway
	registry *connection.DynamoRegistry
	queue    *dispatch.MemoryQueue
	stops    *stopsignal.MemoryStore

	mu     sync.Mutex
	frames []pushed
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()
	registry, err := connection.NewDynamoRegistry(awsfake.NewDynamoDB(), "connections")
	if err != nil {
		t.Fatalf("dynamo registry: %v", err)
	}
	rig := &gatewayRig{
		registry: registry,
		queue:    dispatch.NewMemoryQueue(dispatch.Options{}),
		stops:    stopsignal.NewMemoryStore(),
	}
	t.Cleanup(func() { _ = rig.queue.Close() })

	sink, err := delivery.NewSink(registry, delivery.PusherFunc(func(_ context.Context, connID string, payload []byte) error {
		var frame chat.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return err
		}
		rig.mu.Lock()
		rig.frames = append(rig.frames, pushed{connectionID: connID, frame: frame})
		rig.mu.Unlock()
		return nil
	}), delivery.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	intake, err := NewIntake(rig.queue, registry, rig.stops)
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	rig.gateway, err = NewGateway(GatewayConfig{Intake: intake, Registry: registry, Sink: sink, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return rig
}

func (rig *gatewayRig) post(t *testing.T, target, connID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if connID != "" {
		req.Header.Set(HeaderConnectionID, connID)
	}
	rec := httptest.NewRecorder()
	rig.gateway.ServeHTTP(rec, req)
	return rec
}

func (rig *gatewayRig) pushedFrames() []pushed {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	return append([]pushed(nil), rig.frames...)
}

func TestGatewayRoutesMapOntoRegistryAndIntake(t *testing.T) {
	t.Parallel()

	rig := newGatewayRig(t)
	ctx := context.Background()

	if rec := rig.post(t, "/connect?user_id=u1&session_id=s1", "abc=", ""); rec.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	h, ok, err := rig.registry.Resolve(ctx, "s1", chat.RoleEndUser)
	if err != nil || !ok || h.ConnectionID != "abc=" || h.UserID != "u1" {
		t.Fatalf("expected abc= registered on s1, got %+v ok=%v err=%v", h, ok, err)
	}

	rec := rig.post(t, "/message", "abc=", `{"query":"hello","user_id":"u1","custom_message_id":"m1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("message: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	receiveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := rig.queue.Receive(receiveCtx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d.Message.MessageID != "m1" || d.Message.SessionID != "s1" || d.Message.Role != chat.RoleEndUser {
		t.Fatalf("unexpected queued message: %+v", d.Message)
	}

	if rec := rig.post(t, "/disconnect", "abc=", ""); rec.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d", rec.Code)
	}
	if _, ok, _ := rig.registry.Resolve(ctx, "s1", chat.RoleEndUser); ok {
		t.Fatalf("expected the slot to be vacated on disconnect")
	}
}

func TestGatewayStopTargetsConnectionLane(t *testing.T) {
	t.Parallel()

	rig := newGatewayRig(t)
	rig.post(t, "/connect?user_id=u1&session_id=s1&role=agent", "agent-1", "")

	rec := rig.post(t, "/message", "agent-1", `{"action":"stop","user_id":"u1","session_id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	ctx := context.Background()
	if stopped, _ := rig.stops.IsStopped(ctx, "s1", chat.RoleAgent); !stopped {
		t.Fatalf("expected the agent lane to be stopped")
	}
	if stopped, _ := rig.stops.IsStopped(ctx, "s1", chat.RoleEndUser); stopped {
		t.Fatalf("expected the end-user lane to keep running")
	}
	if depth, _ := rig.queue.Depth(ctx); depth != 0 {
		t.Fatalf("stop must not enqueue, depth=%d", depth)
	}
}

func TestGatewayInvalidEnvelopeIsAnsweredThroughSink(t *testing.T) {
	t.Parallel()

	rig := newGatewayRig(t)
	rig.post(t, "/connect?user_id=u1&session_id=s1", "abc=", "")

	rec := rig.post(t, "/message", "abc=", `{"user_id":"u1","custom_message_id":"bad-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected invalid input to be answered in-band, got %d", rec.Code)
	}
	frames := rig.pushedFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one error frame, got %+v", frames)
	}
	got := frames[0]
	if got.connectionID != "abc=" || got.frame.MessageType != chat.MessageError || got.frame.CustomMessageID != "bad-1" {
		t.Fatalf("unexpected error frame: %+v", got)
	}
}

func TestGatewayRejectsBadRequests(t *testing.T) {
	t.Parallel()

	rig := newGatewayRig(t)
	tests := []struct {
		name   string
		target string
		connID string
		want   int
	}{
		{name: "connect without connection id", target: "/connect?user_id=u1", want: http.StatusBadRequest},
		{name: "connect without user", target: "/connect?session_id=s1", connID: "c1", want: http.StatusBadRequest},
		{name: "connect with unknown role", target: "/connect?user_id=u1&role=admin", connID: "c1", want: http.StatusBadRequest},
		{name: "message from unknown connection", target: "/message", connID: "ghost", want: http.StatusGone},
		{name: "disconnect without connection id", target: "/disconnect", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := rig.post(t, tt.target, tt.connID, `{"query":"q","user_id":"u1"}`); rec.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.name, tt.want, rec.Code)
		}
	}
	if _, ok, _ := rig.registry.Lookup(context.Background(), "c1"); ok {
		t.Fatalf("rejected connects must not register")
	}
}

func TestGatewaySupersededConnectionIsGone(t *testing.T) {
	t.Parallel()

	rig := newGatewayRig(t)
	rig.post(t, "/connect?user_id=u1&session_id=s1", "old", "")
	rig.post(t, "/connect?user_id=u1&session_id=s1", "new", "")

	if rec := rig.post(t, "/message", "old", `{"query":"q","user_id":"u1"}`); rec.Code != http.StatusGone {
		t.Fatalf("expected the superseded connection to be refused, got %d", rec.Code)
	}
	if rec := rig.post(t, "/message", "new", `{"query":"q","user_id":"u1"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected the new holder to be accepted, got %d", rec.Code)
	}
}

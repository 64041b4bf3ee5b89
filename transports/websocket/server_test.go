package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stopsignal"
	"github.com/coder/websocket"
)

type edge struct {
	queue    *dispatch.MemoryQueue
	registry *connection.MemoryRegistry
	stops    *stopsignal.MemoryStore
	hub      *Hub
	sink     *delivery.Sink
	server   *httptest.Server
}

func newEdge(t *testing.T) *edge {
	t.Helper()
	e := &edge{
		queue:    dispatch.NewMemoryQueue(dispatch.Options{}),
		registry: connection.NewMemoryRegistry(),
		stops:    stopsignal.NewMemoryStore(),
		hub:      NewHub(time.Second),
	}
	sink, err := delivery.NewSink(e.registry, e.hub, delivery.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	e.sink = sink
	intake, err := NewIntake(e.queue, e.registry, e.stops)
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		Intake:   intake,
		Registry: e.registry,
		Hub:      e.hub,
		Sink:     sink,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	e.server = httptest.NewServer(srv)
	t.Cleanup(func() {
		e.hub.Close()
		e.server.Close()
		_ = e.queue.Close()
	})
	return e
}

func (e *edge) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func (e *edge) waitResolved(t *testing.T, sessionID string, role chat.Role) connection.Handle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, ok, err := e.registry.Resolve(context.Background(), sessionID, role)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if ok {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no connection for %s/%s", sessionID, role)
	return connection.Handle{}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) chat.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f chat.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestServerEnqueuesEnvelopeWithConnectionDefaults(t *testing.T) {
	t.Parallel()

	e := newEdge(t)
	conn := e.dial(t, "user_id=u1&session_id=s1")
	e.waitResolved(t, "s1", chat.RoleEndUser)

	writeJSON(t, conn, map[string]any{"query": "hello", "user_id": "u1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := e.queue.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	msg := d.Message
	if msg.SessionID != "s1" || msg.Role != chat.RoleEndUser || msg.UserID != "u1" {
		t.Fatalf("unexpected routing fields: %+v", msg)
	}
	if msg.MessageID == "" {
		t.Fatalf("expected a minted message id")
	}
	env, err := chat.DecodeEnvelope(msg.Payload)
	if err != nil {
		t.Fatalf("payload is not an envelope: %v", err)
	}
	if env.Query != "hello" || env.CustomMessageID != msg.MessageID || env.EntryType != chat.EntryCommon {
		t.Fatalf("unexpected payload: %+v", env)
	}
}

func TestServerStopActionSetsSignal(t *testing.T) {
	t.Parallel()

	e := newEdge(t)
	conn := e.dial(t, "user_id=u1&session_id=s2")
	e.waitResolved(t, "s2", chat.RoleEndUser)

	writeJSON(t, conn, map[string]any{"action": "stop", "user_id": "u1", "session_id": "s2"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stopped, _ := e.stops.IsStopped(context.Background(), "s2", chat.RoleEndUser); stopped {
			depth, err := e.queue.Depth(context.Background())
			if err != nil {
				t.Fatalf("depth: %v", err)
			}
			if depth != 0 {
				t.Fatalf("stop must not enqueue, depth=%d", depth)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stop signal was not recorded")
}

func TestServerRejectsInvalidEnvelopeAndKeepsReading(t *testing.T) {
	t.Parallel()

	e := newEdge(t)
	conn := e.dial(t, "user_id=u1&session_id=s3")
	e.waitResolved(t, "s3", chat.RoleEndUser)

	writeJSON(t, conn, map[string]any{"query": "missing user", "custom_message_id": "c-bad"})
	f := readFrame(t, conn)
	if f.MessageType != chat.MessageError || f.CustomMessageID != "c-bad" || f.SessionID != "s3" {
		t.Fatalf("unexpected error frame: %+v", f)
	}
	if !strings.Contains(f.Error, "invalid envelope") {
		t.Fatalf("expected invalid envelope reason, got %q", f.Error)
	}

	writeJSON(t, conn, map[string]any{"query": "ok", "user_id": "u1", "custom_message_id": "c-good"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := e.queue.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d.Message.MessageID != "c-good" {
		t.Fatalf("expected c-good, got %s", d.Message.MessageID)
	}
}

func TestServerDeliversSinkFramesToSocket(t *testing.T) {
	t.Parallel()

	e := newEdge(t)
	conn := e.dial(t, "user_id=u1&session_id=s4&role=agent")
	e.waitResolved(t, "s4", chat.RoleAgent)

	ctx := context.Background()
	if err := e.sink.Send(ctx, "s4", chat.RoleAgent, chat.StartFrame("s4", chat.RoleAgent, "c1")); err != nil {
		t.Fatalf("send start: %v", err)
	}
	if err := e.sink.Send(ctx, "s4", chat.RoleAgent, chat.ChunkFrame("s4", chat.RoleAgent, "c1", "hi")); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if f := readFrame(t, conn); f.MessageType != chat.MessageStart {
		t.Fatalf("expected START first, got %+v", f)
	}
	if f := readFrame(t, conn); f.MessageType != chat.MessageChunk || f.Message != "hi" || f.ChunkID != 2 {
		t.Fatalf("unexpected chunk: %+v", f)
	}
}

func TestServerUnregistersOnClose(t *testing.T) {
	t.Parallel()

	e := newEdge(t)
	conn := e.dial(t, "user_id=u1&session_id=s5")
	h := e.waitResolved(t, "s5", chat.RoleEndUser)

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := e.registry.Lookup(context.Background(), h.ConnectionID); !ok && e.hub.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %s still registered", h.ConnectionID)
}

func TestServerRequiresUserID(t *testing.T) {
	t.Parallel()

	e := newEdge(t)
	resp, err := http.Get(e.server.URL + "/?session_id=s6")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIntakeMovesConnectionToEnvelopeSession(t *testing.T) {
	t.Parallel()

	queue := dispatch.NewMemoryQueue(dispatch.Options{})
	defer queue.Close()
	registry := connection.NewMemoryRegistry()
	intake, err := NewIntake(queue, registry, stopsignal.NewMemoryStore())
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}
	ctx := context.Background()
	h := connection.Handle{ConnectionID: "c1", SessionID: "old", UserID: "u1", Role: chat.RoleEndUser}
	if _, err := registry.Register(ctx, h); err != nil {
		t.Fatalf("register: %v", err)
	}

	receipt, err := intake.Accept(ctx, h, []byte(`{"query":"q","user_id":"u1","session_id":"new","custom_message_id":"m1"}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if receipt.Handle.SessionID != "new" || receipt.MessageID != "m1" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if _, ok, _ := registry.Resolve(ctx, "old", chat.RoleEndUser); ok {
		t.Fatalf("old slot should be vacated")
	}
	if got, ok, _ := registry.Resolve(ctx, "new", chat.RoleEndUser); !ok || got.ConnectionID != "c1" {
		t.Fatalf("expected c1 on new slot, got %+v ok=%v", got, ok)
	}
}

func TestIntakeRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	queue := dispatch.NewMemoryQueue(dispatch.Options{})
	defer queue.Close()
	intake, err := NewIntake(queue, connection.NewMemoryRegistry(), stopsignal.NewMemoryStore())
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}
	h := connection.Handle{ConnectionID: "c1", SessionID: "s", UserID: "u", Role: chat.RoleEndUser}
	for _, raw := range []string{`not json`, `{"user_id":"u"}`, `{"action":"stop","user_id":"u"}`} {
		if _, err := intake.Accept(context.Background(), h, []byte(raw)); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: expected ErrInvalidEnvelope, got %v", raw, err)
		}
	}
}

func TestIntakeStopTargetsTheConnectionRole(t *testing.T) {
	t.Parallel()

	queue := dispatch.NewMemoryQueue(dispatch.Options{})
	defer queue.Close()
	stops := stopsignal.NewMemoryStore()
	intake, err := NewIntake(queue, connection.NewMemoryRegistry(), stops)
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}
	ctx := context.Background()
	agent := connection.Handle{ConnectionID: "c2", SessionID: "s1", UserID: "u1", Role: chat.RoleAgent}

	receipt, err := intake.Accept(ctx, agent, []byte(`{"action":"stop","user_id":"u1","session_id":"s1"}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if receipt.Role != chat.RoleAgent {
		t.Fatalf("expected the stop to take the connection role, got %+v", receipt)
	}
	if stopped, _ := stops.IsStopped(ctx, "s1", chat.RoleAgent); !stopped {
		t.Fatalf("expected the agent lane to be stopped")
	}
	if stopped, _ := stops.IsStopped(ctx, "s1", chat.RoleEndUser); stopped {
		t.Fatalf("an agent stop must not stop the end-user lane")
	}

	if _, err := intake.Accept(ctx, agent, []byte(`{"action":"stop","user_id":"u1","session_id":"s1","role":"end-user"}`)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if stopped, _ := stops.IsStopped(ctx, "s1", chat.RoleEndUser); !stopped {
		t.Fatalf("expected an explicit role to select the end-user lane")
	}
}

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stage"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/state"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stopsignal"
)

// observedQueue reports the deliveries Run claims and hands back.
type observedQueue struct {
	dispatch.Queue
	received chan string
	requeued chan string
}

func (q *observedQueue) Receive(ctx context.Context) (dispatch.Delivery, error) {
	d, err := q.Queue.Receive(ctx)
	if err == nil {
		q.received <- d.Message.MessageID
	}
	return d, err
}

func (q *observedQueue) Requeue(ctx context.Context, d dispatch.Delivery) error {
	err := q.Queue.Requeue(ctx, d)
	q.requeued <- d.Message.MessageID
	return err
}

func TestRunShutdownRequeuesUnstartedDeliveryWithoutSpendingAttempt(t *testing.T) {
	t.Parallel()

	entered := make(chan string, 4)
	gate := make(chan struct{})
	set := stage.EchoSet()
	set.Preprocessor = stage.PreprocessFunc(func(_ context.Context, req stage.Request) (stage.PreprocessResult, error) {
		entered <- req.SessionID
		<-gate
		return stage.PreprocessResult{NormalizedQuery: req.NormalizedInput}, nil
	})

	memory := dispatch.NewMemoryQueue(dispatch.Options{MaxAttempts: 1})
	defer memory.Close()
	queue := &observedQueue{Queue: memory, received: make(chan string, 8), requeued: make(chan string, 8)}
	sup, err := NewSupervisor(Deps{
		Queue:  queue,
		Stages: set,
		Stops:  stopsignal.NewMemoryStore(),
		Ledger: state.NewMemoryLedger(),
		Sink:   &recordingSender{},
	}, Config{Lanes: 1, LaneCapacity: 1}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("unexpected supervisor error: %v", err)
	}

	ctx := context.Background()
	for _, session := range []string{"s1", "s2", "s3"} {
		if err := memory.Enqueue(ctx, dispatch.QueuedMessage{
			MessageID: "m-" + session, SessionID: session, UserID: "u1", Role: chat.RoleEndUser, Payload: []byte(`"hello there"`),
		}); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	waitFor(t, entered, "s1")
	for _, want := range []string{"m-s1", "m-s2", "m-s3"} {
		waitFor(t, queue.received, want)
	}
	// s1 runs, s2 fills the lane buffer and s3 is waiting for room when shutdown begins.
	cancel()
	waitFor(t, queue.requeued, "m-s3")
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	letters, _ := memory.DeadLetters(ctx)
	if len(letters) != 0 {
		t.Fatalf("expected the unstarted delivery to survive shutdown, got dead letters %+v", letters)
	}
	receiveCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	d, err := memory.Receive(receiveCtx)
	if err != nil {
		t.Fatalf("unexpected receive error: %v", err)
	}
	if d.Message.MessageID != "m-s3" || d.Message.Attempt != 1 {
		t.Fatalf("expected m-s3 back on its first attempt, got %s attempt %d", d.Message.MessageID, d.Message.Attempt)
	}
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

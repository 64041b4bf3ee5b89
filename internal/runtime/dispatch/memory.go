package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type entry struct {
	msg        QueuedMessage
	attempts   int
	visibleAt  time.Time
	receipt    string
	leaseUntil time.Time
}

type lane struct {
	pending []*entry
}

func (l *lane) head() *entry {
	if len(l.pending) == 0 {
		return nil
	}
	return l.pending[0]
}

// MemoryQueue is an in-process Queue with round-robin fairness across lanes.
type MemoryQueue struct {
	opts Options

	mu      sync.Mutex
	lanes   map[string]*lane
	order   []string
	cursor  int
	known   map[string]struct{}
	dead    []DeadLetter
	changed chan struct{}
	closed  bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.normalized(),
		lanes:   map[string]*lane{},
		known:   map[string]struct{}{},
		changed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg QueuedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.known[msg.MessageID]; dup {
		return nil
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.opts.Now()
	}
	msg.Attempt = 0

	key := msg.LaneKey()
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
		q.order = append(q.order, key)
	}
	l.pending = append(l.pending, &entry{msg: msg, visibleAt: msg.EnqueuedAt})
	q.known[msg.MessageID] = struct{}{}
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		now := q.opts.Now()
		dead := q.expireLocked(now)
		d, ok := q.claimLocked(now)
		wait := q.nextWakeLocked(now)
		changed := q.changed
		q.mu.Unlock()

		q.opts.deadLettered(dead)
		if ok {
			return d, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Delivery{}, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key, l, e, err := q.ownedLocked(d)
	if err != nil {
		return err
	}
	l.pending = l.pending[1:]
	delete(q.known, e.msg.MessageID)
	q.dropLaneIfEmptyLocked(key)
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, d Delivery, delay time.Duration) error {
	q.mu.Lock()
	key, l, e, err := q.ownedLocked(d)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	var dead []DeadLetter
	now := q.opts.Now()
	if e.attempts >= q.opts.MaxAttempts {
		dead = append(dead, q.deadLetterHeadLocked(key, l, now))
	} else {
		e.receipt = ""
		e.visibleAt = now.Add(delay)
	}
	q.signalLocked()
	q.mu.Unlock()

	q.opts.deadLettered(dead)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, _, e, err := q.ownedLocked(d)
	if err != nil {
		return err
	}
	if e.attempts > 0 {
		e.attempts--
	}
	e.receipt = ""
	e.visibleAt = q.opts.Now()
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) DeadLetters(context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Depth returns the number of queued and in-flight messages.
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.known), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

func (q *MemoryQueue) ownedLocked(d Delivery) (string, *lane, *entry, error) {
	key := d.Message.LaneKey()
	l, ok := q.lanes[key]
	if !ok {
		return "", nil, nil, ErrStaleReceipt
	}
	e := l.head()
	if e == nil || e.receipt == "" || e.receipt != d.Receipt {
		return "", nil, nil, ErrStaleReceipt
	}
	return key, l, e, nil
}

// claimLocked hands out the visible head of the next lane in round-robin order.
func (q *MemoryQueue) claimLocked(now time.Time) (Delivery, bool) {
	for i := 0; i < len(q.order); i++ {
		idx := (q.cursor + i) % len(q.order)
		e := q.lanes[q.order[idx]].head()
		if e == nil || e.receipt != "" || e.visibleAt.After(now) {
			continue
		}
		q.cursor = (idx + 1) % len(q.order)

		e.attempts++
		e.receipt = ulid.Make().String()
		e.leaseUntil = now.Add(q.opts.VisibilityTimeout)
		msg := e.msg
		msg.Attempt = e.attempts
		return Delivery{Message: msg, Receipt: e.receipt}, true
	}
	return Delivery{}, false
}

// expireLocked returns messages whose lease lapsed to their lane head, dead-lettering those
// that have used every attempt.
func (q *MemoryQueue) expireLocked(now time.Time) []DeadLetter {
	var dead []DeadLetter
	for _, key := range append([]string(nil), q.order...) {
		l := q.lanes[key]
		e := l.head()
		if e == nil || e.receipt == "" || e.leaseUntil.After(now) {
			continue
		}
		if e.attempts >= q.opts.MaxAttempts {
			dead = append(dead, q.deadLetterHeadLocked(key, l, now))
			continue
		}
		e.receipt = ""
		e.visibleAt = now
	}
	return dead
}

func (q *MemoryQueue) deadLetterHeadLocked(key string, l *lane, now time.Time) DeadLetter {
	e := l.pending[0]
	l.pending = l.pending[1:]
	delete(q.known, e.msg.MessageID)
	msg := e.msg
	msg.Attempt = e.attempts
	dl := DeadLetter{Message: msg, Attempts: e.attempts, Reason: ReasonMaxAttempts, DeadAt: now}
	q.dead = append(q.dead, dl)
	q.dropLaneIfEmptyLocked(key)
	return dl
}

func (q *MemoryQueue) nextWakeLocked(now time.Time) time.Duration {
	var next time.Time
	for _, key := range q.order {
		e := q.lanes[key].head()
		if e == nil {
			continue
		}
		at := e.visibleAt
		if e.receipt != "" {
			at = e.leaseUntil
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if next.IsZero() {
		return 0
	}
	wait := next.Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (q *MemoryQueue) dropLaneIfEmptyLocked(key string) {
	l, ok := q.lanes[key]
	if !ok || len(l.pending) > 0 {
		return
	}
	delete(q.lanes, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			break
		}
	}
	if len(q.order) == 0 || q.cursor >= len(q.order) {
		q.cursor = 0
	}
}

func (q *MemoryQueue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

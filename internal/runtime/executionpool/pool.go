// Package executionpool runs lane-affine work on a fixed set of single-worker FIFO lanes.
//
// Tasks sharing a key always hash to the same lane and therefore run one at a time in
// submission order. A per-key mutex is held around each run as well, so two pools (or a
// resized pool) sharing a KeyLocks never run the same key concurrently.
package executionpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of lane work.
type Task struct {
	ID string
	// Key selects the lane. Tasks with equal keys never overlap.
	Key string
	Run func() error
}

var (
	// ErrTaskIDRequired is returned when a task is missing an ID.
	ErrTaskIDRequired = errors.New("task id is required")
	// ErrTaskKeyRequired is returned when a task is missing an affinity key.
	ErrTaskKeyRequired = errors.New("task key is required")
	// ErrTaskRunRequired is returned when a task is missing a run function.
	ErrTaskRunRequired = errors.New("task run func is required")
	// ErrClosed indicates the pool no longer accepts submissions.
	ErrClosed = errors.New("execution pool is closed")
	// ErrQueueFull indicates the selected lane queue is saturated.
	ErrQueueFull = errors.New("execution pool lane queue is full")
)

// Stats reports pool counters.
type Stats struct {
	Lanes      int
	Submitted  int64
	Completed  int64
	Failed     int64
	Rejected   int64
	InFlight   int64
	QueueDepth int64
}

// Pool is a fixed set of bounded single-worker FIFO lanes.
type Pool struct {
	lanes []chan Task
	locks *KeyLocks

	wg          sync.WaitGroup
	sendMu      sync.RWMutex
	lanesClosed bool

	closed    atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	inFlight  atomic.Int64

	onError func(Task, error)
}

// Option customizes a pool.
type Option func(*Pool)

// WithKeyLocks shares per-key locks with other pools.
func WithKeyLocks(locks *KeyLocks) Option {
	return func(p *Pool) {
		if locks != nil {
			p.locks = locks
		}
	}
}

// WithErrorHandler observes task errors.
func WithErrorHandler(fn func(Task, error)) Option {
	return func(p *Pool) { p.onError = fn }
}

// NewPool starts lanes workers, each with a queue of capacity tasks.
func NewPool(lanes, capacity int, opts ...Option) *Pool {
	if lanes < 1 {
		lanes = 1
	}
	if capacity < 1 {
		capacity = 64
	}
	p := &Pool{lanes: make([]chan Task, lanes), locks: NewKeyLocks()}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan Task, capacity)
		p.wg.Add(1)
		go p.worker(p.lanes[i])
	}
	return p
}

// LaneFor returns the lane index a key is pinned to.
func (p *Pool) LaneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(key)))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

// Submit enqueues a task or returns an error when its lane is saturated or the pool is closed.
func (p *Pool) Submit(task Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed.Load() {
		p.rejected.Add(1)
		return fmt.Errorf("%w", ErrClosed)
	}
	select {
	case p.lanes[p.LaneFor(task.Key)] <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%w", ErrQueueFull)
	}
}

// SubmitWait enqueues a task, blocking while its lane is saturated.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed.Load() {
		p.rejected.Add(1)
		return fmt.Errorf("%w", ErrClosed)
	}
	select {
	case p.lanes[p.LaneFor(task.Key)] <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Drain stops accepting tasks, waits for queued and in-flight tasks, then stops workers.
func (p *Pool) Drain(ctx context.Context) error {
	p.closed.Store(true)
	for {
		if p.queueDepth() == 0 && p.inFlight.Load() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.sendMu.Lock()
	if !p.lanesClosed {
		for _, lane := range p.lanes {
			close(lane)
		}
		p.lanesClosed = true
	}
	p.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Lanes:      len(p.lanes),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		InFlight:   p.inFlight.Load(),
		QueueDepth: p.queueDepth(),
	}
}

func (p *Pool) worker(queue chan Task) {
	defer p.wg.Done()
	for task := range queue {
		p.inFlight.Add(1)
		unlock := p.locks.Lock(task.Key)
		err := task.Run()
		unlock()
		if err != nil {
			p.failed.Add(1)
			if p.onError != nil {
				p.onError(task, err)
			}
		}
		p.completed.Add(1)
		p.inFlight.Add(-1)
	}
}

func (p *Pool) queueDepth() int64 {
	var depth int64
	for _, lane := range p.lanes {
		depth += int64(len(lane))
	}
	return depth
}

func validateTask(task Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w", ErrTaskIDRequired)
	}
	if strings.TrimSpace(task.Key) == "" {
		return fmt.Errorf("%w", ErrTaskKeyRequired)
	}
	if task.Run == nil {
		return fmt.Errorf("%w", ErrTaskRunRequired)
	}
	return nil
}

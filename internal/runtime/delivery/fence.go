package delivery

import (
	"strings"
	"sync"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

const defaultFenceRetention = 10 * time.Minute

type runSequence struct {
	next      int64
	lastAdmit time.Time
	endedAt   time.Time
}

// Fence numbers frames within a run and refuses frames for a run that already sent END.
// A run is keyed by session, role and the queued message id carried in custom_message_id.
type Fence struct {
	mu        sync.Mutex
	runs      map[string]*runSequence
	retention time.Duration
	prunedAt  time.Time
	now       func() time.Time
}

// NewFence returns an empty fence that forgets runs ten minutes after they end or go quiet.
// A run that fails and is later dead-lettered never sends END, so quiet runs age out too.
func NewFence() *Fence {
	return &Fence{runs: map[string]*runSequence{}, retention: defaultFenceRetention, now: time.Now}
}

// Admit assigns the next chunk_id to frame and reports whether it may be delivered. Frames
// that are not tied to a run pass through unnumbered.
func (f *Fence) Admit(frame *chat.Frame) bool {
	runID := strings.TrimSpace(frame.CustomMessageID)
	if runID == "" {
		return true
	}
	key := frame.SessionID + "/" + string(frame.Role) + "/" + runID

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	seq, ok := f.runs[key]
	if !ok {
		seq = &runSequence{}
		f.runs[key] = seq
	}
	if !seq.endedAt.IsZero() {
		return false
	}
	seq.next++
	seq.lastAdmit = now
	frame.ChunkID = seq.next
	if frame.IsTerminal() {
		seq.endedAt = now
	}
	if frame.IsTerminal() || now.Sub(f.prunedAt) >= f.retention {
		f.pruneLocked(now)
	}
	return true
}

// Open reports the number of runs the fence is still tracking.
func (f *Fence) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *Fence) pruneLocked(now time.Time) {
	f.prunedAt = now
	for key, seq := range f.runs {
		last := seq.lastAdmit
		if !seq.endedAt.IsZero() {
			last = seq.endedAt
		}
		if now.Sub(last) > f.retention {
			delete(f.runs, key)
		}
	}
}

package coordinator

import (
	"sort"
	"sync"

	"github.com/apc-project/apc/internal/plan"
)

// PromptQueue is the bounded, priority-ordered input queue the presenter
// submits UserPrompts to. Ordering is priority rank first, submission time
// second — the same tie-break shape as plan.Task's ready-task rule.
type PromptQueue struct {
	mu       sync.Mutex
	items    []plan.UserPrompt
	capacity int
	wake     chan struct{}
}

// NewPromptQueue constructs a PromptQueue bounded at capacity prompts.
func NewPromptQueue(capacity int) *PromptQueue {
	return &PromptQueue{capacity: capacity, wake: make(chan struct{}, 1)}
}

// Submit admits p, returning ErrQueueFull once capacity is reached.
func (q *PromptQueue) Submit(p plan.UserPrompt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return a.Submitted.Before(b.Submitted)
	})
	q.signal()
	return nil
}

// Peek returns the head of the queue without removing it.
func (q *PromptQueue) Peek() (plan.UserPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return plan.UserPrompt{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head of the queue.
func (q *PromptQueue) Pop() (plan.UserPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return plan.UserPrompt{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

// Len reports the current queue depth.
func (q *PromptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake is signalled (non-blocking, coalesced) whenever Submit admits a
// prompt, letting the parked loop wake without polling.
func (q *PromptQueue) Wake() <-chan struct{} {
	return q.wake
}

func (q *PromptQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// controlKind labels a message on the control channel (buffered at 8
// messages; senders wait while it is full).
type controlKind string

const (
	ctrlPause        controlKind = "pause"
	ctrlResume       controlKind = "resume"
	ctrlCancelPlan   controlKind = "cancel-plan"
	ctrlShutdown     controlKind = "shutdown"
	ctrlResetContext controlKind = "reset-context"
)

// controlMsg is one request on the control channel; reply carries the
// outcome (nil on success) and is always buffered so the loop never blocks
// sending it.
type controlMsg struct {
	kind   controlKind
	planID string
	reply  chan error
}

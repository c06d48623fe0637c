// Package tasklog provides per-plan structured logging for the Coordinator
// Loop's refine/execute/analyze cycle.
//
// Each plan gets one JSONL file in a configurable directory. Events capture
// every key stage: provider calls (refine/analyze/decompose, with full
// instructions and responses), executor calls, retries, and decompositions.
// Nothing in the application reads the log back: the audit reports are
// built from a bus tap, and /history shows the presenter's in-memory
// snapshot transcript.
//
// Design constraints:
//   - All TaskLog methods are nil-safe (no-op on nil receiver) so the
//     coordinator never needs a nil check before logging.
//   - Registry is the sole owner of JSONL persistence; callers never open
//     files directly.
//   - The Coordinator Loop opens a log via Registry.Open when a plan starts
//     and closes it via Registry.Close when the plan reaches a terminal
//     status.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the task log.
type EventKind string

const (
	KindPlanBegin    EventKind = "plan_begin"
	KindPlanEnd      EventKind = "plan_end"
	KindTaskBegin    EventKind = "task_begin"
	KindTaskEnd      EventKind = "task_end"
	KindProviderCall EventKind = "provider_call"
	KindExecutorCall EventKind = "executor_call"
	KindRetry        EventKind = "retry"
	KindDecompose    EventKind = "decompose"
)

// Event is one JSONL line in the plan log. Fields are omitempty so each
// event only serializes relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// plan_begin / plan_end
	PlanID      string `json:"plan_id,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"` // "completed" | "failed" | "cancelled"
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`

	// task_begin / task_end / executor_call / retry
	TaskID  string `json:"task_id,omitempty"`
	Kind_   string `json:"task_kind,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// provider_call
	Operation        string `json:"operation,omitempty"` // "generate-plan" | "refine" | "analyze" | "decompose" | "summarize"
	Request          string `json:"request,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// executor_call
	Success  bool   `json:"success,omitempty"`
	Output   string `json:"output,omitempty"`
	ErrorMsg string `json:"error_msg,omitempty"`

	// retry
	Category string `json:"category,omitempty"`

	// decompose
	ReplacementTaskIDs []string `json:"replacement_task_ids,omitempty"`
	SkipAllowed        bool     `json:"skip_allowed,omitempty"`
}

// TaskLog is a handle for writing structured events for one plan.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *TaskLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across
//     all provider_call events
type TaskLog struct {
	planID           string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	promptTokens     int
	completionTokens int
}

// Registry maps plan IDs to open TaskLogs. It is the sole authority for
// creating and closing plan log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a plan_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice
//     for the same planID
//   - Get returns nil for unknown plan IDs
//   - Get returns the same pointer returned by Open for the same planID
//   - Close writes plan_end with status, elapsed_ms, total_tokens before
//     flushing
//   - Close removes the planID from the registry so subsequent Get returns nil
//   - Close no-ops gracefully when planID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*TaskLog
}

// NewRegistry creates a Registry that writes one JSONL file per plan under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*TaskLog)}
}

// Open creates a new TaskLog for planID, writes a plan_begin event, and
// registers it. If a log for planID is already open, it returns the
// existing log.
func (r *Registry) Open(planID, description string) *TaskLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tl, ok := r.logs[planID]; ok {
		return tl // idempotent: already open
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		log.Printf("[TASKLOG] could not create dir %s: %v", r.dir, err)
		return nil
	}
	path := filepath.Join(r.dir, planID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[TASKLOG] could not open %s: %v", path, err)
		return nil
	}

	tl := &TaskLog{planID: planID, started: time.Now(), f: f}
	r.logs[planID] = tl
	tl.write(Event{
		Kind:        KindPlanBegin,
		PlanID:      planID,
		Description: description,
	})
	return tl
}

// Get returns the TaskLog for planID, or nil if not found.
// Nil is safe to pass to all TaskLog methods.
func (r *Registry) Get(planID string) *TaskLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[planID]
}

// Close writes a plan_end event, flushes and closes the file, and removes
// the entry from the registry. Safe to call on a nil *Registry or unknown
// planID.
func (r *Registry) Close(planID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	tl, ok := r.logs[planID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, planID)
	r.mu.Unlock()

	tl.mu.Lock()
	elapsed := time.Since(tl.started).Milliseconds()
	total := tl.promptTokens + tl.completionTokens
	tl.mu.Unlock()

	tl.write(Event{
		Kind:        KindPlanEnd,
		PlanID:      planID,
		Status:      status,
		ElapsedMs:   elapsed,
		TotalTokens: total,
	})

	tl.mu.Lock()
	if tl.f != nil {
		_ = tl.f.Close()
		tl.f = nil
	}
	tl.mu.Unlock()
}

// TaskBegin writes a task_begin event.
func (tl *TaskLog) TaskBegin(taskID, kind string) {
	if tl == nil {
		return
	}
	tl.write(Event{Kind: KindTaskBegin, TaskID: taskID, Kind_: kind})
}

// TaskEnd writes a task_end event.
func (tl *TaskLog) TaskEnd(taskID, status string) {
	if tl == nil {
		return
	}
	tl.write(Event{Kind: KindTaskEnd, TaskID: taskID, Status: status})
}

// ProviderCall writes a provider_call event with the request, response, and
// token counts for one refine/analyze/decompose/summarize/generate-plan
// call.
func (tl *TaskLog) ProviderCall(taskID, operation, request, response string, promptToks, completionToks int) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.promptTokens += promptToks
	tl.completionTokens += completionToks
	tl.mu.Unlock()
	tl.write(Event{
		Kind:             KindProviderCall,
		TaskID:           taskID,
		Operation:        operation,
		Request:          request,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
	})
}

// ExecutorCall writes an executor_call event for one task execution.
func (tl *TaskLog) ExecutorCall(taskID string, success bool, output, errorMsg string) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:     KindExecutorCall,
		TaskID:   taskID,
		Success:  success,
		Output:   output,
		ErrorMsg: errorMsg,
	})
}

// Retry writes a retry event when a retryable category is retried.
func (tl *TaskLog) Retry(taskID, category string, attempt int) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:     KindRetry,
		TaskID:   taskID,
		Category: category,
		Attempt:  attempt,
	})
}

// Decompose writes a decompose event when a failing task is replaced.
func (tl *TaskLog) Decompose(taskID string, replacementIDs []string, skipAllowed bool) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:               KindDecompose,
		TaskID:             taskID,
		ReplacementTaskIDs: replacementIDs,
		SkipAllowed:        skipAllowed,
	})
}

// TotalTokens returns the total token count accumulated so far. Returns 0
// on a nil receiver.
func (tl *TaskLog) TotalTokens() int {
	if tl == nil {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.promptTokens + tl.completionTokens
}

// write appends one JSON line to the plan log file. Adds timestamp,
// mutex-protected.
func (tl *TaskLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[TASKLOG] marshal error: %v", err)
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(tl.f, "%s\n", data); err != nil {
		log.Printf("[TASKLOG] write error: %v", err)
	}
}

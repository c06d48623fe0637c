package coordinator

import (
	"time"

	"github.com/apc-project/apc/internal/bus"
	"github.com/apc-project/apc/internal/plan"
)

// LoopState is the coordinator's single logical state, per spec.md §4.1.
type LoopState string

const (
	StateIdle             LoopState = "idle"
	StatePlanning         LoopState = "planning"
	StateContextAssembly  LoopState = "context-assembly"
	StateTaskRefinement   LoopState = "task-refinement"
	StateTaskExecution    LoopState = "task-execution"
	StateResultAnalysis   LoopState = "result-analysis"
	StateStateUpdate      LoopState = "state-update"
	StatePaused           LoopState = "paused"
	StateCancelled        LoopState = "cancelled"
	StateShutdown         LoopState = "shutdown"
)

// TaskSnapshot is the read-only view of one task exposed in a StatusSnapshot.
type TaskSnapshot struct {
	ID         string
	Kind       plan.Kind
	State      plan.TaskState
	FailureCat plan.FailureCategory
	Retries    int
}

// PlanSnapshot is the read-only view of the active plan.
type PlanSnapshot struct {
	ID          string
	Description string
	Status      plan.Status
	Tasks       []TaskSnapshot
}

// StatusSnapshot is the immutable, monotonically-numbered view the
// coordinator publishes on every state update, satisfying the "status
// snapshots are monotonically numbered" ordering guarantee in spec.md §5.
type StatusSnapshot struct {
	Seq            uint64
	At             time.Time
	LogicalState   LoopState
	ActivePlan     *PlanSnapshot
	QueueDepth     int
	TasksCompleted int
	TasksFailed    int
	PlansCompleted int
}

func planSnapshotOf(p *plan.Plan) *PlanSnapshot {
	ps := &PlanSnapshot{ID: p.ID, Description: p.Description, Status: p.Status}
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		ps.Tasks = append(ps.Tasks, TaskSnapshot{
			ID: t.ID, Kind: t.Kind, State: t.State, FailureCat: t.FailureCat, Retries: t.Retries,
		})
	}
	return ps
}

// setState updates the loop's logical state. Called only from the loop
// goroutine — no lock needed, matching the single-writer discipline.
func (c *Coordinator) setState(s LoopState) {
	c.logicalState = s
}

// publishSnapshot assembles and publishes the current StatusSnapshot. Called
// only from the loop goroutine.
func (c *Coordinator) publishSnapshot() {
	c.seq++
	snap := StatusSnapshot{
		Seq:            c.seq,
		At:             time.Now(),
		LogicalState:   c.logicalState,
		QueueDepth:     c.promptQueue.Len(),
		TasksCompleted: c.tasksCompleted,
		TasksFailed:    c.tasksFailed,
		PlansCompleted: c.plansCompleted,
	}
	if c.active != nil {
		snap.ActivePlan = planSnapshotOf(c.active)
	}
	c.latest.Store(snap)
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindStatusSnapshot, Payload: snap})
	}
}

// StatusSnapshot returns the most recently published snapshot. Safe to call
// from any goroutine; it never blocks on the loop.
func (c *Coordinator) StatusSnapshot() StatusSnapshot {
	if v := c.latest.Load(); v != nil {
		return v.(StatusSnapshot)
	}
	return StatusSnapshot{LogicalState: StateIdle}
}

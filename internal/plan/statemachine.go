package plan

import (
	"fmt"
	"sort"

	"github.com/apc-project/apc/internal/apcerr"
)

// legalPrefixes enumerates the legal transition sequences a task's state
// history must be a prefix of, per the coordinator's testable invariant.
// There is no cancelled task state: Plan.Cancel moves every non-terminal
// task to skipped, and CanTransition gives that move no special case.
var legalPrefixes = [][]TaskState{
	{TaskPending, TaskReady, TaskRefining, TaskExecuting, TaskAnalyzing, TaskCompleted},
	{TaskPending, TaskReady, TaskRefining, TaskExecuting, TaskAnalyzing, TaskFailed},
	{TaskPending, TaskReady, TaskRefining, TaskFailed},
	{TaskPending, TaskSkipped},
}

// CanTransition reports whether moving a task currently in `from` to `to` is
// legal under the prefix rule above, plus the executing→failed short-circuit.
// A move to skipped is legal only from pending.
func CanTransition(from, to TaskState) bool {
	if to == TaskFailed && from == TaskExecuting {
		return true // executor-error / timeout short-circuit to failed
	}
	for _, seq := range legalPrefixes {
		for i, s := range seq {
			if s != from {
				continue
			}
			if i+1 < len(seq) && seq[i+1] == to {
				return true
			}
		}
	}
	return false
}

// ReadyDependencies reports whether every declared dependency of t is
// completed, the sole condition under which t may enter TaskReady.
func (p *Plan) ReadyDependencies(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := p.Tasks[dep]
		if !ok || d.State != TaskCompleted {
			return false
		}
	}
	return true
}

// RefreshReady promotes every pending task whose dependencies are now
// satisfied to TaskReady, returning the IDs promoted.
func (p *Plan) RefreshReady() []string {
	var promoted []string
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		if t.State == TaskPending && p.ReadyDependencies(t) {
			t.State = TaskReady
			promoted = append(promoted, id)
		}
	}
	return promoted
}

// ValidateDAG checks that the dependency graph is acyclic and that every
// declared dependency identifier resolves to a task in this plan.
func (p *Plan) ValidateDAG() error {
	const white, gray, black = 0, 1, 2
	color := make(map[string]int, len(p.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		t, ok := p.Tasks[id]
		if !ok {
			return apcerr.Newf("validate-dag", apcerr.PlanningFailed, "dangling dependency identifier %q", id)
		}
		color[id] = gray
		for _, dep := range t.Dependencies {
			switch color[dep] {
			case gray:
				return apcerr.Newf("validate-dag", apcerr.PlanningFailed, "dependency cycle involving %q", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range p.TaskOrder {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateTasks checks that every task carries a known kind, used when
// admitting a provider-supplied plan or replacement subplan.
func (p *Plan) ValidateTasks() error {
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		if !ValidKinds[t.Kind] {
			return apcerr.Newf("validate-tasks", apcerr.PlanningFailed, "unknown task kind %q on task %s", t.Kind, t.ID)
		}
	}
	return nil
}

// Validate runs every structural check a freshly-generated or replacement
// plan must pass before admission.
func (p *Plan) Validate() error {
	if err := p.ValidateTasks(); err != nil {
		return err
	}
	return p.ValidateDAG()
}

// Admit transitions a validated draft plan to running and every task to
// pending, then promotes any immediately-ready (dependency-free) tasks.
func (p *Plan) Admit() error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Status = StatusRunning
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		if t.State == "" {
			t.State = TaskPending
		}
	}
	p.RefreshReady()
	return nil
}

// NextReady selects the next ready task using the tie-break rule: (1) lower
// priority rank, (2) fewer blocked dependents, (3) earlier enqueue time.
// Returns nil if no task is ready.
func (p *Plan) NextReady() *Task {
	var candidates []*Task
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		if t.State == TaskReady {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.OriginPriority.Rank() != b.OriginPriority.Rank() {
			return a.OriginPriority.Rank() < b.OriginPriority.Rank()
		}
		ba, bb := p.BlockedDependentCount(a.ID), p.BlockedDependentCount(b.ID)
		if ba != bb {
			return ba < bb
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
	return candidates[0]
}

// AllTerminal reports whether every task in the plan has reached a terminal
// state (completed, failed, or skipped).
func (p *Plan) AllTerminal() bool {
	for _, id := range p.TaskOrder {
		switch p.Tasks[id].State {
		case TaskCompleted, TaskFailed, TaskSkipped:
		default:
			return false
		}
	}
	return true
}

// HasUnrecoverableFailure reports whether any task is failed without having
// been superseded by adaptive decomposition (FailureReplaced is recoverable
// by construction — the replacement tasks carry the intent forward).
func (p *Plan) HasUnrecoverableFailure() bool {
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		if t.State == TaskFailed && t.FailureCat != FailureReplaced {
			return true
		}
	}
	return false
}

// PropagateDependencyFailures marks pending/ready dependents of any
// unrecoverably-failed task as failed with FailureDependency, transitively.
func (p *Plan) PropagateDependencyFailures() {
	changed := true
	for changed {
		changed = false
		for _, id := range p.TaskOrder {
			t := p.Tasks[id]
			if t.State != TaskPending && t.State != TaskReady {
				continue
			}
			for _, dep := range t.Dependencies {
				d := p.Tasks[dep]
				if d != nil && d.State == TaskFailed {
					t.State = TaskFailed
					t.FailureCat = FailureDependency
					changed = true
					break
				}
			}
		}
	}
}

// SkipRemaining transitions every non-terminal task to skipped, used on
// abort-plan verdicts and plan cancellation.
func (p *Plan) SkipRemaining() {
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		switch t.State {
		case TaskCompleted, TaskFailed, TaskSkipped:
		default:
			t.State = TaskSkipped
		}
	}
}

// Cancel transitions the plan to cancelled and every non-terminal task to
// skipped. Cancelling an already-cancelled plan is a no-op.
func (p *Plan) Cancel() {
	if p.Status == StatusCancelled {
		return
	}
	p.SkipRemaining()
	p.Status = StatusCancelled
}

// Recompute evaluates plan-completion per the coordinator's step 3: if all
// tasks are terminal and none unrecoverably failed, the plan completes; if
// any unrecoverably failed, the plan fails (and remaining tasks are
// skipped); otherwise it leaves the plan unchanged for the caller to decide
// whether adaptive replanning is needed.
func (p *Plan) Recompute() {
	p.PropagateDependencyFailures()
	if p.Status != StatusRunning {
		return
	}
	if p.HasUnrecoverableFailure() {
		p.SkipRemaining()
		p.Status = StatusFailed
		return
	}
	if p.AllTerminal() {
		p.Status = StatusCompleted
	}
}

// Describe is used in log lines and error messages, mirroring the teacher's
// terse role-tagged Printf style.
func (t *Task) Describe() string {
	return fmt.Sprintf("%s[%s]", t.ID, t.Kind)
}

package plan

import "github.com/apc-project/apc/internal/apcerr"

// MaxDecompositionAttempts bounds how many times a replacement subplan may
// be rejected before the owning plan fails outright, mirroring the
// teacher's maxReplans hard cap (metaval.go) rather than leaving the
// provider free to loop indefinitely.
const MaxDecompositionAttempts = 3

// ReplacementProposal is what the provider returns when asked for a
// replacement subplan for a failing task: either an ordered list of
// replacement tasks, or an explicit permission to skip the failing task
// and reparent its dependents to its own dependencies.
type ReplacementProposal struct {
	Tasks      []*Task
	SkipAllowed bool
}

// Decompose replaces failing with the tasks in proposal.Tasks, preserving
// the invariants the coordinator must hold across adaptive decomposition:
// the graph remains a DAG, failing's dependents become dependents of the
// last replacement task, and no replacement depends on a task outside this
// plan. failing is marked failed/replaced. Returns the IDs of the newly
// admitted replacement tasks.
func (p *Plan) Decompose(failing *Task, proposal ReplacementProposal) ([]string, error) {
	if len(proposal.Tasks) == 0 {
		if proposal.SkipAllowed {
			return nil, p.skipAndReparent(failing)
		}
		return nil, apcerr.Newf("decompose", apcerr.PlanningFailed, "empty replacement subplan for task %s and skip not permitted", failing.ID)
	}

	for _, rt := range proposal.Tasks {
		for _, dep := range rt.Dependencies {
			if _, ok := p.Tasks[dep]; !ok && !containsTask(proposal.Tasks, dep) {
				return nil, apcerr.Newf("decompose", apcerr.PlanningFailed, "replacement task %s depends on unknown task %q", rt.ID, dep)
			}
		}
	}

	dependents := p.Dependents(failing.ID)

	trial := &Plan{ID: p.ID, Tasks: make(map[string]*Task), TaskOrder: append([]string(nil), p.TaskOrder...)}
	for id, t := range p.Tasks {
		trial.Tasks[id] = t
	}
	var newIDs []string
	for _, rt := range proposal.Tasks {
		trial.Tasks[rt.ID] = rt
		trial.TaskOrder = append(trial.TaskOrder, rt.ID)
		newIDs = append(newIDs, rt.ID)
	}
	if err := trial.Validate(); err != nil {
		return nil, err
	}

	failing.State = TaskFailed
	failing.FailureCat = FailureReplaced

	last := proposal.Tasks[len(proposal.Tasks)-1]
	for _, rt := range proposal.Tasks {
		rt.State = TaskPending
		rt.OriginPriority = p.OriginPrompt.Priority
		p.Tasks[rt.ID] = rt
		p.TaskOrder = append(p.TaskOrder, rt.ID)
	}
	for _, depID := range dependents {
		dep := p.Tasks[depID]
		dep.Dependencies = replaceDep(dep.Dependencies, failing.ID, last.ID)
	}

	if err := p.ValidateDAG(); err != nil {
		return nil, err
	}
	p.RefreshReady()
	return newIDs, nil
}

// skipAndReparent marks failing as skipped and reparents its dependents onto
// failing's own dependencies, used when the provider's analysis explicitly
// permits skip after a rejected replacement subplan.
func (p *Plan) skipAndReparent(failing *Task) error {
	dependents := p.Dependents(failing.ID)
	failing.State = TaskSkipped
	for _, depID := range dependents {
		dep := p.Tasks[depID]
		merged := make([]string, 0, len(dep.Dependencies)+len(failing.Dependencies))
		for _, d := range dep.Dependencies {
			if d != failing.ID {
				merged = append(merged, d)
			}
		}
		merged = append(merged, failing.Dependencies...)
		dep.Dependencies = dedupe(merged)
	}
	if err := p.ValidateDAG(); err != nil {
		return err
	}
	p.RefreshReady()
	return nil
}

func containsTask(tasks []*Task, id string) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func replaceDep(deps []string, old, new string) []string {
	out := make([]string, 0, len(deps))
	replaced := false
	for _, d := range deps {
		if d == old {
			out = append(out, new)
			replaced = true
			continue
		}
		out = append(out, d)
	}
	if !replaced {
		out = append(out, new)
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

package context

import (
	"encoding/json"
	"time"

	"github.com/apc-project/apc/internal/apcerr"
	"github.com/apc-project/apc/internal/plan"
)

// scratchpadByteCeiling bounds a single plan's scratchpad memory estimate.
// Writes that would push a scratchpad beyond this return an *apcerr.Error
// with category apcerr.ScratchpadFull.
const scratchpadByteCeiling = 2 * 1024 * 1024

// Output is one keyed, ordered artifact recorded by a task for later
// reference by dependents.
type Output struct {
	Key   string
	Value string
}

// Scratchpad is the per-plan in-memory structure holding task results,
// named variables, and outputs, generalized from the teacher's Memory
// Calibration Protocol (planner.go's calibrate/memTokenize/entrySummary:
// retrieve, cap by recency + keyword filter, constrain via MUST-NOT /
// SHOULD-PREFER text blocks) repurposed here from cross-task procedural
// memory into per-plan result bookkeeping.
type Scratchpad struct {
	PlanID      string
	Results     map[string]plan.TaskResult // by task ID
	Variables   map[string]any
	Outputs     []Output
	DepSnapshot map[string][]string // task ID -> dependency IDs, at snapshot time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	memEstimate int
}

// NewScratchpad creates an empty Scratchpad for planID.
func NewScratchpad(planID string) *Scratchpad {
	now := time.Now()
	return &Scratchpad{
		PlanID:    planID,
		Results:   make(map[string]plan.TaskResult),
		Variables: make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Scratchpad) touch(delta int) error {
	if s.memEstimate+delta > scratchpadByteCeiling {
		return apcerr.Newf("scratchpad", apcerr.ScratchpadFull, "plan %s scratchpad would exceed %d bytes", s.PlanID, scratchpadByteCeiling)
	}
	s.memEstimate += delta
	s.UpdatedAt = time.Now()
	return nil
}

// RecordTaskResult stores t's result for later reference by dependents.
func (s *Scratchpad) RecordTaskResult(taskID string, result plan.TaskResult) error {
	cost := len(result.Output) + len(result.ErrorMsg) + 64
	if err := s.touch(cost); err != nil {
		return err
	}
	s.Results[taskID] = result
	return nil
}

// SetVariable stores a named, free-form structured value.
func (s *Scratchpad) SetVariable(key string, value any) error {
	encoded, _ := json.Marshal(value)
	if err := s.touch(len(key) + len(encoded)); err != nil {
		return err
	}
	s.Variables[key] = value
	return nil
}

// GetVariable retrieves a named variable.
func (s *Scratchpad) GetVariable(key string) (any, bool) {
	v, ok := s.Variables[key]
	return v, ok
}

// AppendOutput records a keyed string artifact for later reference.
func (s *Scratchpad) AppendOutput(key, value string) error {
	if err := s.touch(len(key) + len(value)); err != nil {
		return err
	}
	s.Outputs = append(s.Outputs, Output{Key: key, Value: value})
	return nil
}

// GetOutputsForDependencies returns the TaskResult recorded for each of the
// given dependency task IDs that has one, assembled for context assembly
// ahead of refinement. Keyed Outputs are not included.
func (s *Scratchpad) GetOutputsForDependencies(depIDs []string) map[string]plan.TaskResult {
	out := make(map[string]plan.TaskResult, len(depIDs))
	for _, id := range depIDs {
		if r, ok := s.Results[id]; ok {
			out[id] = r
		}
	}
	return out
}

// SnapshotData is the serializable form of a Scratchpad, round-tripped by
// Snapshot/RestoreFromSnapshot.
type SnapshotData struct {
	PlanID      string
	Results     map[string]plan.TaskResult
	Variables   map[string]any
	Outputs     []Output
	DepSnapshot map[string][]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot produces a serializable copy of the scratchpad's current state.
func (s *Scratchpad) Snapshot(deps map[string][]string) SnapshotData {
	results := make(map[string]plan.TaskResult, len(s.Results))
	for k, v := range s.Results {
		results[k] = v
	}
	vars := make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		vars[k] = v
	}
	return SnapshotData{
		PlanID:      s.PlanID,
		Results:     results,
		Variables:   vars,
		Outputs:     append([]Output(nil), s.Outputs...),
		DepSnapshot: deps,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// RestoreFromSnapshot rebuilds a Scratchpad from a SnapshotData, such that
// every query the original answered returns the same value.
func RestoreFromSnapshot(snap SnapshotData) *Scratchpad {
	s := &Scratchpad{
		PlanID:      snap.PlanID,
		Results:     snap.Results,
		Variables:   snap.Variables,
		Outputs:     snap.Outputs,
		DepSnapshot: snap.DepSnapshot,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
	if s.Results == nil {
		s.Results = make(map[string]plan.TaskResult)
	}
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	for _, r := range s.Results {
		s.memEstimate += len(r.Output) + len(r.ErrorMsg) + 64
	}
	for _, o := range s.Outputs {
		s.memEstimate += len(o.Key) + len(o.Value)
	}
	return s
}

package context

import (
	"sync"
	"time"

	"github.com/apc-project/apc/internal/apcerr"
	"github.com/apc-project/apc/internal/plan"
)

// Severity tags a HealthReport warning.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Warning is one entry of a HealthReport.
type Warning struct {
	Severity Severity
	Message  string
}

// HealthReport is the structured, severity-tagged output of Store.HealthCheck.
type HealthReport struct {
	At            time.Time
	BytesUsed     int64
	ByteCeiling   int64
	Warnings      []Warning
	StalePlans    []string
}

// StaleScratchpadAge marks a scratchpad eligible for maintenance eviction.
const StaleScratchpadAge = 2 * time.Hour

// Store is the Context Store façade the coordinator calls during context
// assembly and state update: the ProjectSummary plus every active plan's
// Scratchpad, behind a single-writer discipline.
type Store struct {
	mu          sync.Mutex
	project     *ProjectSummary
	scratchpads map[string]*Scratchpad
	summarize   SummarizeFunc
	cache       *SummaryCache
}

// NewStore constructs a Store rooted at workdir. summarize is the
// provider-backed text summarizer the ProjectSummary uses for
// summarization and the aggregate overview.
func NewStore(workdir string, limits Limits, cache *SummaryCache, summarize SummarizeFunc) *Store {
	return &Store{
		project:     NewProjectSummary(workdir, limits, cache),
		scratchpads: make(map[string]*Scratchpad),
		summarize:   summarize,
		cache:       cache,
	}
}

// ProjectOverview returns the current aggregate project overview string.
func (st *Store) ProjectOverview() string {
	return st.project.Overview()
}

// FileSummaries returns cached summaries for the given workspace-relative
// paths, keyed by path. Paths with no cached entry are omitted.
func (st *Store) FileSummaries(paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		if e, ok := st.project.Get(p); ok {
			out[p] = e.Summary
		}
	}
	return out
}

// RefreshProject re-walks the working directory and re-summarizes
// modified/added files, evicting deleted ones.
func (st *Store) RefreshProject() (ChangeReport, error) {
	return st.project.Refresh(st.summarize)
}

// CreateScratchpad creates and registers a new Scratchpad for planID,
// returning a handle (the plan ID itself — scratchpads are looked up by
// plan, never by a separate handle type, per the "identify by stable
// identifier" design note).
func (st *Store) CreateScratchpad(planID string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scratchpads[planID] = NewScratchpad(planID)
	return planID
}

func (st *Store) scratchpad(planID string) (*Scratchpad, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sp, ok := st.scratchpads[planID]
	if !ok {
		return nil, apcerr.Newf("scratchpad", apcerr.Configuration, "no scratchpad for plan %s", planID)
	}
	return sp, nil
}

func (st *Store) RecordTaskResult(planID, taskID string, result plan.TaskResult) error {
	sp, err := st.scratchpad(planID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sp.RecordTaskResult(taskID, result)
}

func (st *Store) SetVariable(planID, key string, value any) error {
	sp, err := st.scratchpad(planID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sp.SetVariable(key, value)
}

func (st *Store) GetVariable(planID, key string) (any, bool) {
	sp, err := st.scratchpad(planID)
	if err != nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sp.GetVariable(key)
}

func (st *Store) AppendOutput(planID, key, value string) error {
	sp, err := st.scratchpad(planID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sp.AppendOutput(key, value)
}

// GetOutputsForDependencies assembles the scratchpad fragment containing
// results of a task's declared dependencies, for context assembly.
func (st *Store) GetOutputsForDependencies(planID string, depIDs []string) (map[string]plan.TaskResult, error) {
	sp, err := st.scratchpad(planID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sp.GetOutputsForDependencies(depIDs), nil
}

// SnapshotScratchpad serializes planID's scratchpad, e.g. ahead of
// discarding it or for interrupt-preemption's pause/resume cycle.
func (st *Store) SnapshotScratchpad(planID string, deps map[string][]string) (SnapshotData, error) {
	sp, err := st.scratchpad(planID)
	if err != nil {
		return SnapshotData{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sp.Snapshot(deps), nil
}

// RestoreScratchpad re-registers a scratchpad from a prior snapshot.
func (st *Store) RestoreScratchpad(snap SnapshotData) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.scratchpads[snap.PlanID] = RestoreFromSnapshot(snap)
}

// DiscardScratchpad removes planID's scratchpad entirely.
func (st *Store) DiscardScratchpad(planID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.scratchpads, planID)
}

// ResetProject discards the cached ProjectSummary, forcing a full
// resummarization on the next Refresh. Backs the /reset-context
// interactive command.
func (st *Store) ResetProject() {
	st.project.Reset()
}

// HealthCheck reports memory usage against warning/critical thresholds,
// flags stale scratchpads, and validates the dependency graph of every
// active plan. It never mutates unless maintenance is true, in which case
// stale scratchpads are discarded and a cache Dream pass runs.
func (st *Store) HealthCheck(activePlans map[string]*plan.Plan, maintenance bool) HealthReport {
	report := HealthReport{At: time.Now(), ByteCeiling: st.project.limits.TotalByteCeiling}
	report.BytesUsed = st.project.TotalBytes()

	warnThreshold := report.ByteCeiling * 8 / 10
	switch {
	case report.BytesUsed >= report.ByteCeiling:
		report.Warnings = append(report.Warnings, Warning{SeverityCritical, "project summary at or over byte ceiling"})
	case report.BytesUsed >= warnThreshold:
		report.Warnings = append(report.Warnings, Warning{SeverityWarning, "project summary approaching byte ceiling"})
	}

	st.mu.Lock()
	now := time.Now()
	for planID, sp := range st.scratchpads {
		if now.Sub(sp.UpdatedAt) > StaleScratchpadAge {
			report.StalePlans = append(report.StalePlans, planID)
		}
	}
	if maintenance {
		for _, planID := range report.StalePlans {
			delete(st.scratchpads, planID)
		}
	}
	st.mu.Unlock()

	for id, p := range activePlans {
		if err := p.ValidateDAG(); err != nil {
			report.Warnings = append(report.Warnings, Warning{SeverityCritical, "plan " + id + " dependency graph invalid: " + err.Error()})
		}
	}

	if maintenance && st.cache != nil {
		st.cache.Dream(st.project.limits.SummaryTTL)
	}
	return report
}

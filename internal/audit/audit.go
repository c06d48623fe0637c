// Package audit implements the coordinator-level audit trail: a read-only
// bus tap that accumulates window statistics, detects boundary violations
// and convergence failures, and publishes AuditReports on a periodic
// ticker. Report returns the current window on demand to a synchronous
// caller; neither `apc status` nor the /status interactive command calls
// it. Generalized from the teacher's R6 Auditor
// (internal/roles/auditor/auditor.go), which taps the eight-role bus the
// same read-only way to watch for out-of-contract message routes and GGS
// thrashing; here the tap watches the Coordinator's StatusSnapshot and
// SecurityEvent stream instead of role-to-role messages.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apc-project/apc/internal/bus"
	"github.com/apc-project/apc/internal/coordinator"
	"github.com/apc-project/apc/internal/plan"
)

// RetryThrashThreshold is the per-task retry count at which a task is
// flagged as a drift alert — the coordinator's own retry ceiling already
// fails the task outright, so this exists purely to surface the trend in
// the audit report before that happens.
const RetryThrashThreshold = 2

// Event is one structured line in the append-only audit log.
type Event struct {
	EventID   string  `json:"event_id"`
	Timestamp string  `json:"timestamp"`
	Kind      string  `json:"kind"`
	PlanID    string  `json:"plan_id,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
	Anomaly   string  `json:"anomaly"`
	Detail    *string `json:"detail,omitempty"`
}

// Period bounds the window an AuditReport covers.
type Period struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Report is the structured output published on bus.KindAuditReport and
// returned by Auditor.Report for synchronous callers.
type Report struct {
	ReportID           string   `json:"report_id"`
	Period             Period   `json:"period"`
	PlansObserved      int      `json:"plans_observed"`
	TasksObserved      int      `json:"tasks_observed"`
	TasksFailed        int      `json:"tasks_failed"`
	BoundaryViolations []string `json:"boundary_violations"`
	DriftAlerts        []string `json:"drift_alerts"`
	Anomalies          []string `json:"anomalies"`
}

// persistedStats mirrors the window fields that survive process restarts.
type persistedStats struct {
	WindowStart        time.Time `json:"window_start"`
	PlansObserved      int       `json:"plans_observed"`
	TasksObserved      int       `json:"tasks_observed"`
	TasksFailed        int       `json:"tasks_failed"`
	BoundaryViolations []string  `json:"boundary_violations"`
	DriftAlerts        []string  `json:"drift_alerts"`
	Anomalies          []string  `json:"anomalies"`
}

// Auditor taps the coordinator's bus read-only, accumulating window
// statistics and publishing periodic/on-demand AuditReports.
type Auditor struct {
	b         *bus.Bus
	tap       <-chan bus.Event
	logPath   string
	statsPath string
	interval  time.Duration // 0 disables periodic reports

	mu      sync.Mutex
	logFile *os.File

	lastPlanStatus map[string]plan.Status
	lastTaskState  map[string]plan.TaskState
	retrySeen      map[string]int // taskID -> highest retry count already flagged

	windowStart        time.Time
	plansObserved      int
	tasksObserved      int
	tasksFailed        int
	boundaryViolations []string
	driftAlerts        []string
	anomalies          []string
}

// New creates an Auditor. tap must be a dedicated bus.NewTap(). statsPath
// persists window stats across restarts; interval sets the periodic report
// cadence (0 disables periodic reports — on-demand reports via Report()
// still work).
func New(b *bus.Bus, tap <-chan bus.Event, logPath, statsPath string, interval time.Duration) *Auditor {
	a := &Auditor{
		b:              b,
		tap:            tap,
		logPath:        logPath,
		statsPath:      statsPath,
		interval:       interval,
		lastPlanStatus: make(map[string]plan.Status),
		lastTaskState:  make(map[string]plan.TaskState),
		retrySeen:      make(map[string]int),
		windowStart:    time.Now().UTC(),
	}
	a.loadStats()
	return a
}

func (a *Auditor) loadStats() {
	data, err := os.ReadFile(a.statsPath)
	if err != nil {
		return
	}
	var ps persistedStats
	if err := json.Unmarshal(data, &ps); err != nil {
		log.Printf("[AUDIT] WARNING: could not load persisted stats: %v", err)
		return
	}
	a.windowStart = ps.WindowStart
	a.plansObserved = ps.PlansObserved
	a.tasksObserved = ps.TasksObserved
	a.tasksFailed = ps.TasksFailed
	a.boundaryViolations = ps.BoundaryViolations
	a.driftAlerts = ps.DriftAlerts
	a.anomalies = ps.Anomalies
	log.Printf("[AUDIT] loaded persisted stats: plans=%d tasks=%d window_start=%s",
		ps.PlansObserved, ps.TasksObserved, ps.WindowStart.Format(time.RFC3339))
}

func (a *Auditor) saveStats() {
	a.mu.Lock()
	ps := persistedStats{
		WindowStart:        a.windowStart,
		PlansObserved:      a.plansObserved,
		TasksObserved:      a.tasksObserved,
		TasksFailed:        a.tasksFailed,
		BoundaryViolations: a.boundaryViolations,
		DriftAlerts:        a.driftAlerts,
		Anomalies:          a.anomalies,
	}
	a.mu.Unlock()
	data, err := json.Marshal(ps)
	if err != nil {
		log.Printf("[AUDIT] WARNING: could not marshal stats: %v", err)
		return
	}
	if err := os.WriteFile(a.statsPath, data, 0o644); err != nil {
		log.Printf("[AUDIT] WARNING: could not save stats: %v", err)
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled or the tap
// channel closes.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	a.logFile = f
	defer f.Close()

	log.Printf("[AUDIT] started; writing to %s", a.logPath)

	var tickC <-chan time.Time
	if a.interval > 0 {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			a.publishReport("periodic")
		case evt, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(evt)
		}
	}
}

func (a *Auditor) process(evt bus.Event) {
	switch evt.Kind {
	case bus.KindStatusSnapshot:
		snap, ok := evt.Payload.(coordinator.StatusSnapshot)
		if !ok {
			return
		}
		a.processSnapshot(snap)
	case bus.KindSecurityEvent:
		a.recordBoundaryViolation(fmt.Sprintf("%v", evt.Payload))
	}
}

func (a *Auditor) processSnapshot(snap coordinator.StatusSnapshot) {
	if snap.ActivePlan == nil {
		return
	}
	p := snap.ActivePlan

	a.mu.Lock()
	prevStatus, seen := a.lastPlanStatus[p.ID]
	a.lastPlanStatus[p.ID] = p.Status
	if !seen {
		a.plansObserved++
	}
	a.mu.Unlock()

	if seen && prevStatus != plan.StatusFailed && p.Status == plan.StatusFailed {
		a.recordAnomaly("convergence_failure", p.ID, "", fmt.Sprintf("plan %s transitioned to failed", p.ID))
	}

	for _, t := range p.Tasks {
		a.mu.Lock()
		prevState := a.lastTaskState[t.ID]
		a.lastTaskState[t.ID] = t.State
		a.mu.Unlock()

		if prevState != t.State && (t.State == plan.TaskCompleted || t.State == plan.TaskFailed || t.State == plan.TaskSkipped) {
			a.mu.Lock()
			a.tasksObserved++
			if t.State == plan.TaskFailed {
				a.tasksFailed++
			}
			a.mu.Unlock()
		}

		a.mu.Lock()
		lastFlagged := a.retrySeen[t.ID]
		a.mu.Unlock()
		if t.Retries >= RetryThrashThreshold && t.Retries > lastFlagged {
			a.mu.Lock()
			a.retrySeen[t.ID] = t.Retries
			a.mu.Unlock()
			a.recordAnomaly("drift", p.ID, t.ID, fmt.Sprintf("task %s retried %d times", t.ID, t.Retries))
		}
	}
}

func (a *Auditor) recordBoundaryViolation(detail string) {
	a.mu.Lock()
	a.boundaryViolations = append(a.boundaryViolations, detail)
	a.anomalies = append(a.anomalies, "boundary_violation: "+detail)
	a.mu.Unlock()
	log.Printf("[AUDIT] BOUNDARY VIOLATION: %s", detail)
	a.writeEvent(Event{Kind: "security-event", Anomaly: "boundary_violation", Detail: &detail})
	a.saveStats()
}

func (a *Auditor) recordAnomaly(kind, planID, taskID, detail string) {
	a.mu.Lock()
	if kind == "drift" {
		a.driftAlerts = append(a.driftAlerts, detail)
	}
	a.anomalies = append(a.anomalies, kind+": "+detail)
	a.mu.Unlock()
	log.Printf("[AUDIT] %s: %s", kind, detail)
	a.writeEvent(Event{Kind: "status-snapshot", PlanID: planID, TaskID: taskID, Anomaly: kind, Detail: &detail})
	a.saveStats()
}

// Report assembles and returns the current window's report without
// resetting it — the read-only half of publishReport, for synchronous
// callers that want a snapshot without disturbing the periodic window.
func (a *Auditor) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Report{
		ReportID:           uuid.New().String(),
		Period:             Period{From: a.windowStart.Format(time.RFC3339), To: time.Now().UTC().Format(time.RFC3339)},
		PlansObserved:      a.plansObserved,
		TasksObserved:      a.tasksObserved,
		TasksFailed:        a.tasksFailed,
		BoundaryViolations: append([]string(nil), a.boundaryViolations...),
		DriftAlerts:        append([]string(nil), a.driftAlerts...),
		Anomalies:          append([]string(nil), a.anomalies...),
	}
}

func (a *Auditor) publishReport(trigger string) {
	report := a.Report()

	a.mu.Lock()
	now := time.Now().UTC()
	a.windowStart = now
	a.plansObserved = 0
	a.tasksObserved = 0
	a.tasksFailed = 0
	a.boundaryViolations = nil
	a.driftAlerts = nil
	a.anomalies = nil
	a.mu.Unlock()

	a.saveStats()

	log.Printf("[AUDIT] publishing %s report: plans=%d tasks=%d failed=%d violations=%d drifts=%d",
		trigger, report.PlansObserved, report.TasksObserved, report.TasksFailed,
		len(report.BoundaryViolations), len(report.DriftAlerts))

	if a.b != nil {
		a.b.Publish(bus.Event{Kind: bus.KindAuditReport, Payload: report})
	}
}

func (a *Auditor) writeEvent(e Event) {
	e.EventID = uuid.New().String()
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}

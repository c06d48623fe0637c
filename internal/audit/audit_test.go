package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apc-project/apc/internal/bus"
	"github.com/apc-project/apc/internal/coordinator"
	"github.com/apc-project/apc/internal/plan"
)

func snapshotEvent(p *coordinator.PlanSnapshot) bus.Event {
	return bus.Event{Kind: bus.KindStatusSnapshot, Payload: coordinator.StatusSnapshot{
		Seq: 1, At: time.Now(), LogicalState: coordinator.StateTaskExecution, ActivePlan: p,
	}}
}

func newAuditor(t *testing.T) (*Auditor, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()
	a := New(b, b.NewTap(), filepath.Join(dir, "audit.log"), filepath.Join(dir, "stats.json"), 0)
	return a, b
}

func TestProcessSnapshotCountsNewPlanOnce(t *testing.T) {
	a, _ := newAuditor(t)
	p := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusRunning, Tasks: []coordinator.TaskSnapshot{
		{ID: "t1", State: plan.TaskExecuting},
	}}
	a.process(snapshotEvent(p))
	a.process(snapshotEvent(p))
	a.process(snapshotEvent(p))
	report := a.Report()
	if report.PlansObserved != 1 {
		t.Fatalf("PlansObserved = %d, want 1", report.PlansObserved)
	}
}

func TestProcessSnapshotCountsTaskOnTerminalTransitionOnly(t *testing.T) {
	a, _ := newAuditor(t)
	running := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusRunning, Tasks: []coordinator.TaskSnapshot{
		{ID: "t1", State: plan.TaskExecuting},
	}}
	a.process(snapshotEvent(running))
	if got := a.Report().TasksObserved; got != 0 {
		t.Fatalf("TasksObserved before completion = %d, want 0", got)
	}

	completed := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusRunning, Tasks: []coordinator.TaskSnapshot{
		{ID: "t1", State: plan.TaskCompleted},
	}}
	a.process(snapshotEvent(completed))
	a.process(snapshotEvent(completed)) // repeat: must not double-count
	report := a.Report()
	if report.TasksObserved != 1 {
		t.Fatalf("TasksObserved = %d, want 1", report.TasksObserved)
	}
	if report.TasksFailed != 0 {
		t.Fatalf("TasksFailed = %d, want 0", report.TasksFailed)
	}
}

func TestProcessSnapshotFlagsPlanFailureAsConvergenceFailure(t *testing.T) {
	a, _ := newAuditor(t)
	running := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusRunning}
	a.process(snapshotEvent(running))

	failed := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusFailed}
	a.process(snapshotEvent(failed))

	report := a.Report()
	found := false
	for _, an := range report.Anomalies {
		if an == "convergence_failure: plan p1 transitioned to failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected convergence_failure anomaly, got %+v", report.Anomalies)
	}
}

func TestProcessSnapshotFlagsRetryThrashOnceThresholdCrossed(t *testing.T) {
	a, _ := newAuditor(t)
	below := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusRunning, Tasks: []coordinator.TaskSnapshot{
		{ID: "t1", State: plan.TaskExecuting, Retries: RetryThrashThreshold - 1},
	}}
	a.process(snapshotEvent(below))
	if got := len(a.Report().DriftAlerts); got != 0 {
		t.Fatalf("DriftAlerts before threshold = %d, want 0", got)
	}

	atThreshold := &coordinator.PlanSnapshot{ID: "p1", Status: plan.StatusRunning, Tasks: []coordinator.TaskSnapshot{
		{ID: "t1", State: plan.TaskExecuting, Retries: RetryThrashThreshold},
	}}
	a.process(snapshotEvent(atThreshold))
	a.process(snapshotEvent(atThreshold)) // repeat at same count: must not re-flag
	report := a.Report()
	if len(report.DriftAlerts) != 1 {
		t.Fatalf("DriftAlerts = %+v, want exactly one", report.DriftAlerts)
	}
}

func TestProcessSecurityEventRecordsBoundaryViolation(t *testing.T) {
	a, _ := newAuditor(t)
	a.process(bus.Event{Kind: bus.KindSecurityEvent, Payload: "path escape attempt: ../../etc/passwd"})
	report := a.Report()
	if len(report.BoundaryViolations) != 1 {
		t.Fatalf("BoundaryViolations = %+v, want exactly one", report.BoundaryViolations)
	}
}

func TestPublishReportResetsWindowAndPublishesOnBus(t *testing.T) {
	a, b := newAuditor(t)
	tap := b.NewTap()

	a.process(bus.Event{Kind: bus.KindSecurityEvent, Payload: "boundary test"})
	a.publishReport("test")

	select {
	case evt := <-tap:
		if evt.Kind != bus.KindAuditReport {
			t.Fatalf("published event kind = %s, want %s", evt.Kind, bus.KindAuditReport)
		}
		rep, ok := evt.Payload.(Report)
		if !ok || len(rep.BoundaryViolations) != 1 {
			t.Fatalf("unexpected published report: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published audit report")
	}

	if got := a.Report(); len(got.BoundaryViolations) != 0 || got.PlansObserved != 0 {
		t.Fatalf("expected window reset after publish, got %+v", got)
	}
}

func TestStatsPersistAndReloadAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	statsPath := filepath.Join(dir, "stats.json")

	b := bus.New()
	a := New(b, b.NewTap(), logPath, statsPath, 0)
	a.process(bus.Event{Kind: bus.KindSecurityEvent, Payload: "violation one"})

	a2 := New(b, b.NewTap(), logPath, statsPath, 0)
	report := a2.Report()
	if len(report.BoundaryViolations) != 1 {
		t.Fatalf("expected persisted boundary violation to reload, got %+v", report)
	}

	raw, err := os.ReadFile(statsPath)
	if err != nil {
		t.Fatalf("read stats file: %v", err)
	}
	var ps persistedStats
	if err := json.Unmarshal(raw, &ps); err != nil {
		t.Fatalf("unmarshal stats file: %v", err)
	}
	if len(ps.BoundaryViolations) != 1 {
		t.Fatalf("stats file BoundaryViolations = %+v, want one entry", ps.BoundaryViolations)
	}
}

func TestRunWritesAppendOnlyLogLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	statsPath := filepath.Join(dir, "stats.json")
	b := bus.New()
	a := New(b, b.NewTap(), logPath, statsPath, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	b.Publish(bus.Event{Kind: bus.KindSecurityEvent, Payload: "sandbox escape attempt"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(logPath); err == nil && len(data) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected at least one audit log line to be written")
	}
	var evt Event
	firstLine := data
	if idx := indexByte(data, '\n'); idx >= 0 {
		firstLine = data[:idx]
	}
	if err := json.Unmarshal(firstLine, &evt); err != nil {
		t.Fatalf("unmarshal logged event: %v", err)
	}
	if evt.Anomaly != "boundary_violation" {
		t.Fatalf("logged event anomaly = %q, want boundary_violation", evt.Anomaly)
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

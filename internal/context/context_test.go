package context

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apc-project/apc/internal/plan"
)

func echoSummarize(text, prior string) (string, error) {
	if len(text) > 40 {
		text = text[:40]
	}
	return "summary:" + text, nil
}

func TestRefreshReportsZeroChangesOnUnchangedWorkdir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ps := NewProjectSummary(dir, DefaultLimits, nil)
	if _, err := ps.Refresh(echoSummarize); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	report, err := ps.Refresh(echoSummarize)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(report.Modified) != 0 || len(report.Added) != 0 || len(report.Deleted) != 0 {
		t.Fatalf("expected zero changes, got %+v", report)
	}
	if len(report.Unchanged) != 1 {
		t.Fatalf("expected a.go reported unchanged, got %+v", report)
	}
}

func TestResetClearsCachedEntriesAndOverview(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ps := NewProjectSummary(dir, DefaultLimits, nil)
	if _, err := ps.Refresh(echoSummarize); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := ps.Get("a.go"); !ok {
		t.Fatal("expected a.go cached before Reset")
	}

	ps.Reset()

	if _, ok := ps.Get("a.go"); ok {
		t.Error("expected a.go to be gone after Reset")
	}
	if ps.Overview() != "" {
		t.Errorf("Overview() = %q, want empty after Reset", ps.Overview())
	}

	report, err := ps.Refresh(echoSummarize)
	if err != nil {
		t.Fatalf("refresh after reset: %v", err)
	}
	if len(report.Added) != 1 {
		t.Errorf("expected a.go to be resummarized as Added after Reset, got %+v", report)
	}
}

func TestEvictionRespectsByteCeiling(t *testing.T) {
	dir := t.TempDir()
	limits := DefaultLimits
	limits.TotalByteCeiling = 1 // force eviction after the very first entry
	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, string(rune('a'+i))+".txt")
		if err := os.WriteFile(name, []byte("content"), 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	ps := NewProjectSummary(dir, limits, nil)
	if _, err := ps.Refresh(echoSummarize); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if total := ps.TotalBytes(); total > limits.TotalByteCeiling {
		// approxBytes has a fixed overhead per entry, so no entry fits under
		// ceiling=1 and eviction normally empties the map; if bytes remain
		// over the ceiling, at most one survivor is tolerated.
		if len(ps.entries) > 1 {
			t.Fatalf("expected eviction to leave at most one entry, got %d (bytes=%d)", len(ps.entries), total)
		}
	}
}

func TestScratchpadSnapshotRoundTrip(t *testing.T) {
	sp := NewScratchpad("plan-1")
	if err := sp.SetVariable("k", "v"); err != nil {
		t.Fatalf("set variable: %v", err)
	}
	if err := sp.RecordTaskResult("t1", plan.TaskResult{Success: true, Output: "out"}); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if err := sp.AppendOutput("report", "contents"); err != nil {
		t.Fatalf("append output: %v", err)
	}

	snap := sp.Snapshot(map[string][]string{"t2": {"t1"}})
	restored := RestoreFromSnapshot(snap)

	if v, ok := restored.GetVariable("k"); !ok || v != "v" {
		t.Fatalf("expected variable k=v after restore, got %v ok=%v", v, ok)
	}
	results := restored.GetOutputsForDependencies([]string{"t1"})
	if r, ok := results["t1"]; !ok || r.Output != "out" {
		t.Fatalf("expected t1 result preserved, got %+v ok=%v", r, ok)
	}
	if len(restored.Outputs) != 1 || restored.Outputs[0].Value != "contents" {
		t.Fatalf("expected output preserved, got %+v", restored.Outputs)
	}
}

func TestScratchpadRejectsWriteBeyondCeiling(t *testing.T) {
	sp := NewScratchpad("plan-1")
	huge := make([]byte, scratchpadByteCeiling+1)
	err := sp.SetVariable("k", string(huge))
	if err == nil {
		t.Fatal("expected scratchpad-full error")
	}
}

func TestHealthCheckFlagsInvalidDAG(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir, DefaultLimits, nil, echoSummarize)

	p := plan.NewPlan("test", plan.NewUserPrompt("x", plan.PriorityNormal))
	a := plan.NewTask(plan.KindReadFile, nil, nil)
	b := plan.NewTask(plan.KindReadFile, nil, []string{a.ID})
	a.Dependencies = []string{b.ID}
	p.AddTask(a)
	p.AddTask(b)

	report := st.HealthCheck(map[string]*plan.Plan{p.ID: p}, false)
	found := false
	for _, w := range report.Warnings {
		if w.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical warning for the cyclic plan, got %+v", report.Warnings)
	}
}

package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apc-project/apc/internal/apcerr"
	ctxstore "github.com/apc-project/apc/internal/context"
	"github.com/apc-project/apc/internal/plan"
	"github.com/apc-project/apc/internal/provider"
	"github.com/apc-project/apc/internal/tasklog"
)

// fakeExecutor is a minimal executor.Executor test double: every call is
// routed through a caller-supplied function keyed by plan.Kind, defaulting
// to an unconditional success.
type fakeExecutor struct {
	byKind map[plan.Kind]func(*plan.Task) (plan.TaskResult, error)
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, t *plan.Task) (plan.TaskResult, error) {
	f.calls++
	if fn, ok := f.byKind[t.Kind]; ok {
		return fn(t)
	}
	return plan.TaskResult{Success: true, Output: "ok"}, nil
}

func echoSummarize(text, prior string) (string, error) {
	if len(text) > 40 {
		text = text[:40]
	}
	return "summary:" + text, nil
}

func newTestStore(t *testing.T) *ctxstore.Store {
	t.Helper()
	return ctxstore.NewStore(t.TempDir(), ctxstore.DefaultLimits, nil, echoSummarize)
}

func waitForState(t *testing.T, c *Coordinator, want LoopState, timeout time.Duration) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last StatusSnapshot
	for time.Now().Before(deadline) {
		last = c.StatusSnapshot()
		if last.LogicalState == want {
			return last
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last seen %q", want, last.LogicalState)
	return last
}

func waitForIdleNoActivePlan(t *testing.T, c *Coordinator, timeout time.Duration) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last StatusSnapshot
	for time.Now().Before(deadline) {
		last = c.StatusSnapshot()
		if last.LogicalState == StateIdle && last.ActivePlan == nil {
			return last
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for idle-with-no-active-plan, last snapshot: %+v", last)
	return last
}

func singleTaskPlan(kind plan.Kind) *plan.Plan {
	p := plan.NewPlan("single task", plan.UserPrompt{})
	p.AddTask(plan.NewTask(kind, map[string]any{}, nil))
	return p
}

// --- scenario 1: happy-path read-then-write ---

func TestHappyPathTwoTaskPlanCompletes(t *testing.T) {
	src := plan.NewPlan("read then write", plan.UserPrompt{})
	read := plan.NewTask(plan.KindReadFile, map[string]any{"path": "a.txt"}, nil)
	write := plan.NewTask(plan.KindWriteFile, map[string]any{"path": "b.txt"}, []string{read.ID})
	src.AddTask(read)
	src.AddTask(write)

	prov := &provider.StubProvider{Plan: src}
	ex := &fakeExecutor{byKind: map[plan.Kind]func(*plan.Task) (plan.TaskResult, error){}}
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())

	c := New(prov, ex, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("read then write", plan.PriorityNormal)); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}

	snap := waitForIdleNoActivePlan(t, c, 2*time.Second)
	if snap.TasksCompleted != 2 {
		t.Errorf("TasksCompleted = %d, want 2", snap.TasksCompleted)
	}
	if snap.PlansCompleted != 1 {
		t.Errorf("PlansCompleted = %d, want 1", snap.PlansCompleted)
	}
	if ex.calls != 2 {
		t.Errorf("executor calls = %d, want 2", ex.calls)
	}
}

// --- scenario 2: adaptive decomposition ---

func TestAdaptiveDecompositionReplacesFailingTask(t *testing.T) {
	src := plan.NewPlan("npm install then build", plan.UserPrompt{})
	install := plan.NewTask(plan.KindExecuteCommand, map[string]any{"argv": []any{"npm", "install"}}, nil)
	src.AddTask(install)

	decomposeCalled := false
	prov := &provider.StubProvider{
		Plan: src,
		AnalyzeFunc: func(req provider.AnalyzeRequest) (plan.Analysis, error) {
			if !req.Result.Success {
				return plan.Analysis{Summary: "npm failed", Verdict: plan.VerdictNeedsAlternative}, nil
			}
			return plan.Analysis{Summary: "ok", Verdict: plan.VerdictOK}, nil
		},
		DecomposeFunc: func(req provider.DecomposeRequest) (plan.ReplacementProposal, error) {
			decomposeCalled = true
			replacement := plan.NewTask(plan.KindExecuteCommand, map[string]any{"argv": []any{"yarn", "install"}}, nil)
			return plan.ReplacementProposal{Tasks: []*plan.Task{replacement}}, nil
		},
	}

	ex := &fakeExecutor{byKind: map[plan.Kind]func(*plan.Task) (plan.TaskResult, error){
		plan.KindExecuteCommand: func(tk *plan.Task) (plan.TaskResult, error) {
			if argv, _ := tk.Params["argv"].([]any); len(argv) > 0 && argv[0] == "npm" {
				return plan.TaskResult{Success: false, Output: "npm ERR!"}, nil
			}
			return plan.TaskResult{Success: true, Output: "installed"}, nil
		},
	}}

	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(prov, ex, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("install deps", plan.PriorityNormal)); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}

	snap := waitForIdleNoActivePlan(t, c, 2*time.Second)
	if !decomposeCalled {
		t.Error("expected Decompose to be called")
	}
	if snap.PlansCompleted != 1 {
		t.Errorf("PlansCompleted = %d, want 1 (plan should complete via the replacement task)", snap.PlansCompleted)
	}
}

// --- retry-exhausted boundary (testable invariant 8) ---

func TestRetryCeilingEscalatesToRetryExhausted(t *testing.T) {
	src := singleTaskPlan(plan.KindReadFile)
	prov := &provider.StubProvider{
		Plan: src,
		AnalyzeFunc: func(req provider.AnalyzeRequest) (plan.Analysis, error) {
			return plan.Analysis{Summary: "still wrong", Verdict: plan.VerdictNeedsRetry}, nil
		},
	}
	ex := &fakeExecutor{byKind: map[plan.Kind]func(*plan.Task) (plan.TaskResult, error){}}
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())

	cfg := Config{RetryCeiling: 2}
	c := New(prov, ex, store, nil, reg, cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("flaky", plan.PriorityNormal)); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}

	snap := waitForIdleNoActivePlan(t, c, 2*time.Second)
	if snap.TasksFailed != 1 {
		t.Errorf("TasksFailed = %d, want 1", snap.TasksFailed)
	}
	// Exactly RetryCeiling+1 analyze cycles should have run: the executor
	// is called once per cycle (every needs-retry returns the task to ready).
	if ex.calls != cfg.RetryCeiling+1 {
		t.Errorf("executor calls = %d, want %d (retry_ceiling+1)", ex.calls, cfg.RetryCeiling+1)
	}
}

// --- scenario 5 (sandbox violation) surfaced end to end ---

func TestSandboxViolationFailsTaskWithNotInSandbox(t *testing.T) {
	src := singleTaskPlan(plan.KindWriteFile)
	prov := &provider.StubProvider{Plan: src}
	ex := &fakeExecutor{byKind: map[plan.Kind]func(*plan.Task) (plan.TaskResult, error){
		plan.KindWriteFile: func(tk *plan.Task) (plan.TaskResult, error) {
			err := apcerr.New("write-file", apcerr.SandboxViolation, errors.New("path escapes sandbox root"))
			return plan.TaskResult{Success: false, ErrorCat: string(apcerr.SandboxViolation), ErrorMsg: err.Error()}, err
		},
	}}
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(prov, ex, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("escape", plan.PriorityNormal)); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}

	snap := waitForIdleNoActivePlan(t, c, 2*time.Second)
	if snap.TasksFailed != 1 {
		t.Fatalf("TasksFailed = %d, want 1", snap.TasksFailed)
	}
}

// --- scenario 4: emergency cancellation ---

func TestEmergencyPromptCancelsActivePlan(t *testing.T) {
	blockCh := make(chan struct{})
	src := singleTaskPlan(plan.KindExecuteCommand)
	prov := &provider.StubProvider{Plan: src}
	ex := &fakeExecutor{byKind: map[plan.Kind]func(*plan.Task) (plan.TaskResult, error){
		plan.KindExecuteCommand: func(tk *plan.Task) (plan.TaskResult, error) {
			<-blockCh
			return plan.TaskResult{Success: true}, nil
		},
	}}
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(prov, ex, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(blockCh)
		c.Shutdown()
	}()

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("long running", plan.PriorityNormal)); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	orig := waitForState(t, c, StateTaskExecution, 2*time.Second)

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("abort everything", plan.PriorityEmergency)); err != nil {
		t.Fatalf("SubmitPrompt(emergency): %v", err)
	}

	// The emergency prompt is only inspected between task cycles; release
	// the blocked executor call so the loop can observe it.
	close(blockCh)
	blockCh = make(chan struct{}) // avoid double-close in defer

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.StatusSnapshot()
		if snap.ActivePlan != nil && snap.ActivePlan.ID != orig.ActivePlan.ID {
			return // a fresh plan was generated for the emergency prompt
		}
		if snap.PlansCompleted+snap.TasksFailed > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the emergency prompt to replace the active plan")
}

// --- Pause/Resume contract ---

func TestResumeWithoutPauseReturnsErrNotPaused(t *testing.T) {
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(provider.NewStub(), &fakeExecutor{}, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume() on non-paused loop = %v, want ErrNotPaused", err)
	}
}

func TestPauseThenResumeRoundTrips(t *testing.T) {
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(provider.NewStub(), &fakeExecutor{}, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitForState(t, c, StatePaused, time.Second)
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForState(t, c, StateIdle, time.Second)
}

// --- CancelPlan on an unknown plan ---

func TestCancelPlanUnknownReturnsErrUnknownPlan(t *testing.T) {
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(provider.NewStub(), &fakeExecutor{}, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.CancelPlan("does-not-exist"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("CancelPlan(unknown) = %v, want ErrUnknownPlan", err)
	}
}

// --- ResetContext ---

func TestResetContextSucceedsWhenIdle(t *testing.T) {
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(provider.NewStub(), &fakeExecutor{}, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if err := c.ResetContext(); err != nil {
		t.Errorf("ResetContext() on an idle loop = %v, want nil", err)
	}
}

func TestResetContextRefusedWhileActivePlanRunning(t *testing.T) {
	src := plan.NewPlan("run something", plan.UserPrompt{})
	run := plan.NewTask(plan.KindExecuteCommand, map[string]any{"argv": []any{"sleep"}}, nil)
	src.AddTask(run)

	prov := &provider.StubProvider{Plan: src}
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	ex := &fakeExecutor{byKind: map[plan.Kind]func(*plan.Task) (plan.TaskResult, error){
		plan.KindExecuteCommand: func(*plan.Task) (plan.TaskResult, error) {
			time.Sleep(200 * time.Millisecond)
			return plan.TaskResult{Success: true, Output: "ok"}, nil
		},
	}}
	c := New(prov, ex, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	if _, err := c.SubmitPrompt(plan.NewUserPrompt("run something", plan.PriorityNormal)); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	waitForState(t, c, StateTaskExecution, time.Second)

	if err := c.ResetContext(); !errors.Is(err, ErrContextBusy) {
		t.Errorf("ResetContext() while a plan is active = %v, want ErrContextBusy", err)
	}
}

// --- queue-full boundary ---

func TestSubmitPromptReturnsErrQueueFullAtCapacity(t *testing.T) {
	q := NewPromptQueue(1)
	if err := q.Submit(plan.NewUserPrompt("first", plan.PriorityNormal)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := q.Submit(plan.NewUserPrompt("second", plan.PriorityNormal)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Submit = %v, want ErrQueueFull", err)
	}
}

// --- monotonic snapshot sequence ---

func TestStatusSnapshotSequenceIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(provider.NewStub(), &fakeExecutor{}, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown()

	first := c.StatusSnapshot()
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitForState(t, c, StatePaused, time.Second)
	second := c.StatusSnapshot()
	if second.Seq <= first.Seq {
		t.Errorf("Seq did not increase: first=%d second=%d", first.Seq, second.Seq)
	}
}

// --- double Start ---

func TestStartTwiceReturnsErrAlreadyRunning(t *testing.T) {
	store := newTestStore(t)
	reg := tasklog.NewRegistry(t.TempDir())
	c := New(provider.NewStub(), &fakeExecutor{}, store, nil, reg, Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer c.Shutdown()
	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

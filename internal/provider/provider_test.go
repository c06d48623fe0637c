package provider

import (
	"context"
	"testing"

	"github.com/apc-project/apc/internal/plan"
)

func TestStubGeneratePlanIsStructurallyDeterministic(t *testing.T) {
	base := plan.NewPlan("seed", plan.NewUserPrompt("x", plan.PriorityNormal))
	a := plan.NewTask(plan.KindReadFile, nil, nil)
	b := plan.NewTask(plan.KindWriteFile, nil, []string{a.ID})
	base.AddTask(a)
	base.AddTask(b)

	s := &StubProvider{Plan: base}
	p1, err := s.GeneratePlan(context.Background(), GeneratePlanRequest{Prompt: "do it"})
	if err != nil {
		t.Fatalf("generate 1: %v", err)
	}
	p2, err := s.GeneratePlan(context.Background(), GeneratePlanRequest{Prompt: "do it"})
	if err != nil {
		t.Fatalf("generate 2: %v", err)
	}
	if len(p1.TaskOrder) != len(p2.TaskOrder) {
		t.Fatalf("expected structurally identical plans, got %d vs %d tasks", len(p1.TaskOrder), len(p2.TaskOrder))
	}
	for i := range p1.TaskOrder {
		t1 := p1.Tasks[p1.TaskOrder[i]]
		t2 := p2.Tasks[p2.TaskOrder[i]]
		if t1.Kind != t2.Kind || len(t1.Dependencies) != len(t2.Dependencies) {
			t.Fatalf("plan %d differs structurally at task %d", i, i)
		}
	}
}

func TestStubAnalyzeDefaultsOnSuccess(t *testing.T) {
	s := NewStub()
	a, err := s.AnalyzeResult(context.Background(), AnalyzeRequest{Result: plan.TaskResult{Success: true}})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if a.Verdict != plan.VerdictOK {
		t.Fatalf("expected ok verdict, got %s", a.Verdict)
	}
}

func TestStubAnalyzeDefaultsOnFailure(t *testing.T) {
	s := NewStub()
	a, err := s.AnalyzeResult(context.Background(), AnalyzeRequest{Result: plan.TaskResult{Success: false}})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if a.Verdict != plan.VerdictNeedsRetry {
		t.Fatalf("expected needs-retry verdict, got %s", a.Verdict)
	}
}

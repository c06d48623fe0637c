package provider

import (
	"context"

	"github.com/apc-project/apc/internal/plan"
)

// StubProvider is the deterministic provider the spec's end-to-end
// scenarios are phrased against. It never calls a network; every method is
// driven by caller-supplied callbacks or canned values, matching the
// "model provider is a deterministic stub" framing of the testable
// properties section.
type StubProvider struct {
	Plan *plan.Plan // template: GeneratePlan copies its task shapes into a fresh Plan with new IDs on every call

	RefineFunc    func(RefineRequest) (RefineResult, error)
	AnalyzeFunc   func(AnalyzeRequest) (plan.Analysis, error)
	DecomposeFunc func(DecomposeRequest) (plan.ReplacementProposal, error)
	SummarizeFunc func(text, prior string) (string, error)

	GeneratePlanCalls int
}

func NewStub() *StubProvider { return &StubProvider{} }

func (s *StubProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{Name: "stub", Description: "deterministic test double"}}, nil
}

// GeneratePlan returns a fresh Plan built from the same task shapes as
// s.Plan every time it's called, so replanning-determinism tests can submit
// the same prompt repeatedly and observe structurally identical plans.
func (s *StubProvider) GeneratePlan(ctx context.Context, req GeneratePlanRequest) (*plan.Plan, error) {
	s.GeneratePlanCalls++
	if s.Plan == nil {
		return plan.NewPlan(req.Prompt, plan.UserPrompt{Content: req.Prompt}), nil
	}
	np := plan.NewPlan(s.Plan.Description, plan.UserPrompt{Content: req.Prompt})
	idMap := make(map[string]string, len(s.Plan.TaskOrder))
	for _, id := range s.Plan.TaskOrder {
		src := s.Plan.Tasks[id]
		t := plan.NewTask(src.Kind, src.Params, nil)
		idMap[id] = t.ID
		np.AddTask(t)
	}
	for _, id := range s.Plan.TaskOrder {
		src := s.Plan.Tasks[id]
		t := np.Tasks[idMap[id]]
		for _, dep := range src.Dependencies {
			t.Dependencies = append(t.Dependencies, idMap[dep])
		}
	}
	return np, nil
}

func (s *StubProvider) RefineInstruction(ctx context.Context, req RefineRequest) (RefineResult, error) {
	if s.RefineFunc != nil {
		return s.RefineFunc(req)
	}
	return RefineResult{Instruction: string(req.Kind), Params: req.Params}, nil
}

func (s *StubProvider) AnalyzeResult(ctx context.Context, req AnalyzeRequest) (plan.Analysis, error) {
	if s.AnalyzeFunc != nil {
		return s.AnalyzeFunc(req)
	}
	if req.Result.Success {
		return plan.Analysis{Summary: "ok", Verdict: plan.VerdictOK}, nil
	}
	return plan.Analysis{Summary: "failed", Verdict: plan.VerdictNeedsRetry}, nil
}

func (s *StubProvider) Decompose(ctx context.Context, req DecomposeRequest) (plan.ReplacementProposal, error) {
	if s.DecomposeFunc != nil {
		return s.DecomposeFunc(req)
	}
	return plan.ReplacementProposal{SkipAllowed: true}, nil
}

func (s *StubProvider) Summarize(ctx context.Context, text string, priorSummary string) (string, error) {
	if s.SummarizeFunc != nil {
		return s.SummarizeFunc(text, priorSummary)
	}
	if len(text) > 80 {
		text = text[:80]
	}
	return text, nil
}

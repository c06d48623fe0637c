// Package provider defines the Model Provider contract the coordinator
// consumes: list-models, generate-plan, refine-instruction, analyze-result,
// decompose, and summarize. Concrete wire formats are deliberately out of scope — the
// contract is a capability structure (per the teacher's trait-polymorphic
// provider dispatch, generalized into a thin Go interface) that a
// vendor-specific HTTP client or a deterministic stub can both satisfy.
package provider

import (
	"context"
	"time"

	"github.com/apc-project/apc/internal/plan"
)

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	Name        string
	Description string
}

// PlanAnnotation describes the outcome of one task from a prior plan, used
// to give the provider replanning context without re-deriving it.
type PlanAnnotation struct {
	TaskID      string
	Description string
	Outcome     string // "succeeded" | "failed" | "adapted"
}

// GeneratePlanRequest carries everything the provider needs to produce a
// validated plan.Plan.
type GeneratePlanRequest struct {
	Prompt          string
	ProjectOverview string
	PriorPlan       []PlanAnnotation // non-empty only when replanning
}

// RefineRequest carries the abstract task plus assembled context the
// provider turns into a concrete instruction.
type RefineRequest struct {
	Kind            plan.Kind
	Params          map[string]any
	ProjectOverview string
	DependencyFacts map[string]any
	FileSummaries   map[string]string
}

// RefineResult is the provider's concrete, parameter-complete instruction.
type RefineResult struct {
	Instruction string
	Params      map[string]any // any structured parameters the executor requires
}

// AnalyzeRequest carries the executed task and its result for post-hoc
// interpretation.
type AnalyzeRequest struct {
	Kind            plan.Kind
	Instruction     string
	Result          plan.TaskResult
	ProjectOverview string
}

// DecomposeRequest asks the provider for a replacement subplan achieving
// the same intent as a failing task.
type DecomposeRequest struct {
	Failing         *plan.Task
	Analysis        plan.Analysis
	DependencyFacts map[string]any
	ProjectOverview string
}

// Provider is the contract the coordinator and the context store consume.
// Every call is bounded by ctx's deadline; implementations must return
// apcerr-categorized errors (network, authentication, rate-limit,
// provider-protocol for malformed responses and 5xx replies, timeout,
// unknown) so the caller's retry policy can decide without string-matching.
type Provider interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	GeneratePlan(ctx context.Context, req GeneratePlanRequest) (*plan.Plan, error)
	RefineInstruction(ctx context.Context, req RefineRequest) (RefineResult, error)
	AnalyzeResult(ctx context.Context, req AnalyzeRequest) (plan.Analysis, error)
	Decompose(ctx context.Context, req DecomposeRequest) (plan.ReplacementProposal, error)
	Summarize(ctx context.Context, text string, priorSummary string) (string, error)
}

// CallDeadline is the default per-call deadline applied when the caller
// does not already carry a tighter one on ctx.
const CallDeadline = 60 * time.Second

// WithDeadline returns ctx bounded by CallDeadline unless ctx already has an
// earlier deadline.
func WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < CallDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, CallDeadline)
}

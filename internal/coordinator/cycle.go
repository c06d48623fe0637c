package coordinator

import (
	"context"
	"log"

	"github.com/apc-project/apc/internal/apcerr"
	"github.com/apc-project/apc/internal/plan"
	"github.com/apc-project/apc/internal/provider"
	"github.com/apc-project/apc/internal/tasklog"
)

// runTaskCycle drives t through context assembly, refinement, execution,
// analysis and state update, per spec.md §4.1's per-task cycle. Every phase
// publishes a snapshot on entry so an observer sees the loop's progress in
// real time.
func (c *Coordinator) runTaskCycle(p *plan.Plan, t *plan.Task) {
	tl := c.taskLog.Get(p.ID)
	tl.TaskBegin(t.ID, string(t.Kind))

	c.setState(StateContextAssembly)
	overview := c.store.ProjectOverview()
	summaries := c.store.FileSummaries(referencedPaths(t))
	depFacts := c.dependencyFacts(p.ID, t.Dependencies)
	c.publishSnapshot()

	t.State = plan.TaskRefining
	c.setState(StateTaskRefinement)
	c.publishSnapshot()

	refined, err := c.refine(tl, t, overview, summaries, depFacts)
	if err != nil {
		c.failTask(t, plan.FailureRefinement, err)
		tl.TaskEnd(t.ID, string(t.State))
		c.afterTaskCycle(p)
		return
	}
	t.Instruction = refined.Instruction
	for k, v := range refined.Params {
		if t.Params == nil {
			t.Params = map[string]any{}
		}
		t.Params[k] = v
	}

	t.State = plan.TaskExecuting
	c.setState(StateTaskExecution)
	c.publishSnapshot()

	result, execErr := c.execute(t)
	t.Result = &result
	tl.ExecutorCall(t.ID, result.Success, result.Output, result.ErrorMsg)

	if execErr != nil {
		cat := plan.FailureExecutorError
		switch apcerr.CategoryOf(execErr) {
		case apcerr.Timeout:
			cat = plan.FailureTimeout
		case apcerr.SandboxViolation:
			cat = plan.FailureNotInSandbox
		}
		c.failTask(t, cat, execErr)
		tl.TaskEnd(t.ID, string(t.State))
		c.afterTaskCycle(p)
		return
	}

	t.State = plan.TaskAnalyzing
	c.setState(StateResultAnalysis)
	c.publishSnapshot()

	analysis, analyzeErr := c.analyze(tl, t, overview)
	if analyzeErr != nil {
		c.failTask(t, plan.FailureAnalysis, analyzeErr)
		tl.TaskEnd(t.ID, string(t.State))
		c.afterTaskCycle(p)
		return
	}
	t.Analysis = &analysis

	c.setState(StateStateUpdate)
	c.publishSnapshot()
	c.applyVerdict(p, t, analysis)
	if err := c.store.RecordTaskResult(p.ID, t.ID, result); err != nil {
		c.failTask(t, plan.FailureScratchpadFull, err)
	}
	p.RefreshReady()

	switch t.State {
	case plan.TaskCompleted, plan.TaskFailed, plan.TaskSkipped:
		tl.TaskEnd(t.ID, string(t.State))
	}
	c.afterTaskCycle(p)
}

func (c *Coordinator) afterTaskCycle(p *plan.Plan) {
	p.PropagateDependencyFailures()
	c.setState(StateIdle)
	c.publishSnapshot()
}

// dependencyFacts flattens a task's dependency outputs into the map shape
// the provider contract expects.
func (c *Coordinator) dependencyFacts(planID string, deps []string) map[string]any {
	results, err := c.store.GetOutputsForDependencies(planID, deps)
	if err != nil {
		return nil
	}
	facts := make(map[string]any, len(results))
	for id, r := range results {
		facts[id] = r.Output
	}
	return facts
}

// referencedPaths extracts the workspace-relative paths a task's params
// reference, so the coordinator can hand the provider only the file
// summaries that are actually relevant.
func referencedPaths(t *plan.Task) []string {
	var out []string
	if v, ok := t.Params["path"].(string); ok && v != "" {
		out = append(out, v)
	}
	if raw, ok := t.Params["paths"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// refine calls RefineInstruction, making up to cfg.RefineRetryCeiling
// attempts in total while the result is an error or an empty instruction (a
// malformed-response shape the provider contract doesn't otherwise reject).
func (c *Coordinator) refine(tl *tasklog.TaskLog, t *plan.Task, overview string, summaries map[string]string, depFacts map[string]any) (provider.RefineResult, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RefineRetryCeiling; attempt++ {
		ctx, cancel := provider.WithDeadline(context.Background())
		res, err := c.providerImpl.RefineInstruction(ctx, provider.RefineRequest{
			Kind:            t.Kind,
			Params:          t.Params,
			ProjectOverview: overview,
			DependencyFacts: depFacts,
			FileSummaries:   summaries,
		})
		cancel()
		if err == nil && res.Instruction != "" {
			tl.ProviderCall(t.ID, "refine", t.Describe(), res.Instruction, 0, 0)
			return res, nil
		}
		if err == nil {
			err = apcerr.Newf("refine-instruction", apcerr.ProviderProtocol, "empty instruction")
		}
		lastErr = err
		tl.Retry(t.ID, string(apcerr.CategoryOf(lastErr)), attempt)
	}
	return provider.RefineResult{}, lastErr
}

// execute runs t's refined instruction through the Task Executor under the
// coordinator's own execution timeout.
func (c *Coordinator) execute(t *plan.Task) (plan.TaskResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExecuteTimeout)
	defer cancel()
	return c.executorImpl.Execute(ctx, t)
}

// analyze calls AnalyzeResult for the just-executed task.
func (c *Coordinator) analyze(tl *tasklog.TaskLog, t *plan.Task, overview string) (plan.Analysis, error) {
	ctx, cancel := provider.WithDeadline(context.Background())
	defer cancel()
	a, err := c.providerImpl.AnalyzeResult(ctx, provider.AnalyzeRequest{
		Kind:            t.Kind,
		Instruction:     t.Instruction,
		Result:          *t.Result,
		ProjectOverview: overview,
	})
	if err == nil && tl != nil {
		tl.ProviderCall(t.ID, "analyze", t.Instruction, string(a.Verdict), 0, 0)
	}
	return a, err
}

// applyVerdict dispatches on a post-execution Analysis per the verdict table
// in spec.md §4.1: ok and partial complete the task (partial also records a
// caveat), needs-retry returns the task to ready or escalates to
// retry-exhausted, needs-alternative triggers adaptive decomposition, and
// abort-plan fails the whole plan outright.
func (c *Coordinator) applyVerdict(p *plan.Plan, t *plan.Task, a plan.Analysis) {
	switch a.Verdict {
	case plan.VerdictOK:
		t.State = plan.TaskCompleted
		for k, v := range a.NewFacts {
			_ = c.store.SetVariable(p.ID, k, v)
		}

	case plan.VerdictPartial:
		t.State = plan.TaskCompleted
		for k, v := range a.NewFacts {
			_ = c.store.SetVariable(p.ID, k, v)
		}
		if a.FollowUp != "" {
			_ = c.store.AppendOutput(p.ID, "caveat:"+t.ID, a.FollowUp)
		}

	case plan.VerdictNeedsRetry:
		if t.Retries < c.cfg.RetryCeiling {
			t.Retries++
			t.State = plan.TaskReady
			return
		}
		c.failTask(t, plan.FailureRetryExhausted, apcerr.Newf("analyze-result", apcerr.Unknown, "retry ceiling of %d exceeded", c.cfg.RetryCeiling))

	case plan.VerdictNeedsAlternative:
		c.decompose(p, t, a)

	case plan.VerdictAbortPlan:
		t.State = plan.TaskFailed
		t.FailureCat = plan.FailureAnalysis
		p.SkipRemaining()
		p.Status = plan.StatusFailed
	}
}

// decompose asks the provider for a replacement subplan achieving t's
// intent, bounded by plan.MaxDecompositionAttempts. If no attempt yields a
// valid proposal, the owning plan fails outright.
func (c *Coordinator) decompose(p *plan.Plan, t *plan.Task, a plan.Analysis) {
	depFacts := c.dependencyFacts(p.ID, t.Dependencies)
	tl := c.taskLog.Get(p.ID)

	var lastErr error
	for attempt := 1; attempt <= plan.MaxDecompositionAttempts; attempt++ {
		ctx, cancel := provider.WithDeadline(context.Background())
		proposal, err := c.providerImpl.Decompose(ctx, provider.DecomposeRequest{
			Failing:         t,
			Analysis:        a,
			DependencyFacts: depFacts,
			ProjectOverview: c.store.ProjectOverview(),
		})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		ids, derr := p.Decompose(t, proposal)
		if derr == nil {
			tl.Decompose(t.ID, ids, proposal.SkipAllowed)
			return
		}
		lastErr = derr
	}
	log.Printf("[COORD] decomposition failed for task %s after %d attempts: %v", t.ID, plan.MaxDecompositionAttempts, lastErr)
	p.SkipRemaining()
	p.Status = plan.StatusFailed
}

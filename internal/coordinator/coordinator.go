// Package coordinator implements the Agentic Planning Coordinator's message-
// driven loop: a single goroutine that owns every Plan, drains the prompt
// and control queues, and drives each ready Task through the
// refine/execute/analyze/state-update cycle, generalized from the teacher's
// single-threaded agent loop (internal/core's ReAct dispatch) into the
// spec's DAG scheduler.
//
// The loop never runs a task concurrently with another task, and every
// provider/executor call is a synchronous suspension point within the one
// goroutine — there is no worker pool to coordinate.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apc-project/apc/internal/apcerr"
	ctxstore "github.com/apc-project/apc/internal/context"
	"github.com/apc-project/apc/internal/bus"
	"github.com/apc-project/apc/internal/executor"
	"github.com/apc-project/apc/internal/plan"
	"github.com/apc-project/apc/internal/provider"
	"github.com/apc-project/apc/internal/tasklog"
)

// Public contract failures, named after the literal failure modes in
// spec.md §4.1's coordinator-contract table.
var (
	ErrAlreadyRunning = errors.New("already-running")
	ErrNotRunning     = errors.New("not-running")
	ErrNotPaused      = errors.New("not-paused")
	ErrUnknownPlan    = errors.New("unknown-plan")
	ErrQueueFull      = errors.New("queue-full")
	ErrShutdown       = errors.New("shutdown")
	ErrContextBusy    = errors.New("context-busy")
)

// Config bounds the coordinator's retry ceilings and timeouts. Zero-value
// fields are replaced by DefaultConfig's values in New.
type Config struct {
	PromptQueueCapacity  int
	RefineRetryCeiling   int // bounded attempts at a non-empty refined instruction
	RetryCeiling         int // needs-retry verdicts tolerated before retry-exhausted
	PlanningRetryCeiling int // bounded attempts at a validating GeneratePlan response
	ExecuteTimeout       time.Duration
	HealthCheckInterval  time.Duration
}

// DefaultConfig matches the teacher's conservative defaults (bounded retry,
// a 2-minute execution timeout) generalized to the coordinator's own ceilings.
var DefaultConfig = Config{
	PromptQueueCapacity:  32,
	RefineRetryCeiling:   3,
	RetryCeiling:         2,
	PlanningRetryCeiling: 3,
	ExecuteTimeout:       2 * time.Minute,
	HealthCheckInterval:  5 * time.Minute,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.PromptQueueCapacity > 0 {
		d.PromptQueueCapacity = c.PromptQueueCapacity
	}
	if c.RefineRetryCeiling > 0 {
		d.RefineRetryCeiling = c.RefineRetryCeiling
	}
	if c.RetryCeiling > 0 {
		d.RetryCeiling = c.RetryCeiling
	}
	if c.PlanningRetryCeiling > 0 {
		d.PlanningRetryCeiling = c.PlanningRetryCeiling
	}
	if c.ExecuteTimeout > 0 {
		d.ExecuteTimeout = c.ExecuteTimeout
	}
	if c.HealthCheckInterval > 0 {
		d.HealthCheckInterval = c.HealthCheckInterval
	}
	return d
}

// Coordinator is the Agentic Planning Coordinator. Every field below the
// "loop-owned state" line is touched only by the run goroutine after Start;
// everything above is safe for concurrent access from presenter callers.
type Coordinator struct {
	providerImpl provider.Provider
	executorImpl executor.Executor
	store        *ctxstore.Store
	bus          *bus.Bus
	taskLog      *tasklog.Registry
	cfg          Config

	promptQueue *PromptQueue
	controlCh   chan controlMsg

	mu       sync.Mutex
	running  bool
	shutdown atomic.Bool
	doneCh   chan struct{}

	latest atomic.Value // stores StatusSnapshot

	// loop-owned state — mutated only inside run() and its helpers.
	plans          map[string]*plan.Plan
	active         *plan.Plan
	suspended      *plan.Plan // paused by an interrupt prompt, resumed once the interrupting plan finishes
	paused         bool
	logicalState   LoopState
	seq            uint64
	tasksCompleted int
	tasksFailed    int
	plansCompleted int
}

// New constructs a Coordinator. The loop does not start until Start is called.
func New(p provider.Provider, ex executor.Executor, store *ctxstore.Store, b *bus.Bus, tl *tasklog.Registry, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		providerImpl: p,
		executorImpl: ex,
		store:        store,
		bus:          b,
		taskLog:      tl,
		cfg:          cfg,
		promptQueue:  NewPromptQueue(cfg.PromptQueueCapacity),
		controlCh:    make(chan controlMsg, 8),
		plans:        make(map[string]*plan.Plan),
		logicalState: StateIdle,
	}
}

// Start launches the loop goroutine. Calling Start twice returns
// ErrAlreadyRunning.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run()
	return nil
}

// SubmitPrompt admits p into the prompt queue, returning its ID for
// correlation with future status snapshots.
func (c *Coordinator) SubmitPrompt(p plan.UserPrompt) (string, error) {
	if c.shutdown.Load() {
		return "", ErrShutdown
	}
	if err := c.promptQueue.Submit(p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// Pause quiesces the loop after the current task cycle completes.
func (c *Coordinator) Pause() error {
	return c.sendControl(ctrlPause, "")
}

// Resume un-quiesces a paused loop, returning ErrNotPaused if not paused.
func (c *Coordinator) Resume() error {
	return c.sendControl(ctrlResume, "")
}

// CancelPlan cancels planID if it is the active plan, returning
// ErrUnknownPlan otherwise.
func (c *Coordinator) CancelPlan(planID string) error {
	return c.sendControl(ctrlCancelPlan, planID)
}

// ResetContext discards the cached ProjectSummary, forcing a full
// resummarization on the next context-assembly phase. Refused while a plan
// is active, since its already-assembled overview would otherwise go stale
// mid-cycle.
func (c *Coordinator) ResetContext() error {
	return c.sendControl(ctrlResetContext, "")
}

// Shutdown requests an orderly stop and blocks until the loop exits.
func (c *Coordinator) Shutdown() error {
	err := c.sendControl(ctrlShutdown, "")
	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	return err
}

func (c *Coordinator) sendControl(kind controlKind, planID string) error {
	c.mu.Lock()
	running := c.running
	done := c.doneCh
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case c.controlCh <- controlMsg{kind: kind, planID: planID, reply: reply}:
	case <-done:
		return ErrShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-done:
		return nil
	}
}

// run is the message-driven loop body: step (1) drain control messages,
// step (2) drain the prompt queue honoring emergency/interrupt/normal
// semantics, step (3) advance the active plan's next-ready task, step (4)
// evaluate plan completion, else park until woken, per spec.md §4.1.
func (c *Coordinator) run() {
	defer close(c.doneCh)
	c.setState(StateIdle)
	c.publishSnapshot()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.controlCh:
			if c.handleControl(msg) {
				return
			}
			continue
		default:
		}

		if c.paused {
			select {
			case msg := <-c.controlCh:
				if c.handleControl(msg) {
					return
				}
			case <-ticker.C:
				c.runHealthCheck()
			}
			continue
		}

		if c.handlePrompts() {
			continue
		}

		if c.active != nil && c.active.Status == plan.StatusRunning {
			if t := c.active.NextReady(); t != nil {
				c.runTaskCycle(c.active, t)
				continue
			}
			if c.evaluatePlanCompletion() {
				continue
			}
		}

		select {
		case msg := <-c.controlCh:
			if c.handleControl(msg) {
				return
			}
		case <-c.promptQueue.Wake():
		case <-ticker.C:
			c.runHealthCheck()
		}
	}
}

func (c *Coordinator) handleControl(msg controlMsg) (exit bool) {
	switch msg.kind {
	case ctrlPause:
		c.paused = true
		c.setState(StatePaused)
		c.publishSnapshot()
		msg.reply <- nil

	case ctrlResume:
		if !c.paused {
			msg.reply <- ErrNotPaused
			return false
		}
		c.paused = false
		c.setState(StateIdle)
		c.publishSnapshot()
		msg.reply <- nil

	case ctrlCancelPlan:
		if c.active == nil || c.active.ID != msg.planID {
			msg.reply <- ErrUnknownPlan
			return false
		}
		c.active.Cancel()
		c.setState(StateCancelled)
		c.publishSnapshot()
		c.finalizePlan(c.active)
		msg.reply <- nil

	case ctrlResetContext:
		if c.active != nil {
			msg.reply <- ErrContextBusy
			return false
		}
		c.store.ResetProject()
		msg.reply <- nil

	case ctrlShutdown:
		c.shutdown.Store(true)
		if c.active != nil {
			c.active.Cancel()
			c.taskLog.Close(c.active.ID, "cancelled")
		}
		if c.suspended != nil {
			c.suspended.Cancel()
			c.taskLog.Close(c.suspended.ID, "cancelled")
		}
		c.setState(StateShutdown)
		c.publishSnapshot()
		msg.reply <- nil
		return true
	}
	return false
}

// handlePrompts applies the queue's priority semantics: an emergency prompt
// cancels the active plan outright before replanning; an interrupt prompt
// pauses the active plan (resumed once the interrupting plan finishes) and
// replans; a normal prompt only starts a plan when the loop is otherwise
// idle. Returns true if it consumed a prompt this iteration.
func (c *Coordinator) handlePrompts() bool {
	next, ok := c.promptQueue.Peek()
	if !ok {
		return false
	}
	switch next.Priority {
	case plan.PriorityEmergency:
		c.promptQueue.Pop()
		if c.active != nil {
			c.active.Cancel()
			c.setState(StateCancelled)
			c.publishSnapshot()
			c.finalizePlan(c.active)
		}
		c.planFromPrompt(next)
		return true

	case plan.PriorityInterrupt:
		c.promptQueue.Pop()
		if c.active != nil && c.active.Status == plan.StatusRunning {
			c.active.Status = plan.StatusPaused
			c.suspended = c.active
			c.active = nil
			c.setState(StatePaused)
			c.publishSnapshot()
		}
		c.planFromPrompt(next)
		return true

	default: // normal
		if c.active != nil {
			return false
		}
		c.promptQueue.Pop()
		c.planFromPrompt(next)
		return true
	}
}

// evaluatePlanCompletion recomputes the active plan's status and, if it has
// reached a terminal status, finalizes it. Returns true if it did.
func (c *Coordinator) evaluatePlanCompletion() bool {
	p := c.active
	p.Recompute()
	if p.Status == plan.StatusCompleted || p.Status == plan.StatusFailed {
		c.finalizePlan(p)
		return true
	}
	return false
}

// finalizePlan tallies the plan's terminal tasks, closes its task log,
// archives it, clears the active slot, and resumes a suspended plan if one
// is waiting.
func (c *Coordinator) finalizePlan(p *plan.Plan) {
	for _, id := range p.TaskOrder {
		switch p.Tasks[id].State {
		case plan.TaskCompleted:
			c.tasksCompleted++
		case plan.TaskFailed:
			c.tasksFailed++
		}
	}
	if p.Status == plan.StatusCompleted {
		c.plansCompleted++
	}
	c.taskLog.Close(p.ID, string(p.Status))
	c.store.DiscardScratchpad(p.ID)
	c.plans[p.ID] = p
	c.active = nil
	c.setState(StateIdle)
	c.publishSnapshot()

	if c.suspended != nil {
		resumed := c.suspended
		c.suspended = nil
		resumed.Status = plan.StatusRunning
		resumed.RefreshReady()
		c.active = resumed
		c.setState(StateIdle)
		c.publishSnapshot()
	}
}

// planFromPrompt generates, validates and admits a plan for prompt, bounded
// by cfg.PlanningRetryCeiling attempts. On exhaustion it logs and falls back
// to resuming any suspended plan, leaving the loop idle otherwise.
func (c *Coordinator) planFromPrompt(prompt plan.UserPrompt) {
	c.setState(StatePlanning)
	c.publishSnapshot()

	overview := c.store.ProjectOverview()
	var annotations []provider.PlanAnnotation
	if c.suspended != nil {
		annotations = annotationsFromPlan(c.suspended)
	}

	var p *plan.Plan
	var err error
	for attempt := 1; attempt <= c.cfg.PlanningRetryCeiling; attempt++ {
		ctx, cancel := provider.WithDeadline(context.Background())
		p, err = c.providerImpl.GeneratePlan(ctx, provider.GeneratePlanRequest{
			Prompt:          prompt.Content,
			ProjectOverview: overview,
			PriorPlan:       annotations,
		})
		cancel()
		if err != nil {
			continue
		}
		p.SetOriginPrompt(prompt)
		if verr := p.Validate(); verr != nil {
			err = verr
			continue
		}
		break
	}
	if err != nil {
		log.Printf("[COORD] planning failed for prompt %s after %d attempts: %v", prompt.ID, c.cfg.PlanningRetryCeiling, err)
		c.resumeSuspendedOrIdle()
		return
	}
	if err := p.Admit(); err != nil {
		log.Printf("[COORD] admit failed for plan %s: %v", p.ID, err)
		c.resumeSuspendedOrIdle()
		return
	}

	c.store.CreateScratchpad(p.ID)
	c.taskLog.Open(p.ID, p.Description)
	c.active = p
	c.setState(StateIdle)
	c.publishSnapshot()
}

func (c *Coordinator) resumeSuspendedOrIdle() {
	if c.suspended != nil {
		c.active = c.suspended
		c.suspended = nil
		c.active.Status = plan.StatusRunning
		c.active.RefreshReady()
	}
	c.setState(StateIdle)
	c.publishSnapshot()
}

func annotationsFromPlan(p *plan.Plan) []provider.PlanAnnotation {
	out := make([]provider.PlanAnnotation, 0, len(p.TaskOrder))
	for _, id := range p.TaskOrder {
		t := p.Tasks[id]
		outcome := "pending"
		switch t.State {
		case plan.TaskCompleted:
			outcome = "succeeded"
		case plan.TaskFailed:
			if t.FailureCat == plan.FailureReplaced {
				outcome = "adapted"
			} else {
				outcome = "failed"
			}
		}
		out = append(out, provider.PlanAnnotation{TaskID: t.ID, Description: t.Instruction, Outcome: outcome})
	}
	return out
}

// runHealthCheck runs the Context Store's periodic health check across every
// known plan (active, suspended, and archived), publishing a security event
// over the bus when a critical warning is found.
func (c *Coordinator) runHealthCheck() {
	all := make(map[string]*plan.Plan, len(c.plans)+2)
	for id, p := range c.plans {
		all[id] = p
	}
	if c.active != nil {
		all[c.active.ID] = c.active
	}
	if c.suspended != nil {
		all[c.suspended.ID] = c.suspended
	}
	report := c.store.HealthCheck(all, true)
	for _, w := range report.Warnings {
		if w.Severity == ctxstore.SeverityCritical && c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.KindSecurityEvent, Payload: w})
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindAuditReport, Payload: report})
	}
}

// failTask marks t terminally failed with the given category, populating
// Result when the executor did not already provide one.
func (c *Coordinator) failTask(t *plan.Task, cat plan.FailureCategory, err error) {
	t.State = plan.TaskFailed
	t.FailureCat = cat
	if t.Result == nil {
		t.Result = &plan.TaskResult{Success: false, ErrorCat: string(apcerr.CategoryOf(err)), ErrorMsg: err.Error()}
	}
	log.Printf("[COORD] task %s failed: %s: %v", t.Describe(), cat, err)
}

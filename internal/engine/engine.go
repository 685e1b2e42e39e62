package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"managym/internal/agent"
	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/eval"
	"managym/internal/manager"
	"managym/internal/workflow"
)

const (
	defaultMaxTimesteps     = 50
	defaultTaskBatchTimeout = 300 * time.Second
	defaultSeed             = 42

	// outcomeBuffer keeps late task goroutines from blocking on send after
	// a batch timeout already moved the engine on.
	outcomeBuffer = 256
)

var (
	ErrTerminal   = errors.New("execution already reached a terminal state")
	ErrNotStarted = errors.New("execution has not been started")
)

// Serializer persists run output. Every call is best-effort at the engine
// boundary: failures are logged, never fatal.
type Serializer interface {
	SaveTimestep(runID string, rec *domain.TimestepRecord) error
	SaveExecutionLogs(runID string, msgs []*domain.Message) error
	SaveEvaluationOutputs(runID string, results []*eval.EvaluationResult) error
	SaveWorkflowSummary(summary *RunSummary) error
}

// TimestepCallback observes each finished timestep. Panics are contained.
type TimestepCallback func(rec *domain.TimestepRecord)

// RunSummary is the final report of one execution.
type RunSummary struct {
	RunID        string `json:"run_id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	ManagerID    string `json:"manager_id"`

	FinalState domain.ExecutionState `json:"final_state"`
	EndReason  string                `json:"end_reason,omitempty"`
	Timesteps  int                   `json:"timesteps"`

	TotalCost           float64                   `json:"total_cost"`
	TotalSimulatedHours float64                   `json:"total_simulated_hours"`
	TaskCounts          map[domain.TaskStatus]int `json:"task_counts"`

	Rewards         eval.RewardVector      `json:"rewards"`
	FinalEvaluation *eval.EvaluationResult `json:"final_evaluation,omitempty"`
	Comms           comms.Stats            `json:"comms"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Config tunes one execution. Zero values take defaults.
type Config struct {
	MaxTimesteps     int
	TaskBatchTimeout time.Duration
	Seed             int64
}

func (c Config) withDefaults() Config {
	if c.MaxTimesteps <= 0 {
		c.MaxTimesteps = defaultMaxTimesteps
	}
	if c.TaskBatchTimeout <= 0 {
		c.TaskBatchTimeout = defaultTaskBatchTimeout
	}
	if c.Seed == 0 {
		c.Seed = defaultSeed
	}
	return c
}

// Deps wires the engine collaborators. Workflow, Manager, Registry, Comms
// and Validator are required; the rest are optional.
type Deps struct {
	Workflow    *workflow.Workflow
	Manager     manager.Manager
	Registry    *agent.Registry
	Comms       *comms.Service
	Validator   *eval.Engine
	Stakeholder agent.Stakeholder
	// Preferences is the static weight set used when no stakeholder owns a
	// preference timeline.
	Preferences *eval.PreferenceWeights
	Floating    []*eval.Evaluator
	Decomposer  manager.Decomposer
	Serializer  Serializer

	RewardAggregator eval.RewardAggregator
	RewardProjection eval.RewardProjection

	Logger *log.Logger
}

type inflight struct {
	taskID    string
	agentID   string
	startedAt time.Time
}

type taskOutcome struct {
	taskID  string
	agentID string
	res     *domain.ExecutionResult
	err     error
}

// Engine drives a workflow through discrete timesteps: registry changes,
// one manager action, task collection and dispatch, evaluation, stakeholder
// reaction, persistence.
type Engine struct {
	cfg    Config
	logger *log.Logger
	runID  string

	w           *workflow.Workflow
	mgr         manager.Manager
	registry    *agent.Registry
	comms       *comms.Service
	validator   *eval.Engine
	stakeholder agent.Stakeholder
	prefs       *eval.PreferenceWeights
	floating    []*eval.Evaluator
	decomposer  manager.Decomposer
	serializer  Serializer
	rewardAgg   eval.RewardAggregator
	rewardProj  eval.RewardProjection

	doneCh chan taskOutcome

	mu        sync.Mutex
	state     domain.ExecutionState
	timestep  int
	running   map[string]*inflight
	completed []string
	failed    []string
	rewards   eval.RewardVector
	records   []*domain.TimestepRecord
	callbacks []TimestepCallback
	endReason string
	startedAt time.Time
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Workflow == nil {
		return nil, errors.New("engine: workflow is required")
	}
	if deps.Manager == nil {
		return nil, errors.New("engine: manager is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("engine: agent registry is required")
	}
	if deps.Comms == nil {
		return nil, errors.New("engine: communication service is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("engine: validation engine is required")
	}
	if deps.Stakeholder == nil && deps.Preferences == nil {
		return nil, errors.New("engine: either a stakeholder or static preferences is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		runID:       uuid.NewString(),
		w:           deps.Workflow,
		mgr:         deps.Manager,
		registry:    deps.Registry,
		comms:       deps.Comms,
		validator:   deps.Validator,
		stakeholder: deps.Stakeholder,
		prefs:       deps.Preferences,
		floating:    deps.Floating,
		decomposer:  deps.Decomposer,
		serializer:  deps.Serializer,
		rewardAgg:   deps.RewardAggregator,
		rewardProj:  deps.RewardProjection,
		doneCh:      make(chan taskOutcome, outcomeBuffer),
		state:       domain.ExecutionStateInitialized,
		running:     map[string]*inflight{},
	}
	e.mgr.SetMaxTimesteps(cfg.MaxTimesteps)
	e.mgr.ConfigureSeed(cfg.Seed)
	return e, nil
}

func (e *Engine) RunID() string { return e.runID }

func (e *Engine) State() domain.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Timestep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timestep
}

func (e *Engine) Rewards() eval.RewardVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(eval.RewardVector(nil), e.rewards...)
}

func (e *Engine) Records() []*domain.TimestepRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*domain.TimestepRecord(nil), e.records...)
}

// RegisterCallback adds a per-timestep observer. Safe before or during a run.
func (e *Engine) RegisterCallback(fn TimestepCallback) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

// Start validates the workflow graph and moves the engine to RUNNING.
// Idempotent once running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.ExecutionStateInitialized:
	case domain.ExecutionStateRunning:
		return nil
	default:
		return fmt.Errorf("engine: cannot start from state %s: %w", e.state, ErrTerminal)
	}
	if err := e.w.ValidateGraph(); err != nil {
		e.state = domain.ExecutionStateFailed
		e.endReason = fmt.Sprintf("graph validation failed: %v", err)
		return err
	}
	now := time.Now().UTC()
	e.startedAt = now
	e.w.StartedAt = &now
	e.w.IsActive = true
	e.state = domain.ExecutionStateRunning
	e.logger.Printf("engine: run started run=%s workflow=%s tasks=%d", e.runID, e.w.ID, len(e.w.Tasks))
	return nil
}

func (e *Engine) terminal() bool {
	switch e.state {
	case domain.ExecutionStateCompleted, domain.ExecutionStateFailed, domain.ExecutionStateCancelled:
		return true
	}
	return false
}

// Step runs exactly one timestep and returns its record.
func (e *Engine) Step(ctx context.Context) (*domain.TimestepRecord, error) {
	e.mu.Lock()
	if e.state == domain.ExecutionStateInitialized {
		e.mu.Unlock()
		if err := e.Start(); err != nil {
			return nil, err
		}
		e.mu.Lock()
	}
	if e.terminal() {
		e.mu.Unlock()
		return nil, ErrTerminal
	}
	ts := e.timestep
	e.mu.Unlock()

	began := time.Now()

	// 1. Scheduled roster changes, then mirror the registry into the
	// workflow so readiness and assignment see the same agents.
	for _, desc := range e.registry.ApplyScheduledChanges(ts) {
		e.logger.Printf("engine: roster change timestep=%d change=%q", ts, desc)
	}
	e.mirrorAgents()

	// 2. One manager decision.
	actionResult := e.managerTurn(ctx, ts)

	// 3. Collect finished tasks, then dispatch newly startable ones.
	e.setState(domain.ExecutionStateExecutingTasks)
	completed, failedIDs := e.collectFinished(ctx)
	started := e.startReadyTasks(ctx)

	// 4. Evaluation and reward.
	reward := e.evaluate(ctx, ts, eval.RunEachTimestep, true)
	e.mu.Lock()
	e.rewards.Set(ts, reward)
	e.mu.Unlock()

	// 5. Stakeholder reacts to the timestep's traffic.
	if e.stakeholder != nil {
		e.stakeholder.PolicyStep(ctx, ts)
	}

	// 6. Termination checks.
	e.mu.Lock()
	if ended, reason := e.comms.EndWorkflowRequested(); ended {
		e.state = domain.ExecutionStateCancelled
		e.endReason = reason
		e.w.IsActive = false
	} else if e.w.IsComplete() {
		e.state = domain.ExecutionStateCompleted
		e.w.IsActive = false
	} else {
		e.state = domain.ExecutionStateRunning
	}
	state := e.state
	e.mu.Unlock()

	rec := &domain.TimestepRecord{
		Timestep:                ts,
		ManagerID:               e.mgr.AgentID(),
		ExecutionState:          state,
		TasksStarted:            started,
		TasksCompleted:          completed,
		TasksFailed:             failedIDs,
		ActionType:              actionResult.ActionType,
		ActionSummary:           actionResult.Summary,
		ActionSuccess:           actionResult.Success,
		Reward:                  reward,
		CompletedSimulatedHours: e.w.TotalSimulatedHours,
		ExecutionTimeSeconds:    time.Since(began).Seconds(),
		RecordedAt:              time.Now().UTC(),
	}

	e.mu.Lock()
	e.records = append(e.records, rec)
	cbs := append([]TimestepCallback(nil), e.callbacks...)
	e.timestep++
	e.mu.Unlock()

	if e.serializer != nil {
		if err := e.serializer.SaveTimestep(e.runID, rec); err != nil {
			e.logger.Printf("engine: timestep save failed timestep=%d err=%v", ts, err)
		}
	}
	for _, cb := range cbs {
		e.fireCallback(cb, rec)
	}

	e.logger.Printf("engine: timestep done timestep=%d state=%s action=%s started=%d completed=%d failed=%d reward=%.4f",
		ts, state, rec.ActionType, len(started), len(completed), len(failedIDs), reward)
	return rec, nil
}

// RunFullExecution drives the workflow to a terminal state or the timestep
// cap, runs the completion evaluation pass and persists the summary.
func (e *Engine) RunFullExecution(ctx context.Context) (*RunSummary, error) {
	if err := e.Start(); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			e.mu.Lock()
			e.state = domain.ExecutionStateCancelled
			e.endReason = err.Error()
			e.mu.Unlock()
			break
		}
		e.mu.Lock()
		done := e.terminal()
		capped := e.timestep >= e.cfg.MaxTimesteps
		e.mu.Unlock()
		if done {
			break
		}
		if capped {
			e.mu.Lock()
			e.state = domain.ExecutionStateFailed
			e.endReason = fmt.Sprintf("timestep cap %d reached before completion", e.cfg.MaxTimesteps)
			e.w.IsActive = false
			e.mu.Unlock()
			break
		}
		if _, err := e.Step(ctx); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	finalTS := e.timestep
	e.rewards.AlignTo(finalTS)
	e.mu.Unlock()

	e.evaluate(ctx, finalTS, eval.RunOnCompletion, true)

	summary := e.buildSummary()
	e.persistRun(summary)
	e.logger.Printf("engine: run finished run=%s state=%s timesteps=%d cost=%.2f hours=%.2f",
		e.runID, summary.FinalState, summary.Timesteps, summary.TotalCost, summary.TotalSimulatedHours)
	return summary, nil
}

func (e *Engine) setState(s domain.ExecutionState) {
	e.mu.Lock()
	if !e.terminal() {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) mirrorAgents() {
	agents := map[string]workflow.Agent{}
	for _, a := range e.registry.List() {
		agents[a.AgentID()] = a
	}
	e.w.Agents = agents
}

func (e *Engine) managerTurn(ctx context.Context, ts int) manager.ActionResult {
	e.setState(domain.ExecutionStateWaitingForManager)

	e.mu.Lock()
	in := manager.ObservationInput{
		Workflow:         e.w,
		State:            e.state,
		Timestep:         ts,
		RunningTaskIDs:   runningIDs(e.running),
		CompletedTaskIDs: append([]string(nil), e.completed...),
		FailedTaskIDs:    append([]string(nil), e.failed...),
		Comms:            e.comms,
		MaxTimesteps:     e.cfg.MaxTimesteps,
	}
	prevReward := e.rewards.Last()
	e.mu.Unlock()
	if e.stakeholder != nil {
		in.Stakeholder = e.stakeholder.PublicProfile()
	}
	obs := manager.BuildObservation(in)

	action, err := e.mgr.Step(ctx, obs, prevReward, false)
	if err != nil || action == nil {
		msg := "manager returned no action"
		if err != nil {
			msg = err.Error()
		}
		e.logger.Printf("engine: manager step failed timestep=%d err=%s", ts, msg)
		action = manager.Failed{Reason: "manager step error", Err: msg}
	}

	ec := &manager.ExecutionContext{
		Workflow:   e.w,
		Comms:      e.comms,
		Decomposer: e.decomposer,
		Timestep:   ts,
		Seed:       e.cfg.Seed,
		Logger:     e.logger,
	}
	result := e.executeAction(ctx, action, ec)
	e.mgr.OnActionExecuted(ts, action, &result)
	return result
}

func (e *Engine) executeAction(ctx context.Context, action manager.Action, ec *manager.ExecutionContext) (result manager.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("engine: action panic action=%s err=%v", action.Type(), r)
			result = manager.ActionResult{
				ActionType: action.Type(),
				Kind:       manager.KindFailedAction,
				Summary:    fmt.Sprintf("action panicked: %v", r),
				Timestep:   ec.Timestep,
			}
		}
	}()
	return action.Execute(ctx, ec)
}

// collectFinished drains task outcomes until no task is in flight or the
// batch timeout elapses. Late tasks stay running for a later pass.
func (e *Engine) collectFinished(ctx context.Context) (completed, failedIDs []string) {
	timer := time.NewTimer(e.cfg.TaskBatchTimeout)
	defer timer.Stop()
	for {
		e.mu.Lock()
		inFlight := len(e.running)
		e.mu.Unlock()
		if inFlight == 0 {
			return completed, failedIDs
		}
		select {
		case out := <-e.doneCh:
			if id, ok := e.applyOutcome(out); ok {
				completed = append(completed, id)
			} else {
				failedIDs = append(failedIDs, id)
			}
		case <-timer.C:
			e.logger.Printf("engine: task batch timeout elapsed, %d tasks still running", inFlight)
			return completed, failedIDs
		case <-ctx.Done():
			return completed, failedIDs
		}
	}
}

func (e *Engine) applyOutcome(out taskOutcome) (taskID string, succeeded bool) {
	e.mu.Lock()
	delete(e.running, out.taskID)
	e.mu.Unlock()

	res := out.res
	if out.err != nil {
		res = domain.NewTaskResult(out.taskID, out.agentID, false, 0)
		res.ErrorMessage = out.err.Error()
	}
	if a, ok := e.registry.Get(out.agentID); ok {
		a.FinishTask(out.taskID, res.Success)
	}
	if err := e.w.ApplyTaskResult(out.taskID, res); err != nil {
		e.logger.Printf("engine: apply task result failed task=%s err=%v", out.taskID, err)
	}

	e.mu.Lock()
	if res.Success {
		e.completed = append(e.completed, out.taskID)
	} else {
		e.failed = append(e.failed, out.taskID)
	}
	e.mu.Unlock()
	return out.taskID, res.Success
}

// startReadyTasks dispatches every ready task whose assigned agent can take
// it. Unassigned or capacity-blocked tasks wait for a later timestep.
func (e *Engine) startReadyTasks(ctx context.Context) []string {
	var started []string
	for _, t := range e.w.AdvanceToReady() {
		if t.AssignedAgentID == "" {
			continue
		}
		a, ok := e.registry.Get(t.AssignedAgentID)
		if !ok || !a.CanAccept() {
			continue
		}
		now := time.Now().UTC()
		t.Status = domain.TaskStatusRunning
		t.StartedAt = &now
		a.BeginTask(t.ID)

		e.mu.Lock()
		e.running[t.ID] = &inflight{taskID: t.ID, agentID: a.AgentID(), startedAt: now}
		e.mu.Unlock()
		started = append(started, t.ID)

		inputs := e.w.TaskInputResources(t)
		go func(task *domain.Task, ag agent.Agent, res []*domain.Resource) {
			out, err := ag.ExecuteTask(ctx, task, res)
			e.doneCh <- taskOutcome{taskID: task.ID, agentID: ag.AgentID(), res: out, err: err}
		}(t, a, inputs)

		e.logger.Printf("engine: task dispatched task=%s agent=%s", t.ID, a.AgentID())
	}
	return started
}

func (e *Engine) preferencesFor(ts int) *eval.PreferenceWeights {
	if e.stakeholder != nil {
		if pw := e.stakeholder.PreferencesForTimestep(ts); pw != nil {
			return pw
		}
	}
	return e.prefs
}

func (e *Engine) evaluate(ctx context.Context, ts int, cadence eval.RunCondition, record bool) float64 {
	prefs := e.preferencesFor(ts)
	if prefs == nil {
		return 0
	}
	result, err := e.validator.Evaluate(ctx, e.w, prefs, e.floating, ts, cadence, e.buildRubricContext(ts), record)
	if err != nil {
		e.logger.Printf("engine: evaluation failed timestep=%d err=%v", ts, err)
		return 0
	}
	return eval.ComputeReward(result, e.rewardAgg, e.rewardProj, e.logger)
}

// buildRubricContext assembles only the state slices the scheduled rubrics
// declared.
func (e *Engine) buildRubricContext(ts int) eval.ContextBuilder {
	return func(items []eval.ContextItem) *eval.RubricContext {
		rc := &eval.RubricContext{Timestep: ts}
		for _, item := range items {
			switch item {
			case eval.ContextManagerActions:
				for _, r := range e.mgr.ActionHistory(0) {
					rc.ManagerActions = append(rc.ManagerActions, eval.ActionBrief{
						Timestep: r.Timestep,
						Type:     r.ActionType,
						Summary:  r.Summary,
						Success:  r.Success,
					})
				}
			case eval.ContextCommsBySender:
				rc.CommsBySender = e.comms.GroupedBySender()
			case eval.ContextCommsByThread:
				rc.CommsByThread = e.comms.GroupedByThread()
			case eval.ContextPreferenceHistory:
				if e.stakeholder != nil {
					rc.PreferenceHistory = e.stakeholder.Changes()
				}
			case eval.ContextStakeholderProfile:
				if e.stakeholder != nil {
					p := e.stakeholder.PublicProfile()
					rc.StakeholderProfile = fmt.Sprintf("%s (%s): %s", p.DisplayName, p.Role, p.PreferenceSummary)
				}
			case eval.ContextResourcesByTask:
				rc.ResourcesByTask = e.resourcesByTask()
			case eval.ContextAgentPublicStates:
				rc.AgentPublicStates = e.agentPublicStates()
			}
		}
		return rc
	}
}

func (e *Engine) resourcesByTask() map[string][]*domain.Resource {
	byTask := map[string][]*domain.Resource{}
	for _, t := range e.w.Tasks {
		for _, at := range t.AtomicSubtasks() {
			for _, rid := range at.OutputResourceIDs {
				if r, ok := e.w.Resource(rid); ok {
					byTask[at.ID] = append(byTask[at.ID], r)
				}
			}
		}
	}
	return byTask
}

func (e *Engine) agentPublicStates() map[string]string {
	states := map[string]string{}
	for _, a := range e.registry.List() {
		states[a.AgentID()] = fmt.Sprintf("type=%s accepting=%t", a.AgentType(), a.CanAccept())
	}
	return states
}

func (e *Engine) fireCallback(cb TimestepCallback, rec *domain.TimestepRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("engine: timestep callback panic timestep=%d err=%v", rec.Timestep, r)
		}
	}()
	cb(rec)
}

func (e *Engine) buildSummary() *RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	var final *eval.EvaluationResult
	if hist := e.validator.History(); len(hist) > 0 {
		final = hist[len(hist)-1]
	}
	return &RunSummary{
		RunID:               e.runID,
		WorkflowID:          e.w.ID,
		WorkflowName:        e.w.Name,
		ManagerID:           e.mgr.AgentID(),
		FinalState:          e.state,
		EndReason:           e.endReason,
		Timesteps:           e.timestep,
		TotalCost:           e.w.TotalCost,
		TotalSimulatedHours: e.w.TotalSimulatedHours,
		TaskCounts:          e.w.StatusCounts(),
		Rewards:             append(eval.RewardVector(nil), e.rewards...),
		FinalEvaluation:     final,
		Comms:               e.comms.Analytics(),
		StartedAt:           e.startedAt,
		FinishedAt:          time.Now().UTC(),
	}
}

func (e *Engine) persistRun(summary *RunSummary) {
	if e.serializer == nil {
		return
	}
	if err := e.serializer.SaveExecutionLogs(e.runID, e.comms.AllMessages()); err != nil {
		e.logger.Printf("engine: execution log save failed run=%s err=%v", e.runID, err)
	}
	if err := e.serializer.SaveEvaluationOutputs(e.runID, e.validator.History()); err != nil {
		e.logger.Printf("engine: evaluation save failed run=%s err=%v", e.runID, err)
	}
	if err := e.serializer.SaveWorkflowSummary(summary); err != nil {
		e.logger.Printf("engine: summary save failed run=%s err=%v", e.runID, err)
	}
}

func runningIDs(m map[string]*inflight) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

package manager

import (
	"context"
	"fmt"
	"log"
	"strings"

	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/workflow"
)

// instructionPrefix marks the single replaceable manager-instruction note on
// a task.
const instructionPrefix = "MANAGER_INSTRUCTIONS: "

// ResultKind classifies what an action did.
type ResultKind string

const (
	KindMutation     ResultKind = "mutation"
	KindInfo         ResultKind = "info"
	KindNoop         ResultKind = "noop"
	KindMessage      ResultKind = "message"
	KindInspection   ResultKind = "inspection"
	KindFailedAction ResultKind = "failed_action"
	KindUnknown      ResultKind = "unknown"
)

// ActionResult is the outcome brief of one executed action.
type ActionResult struct {
	ActionType string         `json:"action_type"`
	Kind       ResultKind     `json:"kind"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	Timestep   int            `json:"timestep"`
	Success    bool           `json:"success"`
}

// Decomposer breaks a task into subtasks; the built-in implementation is
// deterministic, an LLM-backed one can be injected instead.
type Decomposer interface {
	Decompose(ctx context.Context, task *domain.Task, workflowSummary string, seed int64) ([]*domain.Task, error)
}

// ExecutionContext is what an action may touch while executing.
type ExecutionContext struct {
	Workflow   *workflow.Workflow
	Comms      *comms.Service
	Decomposer Decomposer
	Timestep   int
	Seed       int64
	Logger     *log.Logger
}

// Action is one discrete manager decision. Execute never panics the engine:
// invalid references produce a failed_action result.
type Action interface {
	Type() string
	Reasoning() string
	Execute(ctx context.Context, ec *ExecutionContext) ActionResult
}

func success(ec *ExecutionContext, actionType string, kind ResultKind, summary string, data map[string]any) ActionResult {
	return ActionResult{
		ActionType: actionType,
		Kind:       kind,
		Summary:    summary,
		Data:       data,
		Timestep:   ec.Timestep,
		Success:    true,
	}
}

func failed(ec *ExecutionContext, actionType, summary string) ActionResult {
	return ActionResult{
		ActionType: actionType,
		Kind:       KindFailedAction,
		Summary:    summary,
		Timestep:   ec.Timestep,
		Success:    false,
	}
}

// AssignTask assigns one task to one agent.
type AssignTask struct {
	Reason  string `json:"reasoning"`
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (a AssignTask) Type() string      { return "assign_task" }
func (a AssignTask) Reasoning() string { return a.Reason }

func (a AssignTask) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	t := ec.Workflow.FindTask(a.TaskID)
	if t == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	if _, ok := ec.Workflow.Agents[a.AgentID]; !ok {
		return failed(ec, a.Type(), fmt.Sprintf("unknown agent %s", a.AgentID))
	}
	if t.IsComposite() {
		return failed(ec, a.Type(), fmt.Sprintf("task %s is composite and cannot be executed directly", a.TaskID))
	}
	t.AssignedAgentID = a.AgentID
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("assigned task %q to %s", t.Name, a.AgentID),
		map[string]any{"task_id": t.ID, "agent_id": a.AgentID})
}

// AssignAllPending distributes every unassigned pending atomic task across
// the available agents round-robin.
type AssignAllPending struct {
	Reason string `json:"reasoning"`
}

func (a AssignAllPending) Type() string      { return "assign_all_pending_tasks" }
func (a AssignAllPending) Reasoning() string { return a.Reason }

func (a AssignAllPending) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	agents := ec.Workflow.AvailableAgents()
	if len(agents) == 0 {
		return failed(ec, a.Type(), "no available agents to assign to")
	}
	var assigned []string
	i := 0
	for _, t := range ec.Workflow.PendingTasks() {
		if t.AssignedAgentID != "" {
			continue
		}
		t.AssignedAgentID = agents[i%len(agents)].AgentID()
		assigned = append(assigned, t.ID)
		i++
	}
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("assigned %d pending tasks across %d agents", len(assigned), len(agents)),
		map[string]any{"task_ids": assigned})
}

// CreateTask adds a new atomic task to the workflow.
type CreateTask struct {
	Reason         string   `json:"reasoning"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	DependencyIDs  []string `json:"dependency_task_ids,omitempty"`
	EstimatedHours float64  `json:"estimated_duration_hours,omitempty"`
	EstimatedCost  float64  `json:"estimated_cost,omitempty"`
}

func (a CreateTask) Type() string      { return "create_task" }
func (a CreateTask) Reasoning() string { return a.Reason }

func (a CreateTask) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	if a.Name == "" {
		return failed(ec, a.Type(), "task name is required")
	}
	for _, dep := range a.DependencyIDs {
		if ec.Workflow.FindTask(dep) == nil {
			return failed(ec, a.Type(), fmt.Sprintf("unknown dependency %s", dep))
		}
	}
	t := workflow.NewTask(a.Name, a.Description, a.DependencyIDs...)
	t.EstimatedDurationHours = a.EstimatedHours
	t.EstimatedCost = a.EstimatedCost
	ec.Workflow.AddTask(t)
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("created task %q (%s)", t.Name, t.ID),
		map[string]any{"task_id": t.ID})
}

// RemoveTask drops a task and scrubs references to it.
type RemoveTask struct {
	Reason string `json:"reasoning"`
	TaskID string `json:"task_id"`
}

func (a RemoveTask) Type() string      { return "remove_task" }
func (a RemoveTask) Reasoning() string { return a.Reason }

func (a RemoveTask) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	t, ok := ec.Workflow.Task(a.TaskID)
	if !ok {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	if t.Status == domain.TaskStatusRunning {
		return failed(ec, a.Type(), fmt.Sprintf("task %s is running and cannot be removed", a.TaskID))
	}
	ec.Workflow.RemoveTask(a.TaskID)
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("removed task %q", t.Name),
		map[string]any{"task_id": a.TaskID})
}

// RefineTask updates task metadata; manager instructions replace any prior
// instruction note rather than piling up.
type RefineTask struct {
	Reason              string  `json:"reasoning"`
	TaskID              string  `json:"task_id"`
	NewName             string  `json:"new_name,omitempty"`
	NewDescription      string  `json:"new_description,omitempty"`
	NewEstimatedHours   float64 `json:"new_estimated_duration_hours,omitempty"`
	NewEstimatedCost    float64 `json:"new_estimated_cost,omitempty"`
	ManagerInstructions string  `json:"manager_instructions,omitempty"`
}

func (a RefineTask) Type() string      { return "refine_task" }
func (a RefineTask) Reasoning() string { return a.Reason }

func (a RefineTask) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	t := ec.Workflow.FindTask(a.TaskID)
	if t == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	var changed []string
	if a.NewName != "" {
		t.Name = a.NewName
		changed = append(changed, "name")
	}
	if a.NewDescription != "" {
		t.Description = a.NewDescription
		changed = append(changed, "description")
	}
	if a.NewEstimatedHours > 0 {
		t.EstimatedDurationHours = a.NewEstimatedHours
		changed = append(changed, "estimated hours")
	}
	if a.NewEstimatedCost > 0 {
		t.EstimatedCost = a.NewEstimatedCost
		changed = append(changed, "estimated cost")
	}
	if a.ManagerInstructions != "" {
		var notes []string
		for _, n := range t.ExecutionNotes {
			if !strings.HasPrefix(n, instructionPrefix) {
				notes = append(notes, n)
			}
		}
		t.ExecutionNotes = append(notes, instructionPrefix+a.ManagerInstructions)
		changed = append(changed, "instructions")
	}
	if len(changed) == 0 {
		return failed(ec, a.Type(), "no refinement fields provided")
	}
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("refined task %q: %s", t.Name, strings.Join(changed, ", ")),
		map[string]any{"task_id": t.ID})
}

// AddDependency adds an edge after checking it would not close a cycle.
type AddDependency struct {
	Reason    string `json:"reasoning"`
	TaskID    string `json:"task_id"`
	DepTaskID string `json:"dependency_task_id"`
}

func (a AddDependency) Type() string      { return "add_task_dependency" }
func (a AddDependency) Reasoning() string { return a.Reason }

func (a AddDependency) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	t := ec.Workflow.FindTask(a.TaskID)
	if t == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	if ec.Workflow.FindTask(a.DepTaskID) == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown dependency task %s", a.DepTaskID))
	}
	for _, d := range t.DependencyTaskIDs {
		if d == a.DepTaskID {
			return failed(ec, a.Type(), "dependency already present")
		}
	}
	if ec.Workflow.WouldCreateCycle(a.TaskID, a.DepTaskID) {
		return failed(ec, a.Type(), fmt.Sprintf("adding %s -> %s would create a cycle", a.TaskID, a.DepTaskID))
	}
	t.DependencyTaskIDs = append(t.DependencyTaskIDs, a.DepTaskID)
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("task %s now depends on %s", a.TaskID, a.DepTaskID), nil)
}

// RemoveDependency drops an edge.
type RemoveDependency struct {
	Reason    string `json:"reasoning"`
	TaskID    string `json:"task_id"`
	DepTaskID string `json:"dependency_task_id"`
}

func (a RemoveDependency) Type() string      { return "remove_task_dependency" }
func (a RemoveDependency) Reasoning() string { return a.Reason }

func (a RemoveDependency) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	t := ec.Workflow.FindTask(a.TaskID)
	if t == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	kept := t.DependencyTaskIDs[:0]
	found := false
	for _, d := range t.DependencyTaskIDs {
		if d == a.DepTaskID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return failed(ec, a.Type(), fmt.Sprintf("task %s does not depend on %s", a.TaskID, a.DepTaskID))
	}
	t.DependencyTaskIDs = kept
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("task %s no longer depends on %s", a.TaskID, a.DepTaskID), nil)
}

// InspectTask returns full task details.
type InspectTask struct {
	Reason string `json:"reasoning"`
	TaskID string `json:"task_id"`
}

func (a InspectTask) Type() string      { return "inspect_task" }
func (a InspectTask) Reasoning() string { return a.Reason }

func (a InspectTask) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	t := ec.Workflow.FindTask(a.TaskID)
	if t == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	return success(ec, a.Type(), KindInspection, t.Summary(), map[string]any{
		"task":           t,
		"notes":          t.ExecutionNotes,
		"resource_ids":   t.OutputResourceIDs,
		"communications": len(ec.Comms.TaskCommunications(t.ID)),
	})
}

// DecomposeTask splits a task into subtasks via the injected Decomposer. It
// refuses to touch tasks that already have subtasks.
type DecomposeTask struct {
	Reason       string `json:"reasoning"`
	TaskID       string `json:"task_id"`
	Instructions string `json:"instructions,omitempty"`
}

func (a DecomposeTask) Type() string      { return "decompose_task" }
func (a DecomposeTask) Reasoning() string { return a.Reason }

func (a DecomposeTask) Execute(ctx context.Context, ec *ExecutionContext) ActionResult {
	if ec.Decomposer == nil {
		return failed(ec, a.Type(), "no decomposer configured")
	}
	t := ec.Workflow.FindTask(a.TaskID)
	if t == nil {
		return failed(ec, a.Type(), fmt.Sprintf("unknown task %s", a.TaskID))
	}
	if t.IsComposite() {
		return failed(ec, a.Type(), fmt.Sprintf("task %s already has %d subtasks", a.TaskID, len(t.Subtasks)))
	}
	if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusReady {
		return failed(ec, a.Type(), fmt.Sprintf("task %s is %s and cannot be decomposed", a.TaskID, t.Status))
	}
	subtasks, err := ec.Decomposer.Decompose(ctx, t, ec.Workflow.Summary(), ec.Seed)
	if err != nil {
		return failed(ec, a.Type(), fmt.Sprintf("decomposition failed: %v", err))
	}
	if len(subtasks) == 0 {
		return failed(ec, a.Type(), "decomposition produced no subtasks")
	}
	t.Subtasks = subtasks
	return success(ec, a.Type(), KindMutation,
		fmt.Sprintf("decomposed task %q into %d subtasks", t.Name, len(subtasks)),
		map[string]any{"task_id": t.ID, "subtask_count": len(subtasks)})
}

// SendMessage sends a direct alert to one agent, or a broadcast when no
// receiver is given.
type SendMessage struct {
	Reason        string `json:"reasoning"`
	To            string `json:"to,omitempty"`
	Content       string `json:"content"`
	RelatedTaskID string `json:"related_task_id,omitempty"`
}

func (a SendMessage) Type() string      { return "send_message" }
func (a SendMessage) Reasoning() string { return a.Reason }

func (a SendMessage) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	from := "manager"
	if a.Content == "" {
		return failed(ec, a.Type(), "message content is required")
	}
	if a.To == "" {
		msg := ec.Comms.Broadcast(from, a.Content, domain.MessageTypeBroadcast, nil, 0)
		return success(ec, a.Type(), KindMessage,
			fmt.Sprintf("broadcast to %d agents", len(msg.Recipients)),
			map[string]any{"message_id": msg.ID})
	}
	msg := ec.Comms.SendDirect(from, a.To, a.Content, domain.MessageTypeAlert,
		comms.SendOptions{RelatedTaskID: a.RelatedTaskID})
	return success(ec, a.Type(), KindMessage,
		fmt.Sprintf("sent alert to %s", a.To),
		map[string]any{"message_id": msg.ID})
}

// GetWorkflowStatus reports the status counts and totals.
type GetWorkflowStatus struct {
	Reason string `json:"reasoning"`
}

func (a GetWorkflowStatus) Type() string      { return "get_workflow_status" }
func (a GetWorkflowStatus) Reasoning() string { return a.Reason }

func (a GetWorkflowStatus) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	counts := ec.Workflow.StatusCounts()
	return success(ec, a.Type(), KindInfo,
		fmt.Sprintf("tasks=%d cost=%.2f hours=%.2f", len(ec.Workflow.Tasks),
			ec.Workflow.TotalCost, ec.Workflow.TotalSimulatedHours),
		map[string]any{"status_counts": counts})
}

// GetAvailableAgents lists agents with free capacity.
type GetAvailableAgents struct {
	Reason string `json:"reasoning"`
}

func (a GetAvailableAgents) Type() string      { return "get_available_agents" }
func (a GetAvailableAgents) Reasoning() string { return a.Reason }

func (a GetAvailableAgents) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	var ids []string
	for _, ag := range ec.Workflow.AvailableAgents() {
		ids = append(ids, ag.AgentID())
	}
	return success(ec, a.Type(), KindInfo,
		fmt.Sprintf("%d agents available", len(ids)),
		map[string]any{"agent_ids": ids})
}

// GetPendingTasks lists atomic tasks still waiting.
type GetPendingTasks struct {
	Reason string `json:"reasoning"`
}

func (a GetPendingTasks) Type() string      { return "get_pending_tasks" }
func (a GetPendingTasks) Reasoning() string { return a.Reason }

func (a GetPendingTasks) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	var ids []string
	for _, t := range ec.Workflow.PendingTasks() {
		ids = append(ids, t.ID)
	}
	return success(ec, a.Type(), KindInfo,
		fmt.Sprintf("%d pending tasks", len(ids)),
		map[string]any{"task_ids": ids})
}

// NoOp does nothing this timestep.
type NoOp struct {
	Reason string `json:"reasoning"`
}

func (a NoOp) Type() string      { return "noop" }
func (a NoOp) Reasoning() string { return a.Reason }

func (a NoOp) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	return success(ec, a.Type(), KindNoop, "no action taken", nil)
}

// RequestEndWorkflow raises the one-shot termination flag via the
// communication service.
type RequestEndWorkflow struct {
	Reason string `json:"reasoning"`
}

func (a RequestEndWorkflow) Type() string      { return "request_end_workflow" }
func (a RequestEndWorkflow) Reasoning() string { return a.Reason }

func (a RequestEndWorkflow) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	ec.Comms.RequestEndWorkflow(a.Reason)
	return success(ec, a.Type(), KindMutation, "requested end of workflow", nil)
}

// Failed is the placeholder a manager returns when it could not produce a
// usable action this timestep.
type Failed struct {
	Reason string `json:"reasoning"`
	Err    string `json:"error,omitempty"`
}

func (a Failed) Type() string      { return "failed_action" }
func (a Failed) Reasoning() string { return a.Reason }

func (a Failed) Execute(_ context.Context, ec *ExecutionContext) ActionResult {
	summary := "manager failed to produce an action"
	if a.Err != "" {
		summary += ": " + a.Err
	}
	return failed(ec, a.Type(), summary)
}

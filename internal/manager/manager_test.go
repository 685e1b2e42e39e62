package manager

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"

	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/workflow"
)

type stubAgent struct {
	id   string
	free bool
}

func (s *stubAgent) AgentID() string     { return s.id }
func (s *stubAgent) AgentType() string   { return "ai" }
func (s *stubAgent) Description() string { return "stub" }
func (s *stubAgent) CanAccept() bool     { return s.free }

func (s *stubAgent) ExecuteTask(_ context.Context, task *domain.Task, _ []*domain.Resource) (*domain.ExecutionResult, error) {
	return domain.NewTaskResult(task.ID, s.id, true, 0), nil
}

func newExecContext(t *testing.T) (*ExecutionContext, *workflow.Workflow) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	w := workflow.New("release", "ship the release")
	w.Agents["worker-1"] = &stubAgent{id: "worker-1", free: true}
	return &ExecutionContext{
		Workflow:   w,
		Comms:      comms.NewService(logger),
		Decomposer: StaticDecomposer{},
		Timestep:   3,
		Seed:       42,
		Logger:     logger,
	}, w
}

func TestAssignTask(t *testing.T) {
	ec, w := newExecContext(t)
	task := workflow.NewTask("write docs", "")
	w.AddTask(task)

	res := AssignTask{TaskID: task.ID, AgentID: "worker-1"}.Execute(context.Background(), ec)
	if !res.Success || res.Kind != KindMutation {
		t.Fatalf("unexpected result: %+v", res)
	}
	if task.AssignedAgentID != "worker-1" {
		t.Fatalf("task not assigned: %q", task.AssignedAgentID)
	}

	res = AssignTask{TaskID: task.ID, AgentID: "ghost"}.Execute(context.Background(), ec)
	if res.Success || res.Kind != KindFailedAction {
		t.Fatalf("expected failed_action for unknown agent, got %+v", res)
	}
	if res.Timestep != 3 {
		t.Fatalf("result timestep = %d", res.Timestep)
	}
}

func TestAssignTaskRefusesComposite(t *testing.T) {
	ec, w := newExecContext(t)
	parent := workflow.NewTask("epic", "")
	parent.Subtasks = []*domain.Task{workflow.NewTask("leaf", "")}
	w.AddTask(parent)

	res := AssignTask{TaskID: parent.ID, AgentID: "worker-1"}.Execute(context.Background(), ec)
	if res.Success {
		t.Fatalf("composite assignment should fail: %+v", res)
	}
}

func TestAssignAllPendingRoundRobin(t *testing.T) {
	ec, w := newExecContext(t)
	w.Agents["worker-2"] = &stubAgent{id: "worker-2", free: true}
	a := workflow.NewTask("a", "")
	b := workflow.NewTask("b", "")
	c := workflow.NewTask("c", "")
	w.AddTask(a)
	w.AddTask(b)
	w.AddTask(c)

	res := AssignAllPending{}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("assign all failed: %+v", res)
	}
	seen := map[string]int{}
	for _, task := range []*domain.Task{a, b, c} {
		if task.AssignedAgentID == "" {
			t.Fatalf("task %s left unassigned", task.Name)
		}
		seen[task.AssignedAgentID]++
	}
	if len(seen) != 2 {
		t.Fatalf("expected both agents used, got %v", seen)
	}
}

func TestCreateAndRemoveTask(t *testing.T) {
	ec, w := newExecContext(t)
	res := CreateTask{Name: "setup ci", EstimatedHours: 2}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("create failed: %+v", res)
	}
	id, _ := res.Data["task_id"].(string)
	if _, ok := w.Task(id); !ok {
		t.Fatalf("created task %s not in workflow", id)
	}

	res = CreateTask{Name: "x", DependencyIDs: []string{"missing"}}.Execute(context.Background(), ec)
	if res.Success {
		t.Fatalf("create with unknown dependency should fail")
	}

	res = RemoveTask{TaskID: id}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("remove failed: %+v", res)
	}
	if _, ok := w.Task(id); ok {
		t.Fatalf("task %s still present after removal", id)
	}
}

func TestRemoveTaskRefusesRunning(t *testing.T) {
	ec, w := newExecContext(t)
	task := workflow.NewTask("deploy", "")
	task.Status = domain.TaskStatusRunning
	w.AddTask(task)

	res := RemoveTask{TaskID: task.ID}.Execute(context.Background(), ec)
	if res.Success {
		t.Fatalf("removing a running task should fail")
	}
}

func TestRefineTaskReplacesInstructions(t *testing.T) {
	ec, w := newExecContext(t)
	task := workflow.NewTask("write docs", "")
	task.ExecutionNotes = []string{"existing note"}
	w.AddTask(task)

	res := RefineTask{TaskID: task.ID, ManagerInstructions: "first pass"}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("refine failed: %+v", res)
	}
	res = RefineTask{TaskID: task.ID, ManagerInstructions: "second pass", NewName: "write user docs"}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("refine failed: %+v", res)
	}

	var instructions []string
	for _, n := range task.ExecutionNotes {
		if strings.HasPrefix(n, instructionPrefix) {
			instructions = append(instructions, n)
		}
	}
	if len(instructions) != 1 || !strings.Contains(instructions[0], "second pass") {
		t.Fatalf("instructions not replaced: %v", task.ExecutionNotes)
	}
	if task.Name != "write user docs" {
		t.Fatalf("name not updated: %q", task.Name)
	}
	if len(task.ExecutionNotes) != 2 {
		t.Fatalf("existing note lost: %v", task.ExecutionNotes)
	}

	if res := (RefineTask{TaskID: task.ID}).Execute(context.Background(), ec); res.Success {
		t.Fatalf("refine with no fields should fail")
	}
}

func TestDependencyEdits(t *testing.T) {
	ec, w := newExecContext(t)
	a := workflow.NewTask("a", "")
	b := workflow.NewTask("b", "", a.ID)
	w.AddTask(a)
	w.AddTask(b)

	// a -> b would close the a <-> b loop.
	if res := (AddDependency{TaskID: a.ID, DepTaskID: b.ID}).Execute(context.Background(), ec); res.Success {
		t.Fatalf("cycle-closing edge should be refused")
	}

	c := workflow.NewTask("c", "")
	w.AddTask(c)
	if res := (AddDependency{TaskID: c.ID, DepTaskID: a.ID}).Execute(context.Background(), ec); !res.Success {
		t.Fatalf("valid edge refused: %+v", res)
	}
	if res := (AddDependency{TaskID: c.ID, DepTaskID: a.ID}).Execute(context.Background(), ec); res.Success {
		t.Fatalf("duplicate edge should be refused")
	}

	if res := (RemoveDependency{TaskID: b.ID, DepTaskID: a.ID}).Execute(context.Background(), ec); !res.Success {
		t.Fatalf("remove dependency failed: %+v", res)
	}
	if len(b.DependencyTaskIDs) != 0 {
		t.Fatalf("dependency not removed: %v", b.DependencyTaskIDs)
	}
	if res := (RemoveDependency{TaskID: b.ID, DepTaskID: a.ID}).Execute(context.Background(), ec); res.Success {
		t.Fatalf("removing an absent edge should fail")
	}
}

func TestDecomposeTask(t *testing.T) {
	ec, w := newExecContext(t)
	task := workflow.NewTask("build feature", "")
	task.EstimatedDurationHours = 6
	w.AddTask(task)

	res := DecomposeTask{TaskID: task.ID}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("decompose failed: %+v", res)
	}
	if len(task.Subtasks) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(task.Subtasks))
	}
	// Subtasks form a chain.
	if len(task.Subtasks[1].DependencyTaskIDs) != 1 || task.Subtasks[1].DependencyTaskIDs[0] != task.Subtasks[0].ID {
		t.Fatalf("subtasks not chained: %v", task.Subtasks[1].DependencyTaskIDs)
	}

	if res := (DecomposeTask{TaskID: task.ID}).Execute(context.Background(), ec); res.Success {
		t.Fatalf("decomposing a composite task should fail")
	}
}

func TestSendMessage(t *testing.T) {
	ec, _ := newExecContext(t)
	ec.Comms.RegisterAgent("worker-1")
	ec.Comms.RegisterAgent("worker-2")

	res := SendMessage{To: "worker-1", Content: "prioritize docs"}.Execute(context.Background(), ec)
	if !res.Success || res.Kind != KindMessage {
		t.Fatalf("direct send failed: %+v", res)
	}
	inbox := ec.Comms.MessagesForAgent("worker-1", comms.MessageFilter{})
	if len(inbox) != 1 || inbox[0].Type != domain.MessageTypeAlert {
		t.Fatalf("expected one alert, got %v", inbox)
	}

	res = SendMessage{Content: "all hands"}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("broadcast failed: %+v", res)
	}

	if res := (SendMessage{To: "worker-1"}).Execute(context.Background(), ec); res.Success {
		t.Fatalf("empty content should fail")
	}
}

func TestInfoActions(t *testing.T) {
	ec, w := newExecContext(t)
	w.AddTask(workflow.NewTask("a", ""))

	for _, a := range []Action{
		GetWorkflowStatus{},
		GetAvailableAgents{},
		GetPendingTasks{},
	} {
		res := a.Execute(context.Background(), ec)
		if !res.Success || res.Kind != KindInfo {
			t.Fatalf("%s: unexpected result %+v", a.Type(), res)
		}
	}

	res := NoOp{}.Execute(context.Background(), ec)
	if !res.Success || res.Kind != KindNoop {
		t.Fatalf("noop result: %+v", res)
	}
}

func TestInspectTask(t *testing.T) {
	ec, w := newExecContext(t)
	task := workflow.NewTask("audit", "")
	w.AddTask(task)

	res := InspectTask{TaskID: task.ID}.Execute(context.Background(), ec)
	if !res.Success || res.Kind != KindInspection {
		t.Fatalf("inspect result: %+v", res)
	}
	if res.Data["task"] == nil {
		t.Fatalf("inspection missing task payload")
	}
}

func TestRequestEndWorkflow(t *testing.T) {
	ec, _ := newExecContext(t)
	res := RequestEndWorkflow{Reason: "budget exhausted"}.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("end request failed: %+v", res)
	}
	ended, reason := ec.Comms.EndWorkflowRequested()
	if !ended || reason != "budget exhausted" {
		t.Fatalf("flag not raised: %v %q", ended, reason)
	}
}

func TestActionHistoryTrimsToLimit(t *testing.T) {
	b := NewBase("mgr")
	for i := 0; i < historyLimit+10; i++ {
		b.RecordAction(ActionResult{ActionType: "noop", Timestep: i, Success: true})
	}
	hist := b.ActionHistory(0)
	if len(hist) != historyLimit {
		t.Fatalf("history length = %d, want %d", len(hist), historyLimit)
	}
	if hist[0].Timestep != 10 {
		t.Fatalf("oldest retained timestep = %d", hist[0].Timestep)
	}
	if tail := b.ActionHistory(5); len(tail) != 5 || tail[4].Timestep != historyLimit+9 {
		t.Fatalf("tail slice wrong: %v", tail)
	}
}

func TestRandomManagerIsDeterministic(t *testing.T) {
	obs := &Observation{
		ReadyTaskIDs:    []string{"t1", "t2"},
		AvailableAgents: []AgentMeta{{ID: "worker-1"}, {ID: "worker-2"}},
	}
	run := func() []string {
		m := NewRandomManager("rand")
		m.ConfigureSeed(7)
		var types []string
		for i := 0; i < 10; i++ {
			a, err := m.Step(context.Background(), obs, 0, false)
			if err != nil {
				t.Fatalf("step: %v", err)
			}
			types = append(types, a.Type())
		}
		return types
	}
	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("step %d diverged: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestOneShotDelegateManager(t *testing.T) {
	m := NewOneShotDelegateManager("delegate")
	obs := &Observation{Timestep: 0}

	a, err := m.Step(context.Background(), obs, 0, false)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if a.Type() != "assign_all_pending_tasks" {
		t.Fatalf("first action = %s", a.Type())
	}
	a, _ = m.Step(context.Background(), obs, 0, false)
	if a.Type() != "noop" {
		t.Fatalf("second action = %s", a.Type())
	}

	m.Reset()
	a, _ = m.Step(context.Background(), obs, 0, false)
	if a.Type() != "assign_all_pending_tasks" {
		t.Fatalf("reset did not rearm delegation, got %s", a.Type())
	}
}

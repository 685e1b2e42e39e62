package workflow

import (
	"testing"

	"managym/internal/domain"
)

func completed(t *domain.Task) {
	t.Status = domain.TaskStatusCompleted
}

func TestAdvanceToReadyRespectsDependencies(t *testing.T) {
	w := New("release", "")
	a := NewTask("build", "")
	b := NewTask("test", "", a.ID)
	w.AddTask(a)
	w.AddTask(b)

	ready := w.AdvanceToReady()
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("ready = %v, want just %s", taskIDs(ready), a.ID)
	}
	if a.Status != domain.TaskStatusReady {
		t.Fatalf("a status = %s, want ready", a.Status)
	}
	if b.Status != domain.TaskStatusPending {
		t.Fatalf("b status = %s, want pending", b.Status)
	}

	completed(a)
	ready = w.AdvanceToReady()
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("ready after a completes = %v, want just %s", taskIDs(ready), b.ID)
	}
}

func TestComputeReadyIsPure(t *testing.T) {
	w := New("wf", "")
	a := NewTask("solo", "")
	w.AddTask(a)

	ready := w.ComputeReady()
	if len(ready) != 1 {
		t.Fatalf("ready = %d, want 1", len(ready))
	}
	if a.Status != domain.TaskStatusPending {
		t.Fatalf("pure query mutated status to %s", a.Status)
	}
}

func TestCompositeDependencyExpansion(t *testing.T) {
	w := New("wf", "")
	leaf1 := NewTask("research", "")
	leaf2 := NewTask("draft", "")
	parent := NewTask("prepare", "")
	parent.Subtasks = []*domain.Task{leaf1, leaf2}
	gated := NewTask("publish", "", parent.ID)
	w.AddTask(parent)
	w.AddTask(gated)

	// The gated task waits on the composite's atomic descendants, not the
	// composite id itself.
	ready := w.AdvanceToReady()
	ids := taskIDs(ready)
	if len(ids) != 2 {
		t.Fatalf("ready = %v, want the two leaves", ids)
	}
	if _, ok := w.Tasks[leaf1.ID]; !ok {
		t.Fatal("leaf not promoted into top-level registry")
	}

	completed(leaf1)
	if got := taskIDs(w.AdvanceToReady()); len(got) != 1 || got[0] != leaf2.ID {
		t.Fatalf("ready = %v, want just the second leaf", got)
	}

	completed(leaf2)
	ready = w.AdvanceToReady()
	if len(ready) != 1 || ready[0].ID != gated.ID {
		t.Fatalf("ready = %v, want the gated task", taskIDs(ready))
	}
}

func TestAncestorDependencyInheritance(t *testing.T) {
	w := New("wf", "")
	gate := NewTask("approval", "")
	child := NewTask("implementation", "")
	parent := NewTask("phase two", "", gate.ID)
	parent.Subtasks = []*domain.Task{child}
	w.AddTask(gate)
	w.AddTask(parent)

	ready := taskIDs(w.AdvanceToReady())
	if len(ready) != 1 || ready[0] != gate.ID {
		t.Fatalf("ready = %v, want just the gate", ready)
	}

	completed(gate)
	ready = taskIDs(w.AdvanceToReady())
	if len(ready) != 1 || ready[0] != child.ID {
		t.Fatalf("ready = %v, want the inherited child", ready)
	}
}

func TestCompositeCompletionPropagates(t *testing.T) {
	w := New("wf", "")
	inner := NewTask("inner leaf", "")
	mid := NewTask("mid", "")
	mid.Subtasks = []*domain.Task{inner}
	top := NewTask("top", "")
	top.Subtasks = []*domain.Task{mid}
	w.AddTask(top)

	completed(inner)
	w.PropagateCompletion()
	if mid.Status != domain.TaskStatusCompleted {
		t.Fatalf("mid status = %s", mid.Status)
	}
	if top.Status != domain.TaskStatusCompleted {
		t.Fatalf("top status = %s", top.Status)
	}
	if !w.IsComplete() {
		t.Fatal("workflow should be complete")
	}
}

func TestValidateGraph(t *testing.T) {
	w := New("wf", "")
	a := NewTask("a", "")
	b := NewTask("b", "", a.ID)
	w.AddTask(a)
	w.AddTask(b)
	if err := w.ValidateGraph(); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}

	// Close the cycle.
	a.DependencyTaskIDs = []string{b.ID}
	if err := w.ValidateGraph(); err == nil {
		t.Fatal("cycle not rejected")
	}
	a.DependencyTaskIDs = nil

	b.DependencyTaskIDs = []string{"no-such-task"}
	if err := w.ValidateGraph(); err == nil {
		t.Fatal("unknown dependency not rejected")
	}
	b.DependencyTaskIDs = []string{a.ID}

	empty := New("empty", "")
	if err := empty.ValidateGraph(); err == nil {
		t.Fatal("empty workflow not rejected")
	}
}

func TestSelfDependencyDiscarded(t *testing.T) {
	w := New("wf", "")
	a := NewTask("a", "")
	a.DependencyTaskIDs = []string{a.ID}
	w.AddTask(a)
	if err := w.ValidateGraph(); err != nil {
		t.Fatalf("self dependency should be discarded, got %v", err)
	}
	if got := taskIDs(w.AdvanceToReady()); len(got) != 1 {
		t.Fatalf("ready = %v", got)
	}
}

func TestWouldCreateCycle(t *testing.T) {
	w := New("wf", "")
	a := NewTask("a", "")
	b := NewTask("b", "", a.ID)
	c := NewTask("c", "", b.ID)
	w.AddTask(a)
	w.AddTask(b)
	w.AddTask(c)

	if w.WouldCreateCycle(c.ID, a.ID) {
		t.Fatal("forward edge flagged as cycle")
	}
	if !w.WouldCreateCycle(a.ID, c.ID) {
		t.Fatal("back edge not flagged")
	}
	if !w.WouldCreateCycle(a.ID, a.ID) {
		t.Fatal("self edge not flagged")
	}
}

func TestApplyTaskResult(t *testing.T) {
	w := New("wf", "")
	a := NewTask("a", "")
	w.AddTask(a)

	res := &domain.ExecutionResult{
		Success:                true,
		SimulatedDurationHours: 2.5,
		ActualCost:             10,
		OutputResources: []*domain.Resource{
			{Name: "report", Content: "done", ContentType: "text/plain"},
		},
	}
	if err := w.ApplyTaskResult(a.ID, res); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Status != domain.TaskStatusCompleted || a.ActualCost != 10 {
		t.Fatalf("task = %+v", a)
	}
	if w.TotalCost != 10 || w.TotalSimulatedHours != 2.5 {
		t.Fatalf("totals cost=%v hours=%v", w.TotalCost, w.TotalSimulatedHours)
	}
	if len(w.Resources) != 1 || len(a.OutputResourceIDs) != 1 {
		t.Fatalf("resources not registered: %v %v", w.Resources, a.OutputResourceIDs)
	}

	b := NewTask("b", "")
	w.AddTask(b)
	fail := &domain.ExecutionResult{Success: false, ErrorMessage: "boom"}
	if err := w.ApplyTaskResult(b.ID, fail); err != nil {
		t.Fatalf("apply failure: %v", err)
	}
	if b.Status != domain.TaskStatusFailed || len(b.ExecutionNotes) == 0 {
		t.Fatalf("failed task = %+v", b)
	}

	if err := w.ApplyTaskResult("missing", res); err == nil {
		t.Fatal("unknown task accepted")
	}
}

func TestRemoveTaskScrubsDependencies(t *testing.T) {
	w := New("wf", "")
	a := NewTask("a", "")
	b := NewTask("b", "", a.ID)
	w.AddTask(a)
	w.AddTask(b)

	if !w.RemoveTask(a.ID) {
		t.Fatal("remove failed")
	}
	if len(b.DependencyTaskIDs) != 0 {
		t.Fatalf("dangling deps = %v", b.DependencyTaskIDs)
	}
	if w.RemoveTask(a.ID) {
		t.Fatal("second remove should report false")
	}
}

func TestTotals(t *testing.T) {
	w := New("wf", "")
	a := NewTask("a", "")
	a.EstimatedCost = 100
	a.EstimatedDurationHours = 4
	sub := NewTask("sub", "")
	sub.EstimatedCost = 50
	sub.EstimatedDurationHours = 2
	parent := NewTask("parent", "")
	parent.EstimatedCost = 999 // composite estimate is derived, not summed
	parent.Subtasks = []*domain.Task{sub}
	w.AddTask(a)
	w.AddTask(parent)

	if got := w.TotalBudget(); got != 150 {
		t.Fatalf("budget = %v, want 150", got)
	}
	if got := w.TotalExpectedHours(); got != 6 {
		t.Fatalf("hours = %v, want 6", got)
	}
}

func taskIDs(tasks []*domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

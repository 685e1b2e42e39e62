// Package workflow holds the task DAG aggregate: composite/atomic tasks,
// dependency expansion, readiness computation and graph validation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"managym/internal/domain"
)

var (
	ErrUnknownTask  = errors.New("workflow: unknown task")
	ErrGraphInvalid = errors.New("workflow: invalid task graph")
)

// Agent is the engine-facing contract every worker must satisfy. Concrete
// implementations live elsewhere; the workflow only holds them for roster
// bookkeeping and dispatch.
type Agent interface {
	AgentID() string
	AgentType() string
	Description() string
	CanAccept() bool
	ExecuteTask(ctx context.Context, task *domain.Task, resources []*domain.Resource) (*domain.ExecutionResult, error)
}

// Workflow is the aggregate root: task registry, resource registry, agent
// roster, constraints and cumulative totals. It is mutated only from the
// engine loop and the manager actions it invokes synchronously.
type Workflow struct {
	ID          string
	Name        string
	Description string
	OwnerID     string

	Tasks       map[string]*domain.Task
	Resources   map[string]*domain.Resource
	Agents      map[string]Agent
	Constraints []domain.Constraint

	TotalCost           float64
	TotalSimulatedHours float64

	IsActive  bool
	CreatedAt time.Time
	StartedAt *time.Time
}

func New(name, description string) *Workflow {
	return &Workflow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Tasks:       map[string]*domain.Task{},
		Resources:   map[string]*domain.Resource{},
		Agents:      map[string]Agent{},
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewTask builds a pending task with a fresh id.
func NewTask(name, description string, deps ...string) *domain.Task {
	return &domain.Task{
		ID:                uuid.NewString(),
		Name:              name,
		Description:       description,
		Status:            domain.TaskStatusPending,
		DependencyTaskIDs: append([]string(nil), deps...),
		CreatedAt:         time.Now().UTC(),
	}
}

func (w *Workflow) AddTask(t *domain.Task) {
	w.Tasks[t.ID] = t
}

// RemoveTask drops a top-level task and scrubs dependency references to it
// from every remaining task.
func (w *Workflow) RemoveTask(id string) bool {
	if _, ok := w.Tasks[id]; !ok {
		return false
	}
	delete(w.Tasks, id)
	for _, t := range w.Tasks {
		var deps []string
		for _, d := range t.DependencyTaskIDs {
			if d != id {
				deps = append(deps, d)
			}
		}
		t.DependencyTaskIDs = deps
	}
	return true
}

// Task looks up a top-level task.
func (w *Workflow) Task(id string) (*domain.Task, bool) {
	t, ok := w.Tasks[id]
	return t, ok
}

// FindTask searches the whole tree, including embedded subtasks not yet
// registered at the top level.
func (w *Workflow) FindTask(id string) *domain.Task {
	if t, ok := w.Tasks[id]; ok {
		return t
	}
	for _, t := range w.Tasks {
		if found := t.FindSubtask(id); found != nil {
			return found
		}
	}
	return nil
}

func (w *Workflow) AddResource(r *domain.Resource) {
	w.Resources[r.ID] = r
}

func (w *Workflow) Resource(id string) (*domain.Resource, bool) {
	r, ok := w.Resources[id]
	return r, ok
}

// TaskInputResources resolves the output resources of a task's completed
// dependencies, the inputs handed to the executing agent.
func (w *Workflow) TaskInputResources(t *domain.Task) []*domain.Resource {
	var out []*domain.Resource
	for _, depID := range w.effectiveDeps(t.ID) {
		dep := w.FindTask(depID)
		if dep == nil {
			continue
		}
		for _, rid := range dep.OutputResourceIDs {
			if r, ok := w.Resources[rid]; ok {
				out = append(out, r)
			}
		}
	}
	return out
}

func (w *Workflow) AvailableAgents() []Agent {
	var out []Agent
	for _, a := range w.Agents {
		if a.CanAccept() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out
}

func (w *Workflow) AgentIDs() []string {
	out := make([]string, 0, len(w.Agents))
	for id := range w.Agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// allTasks indexes every task in the forest by id, embedded subtasks
// included.
func (w *Workflow) allTasks() map[string]*domain.Task {
	idx := map[string]*domain.Task{}
	var walk func(t *domain.Task)
	walk = func(t *domain.Task) {
		if _, seen := idx[t.ID]; seen {
			return
		}
		idx[t.ID] = t
		for _, sub := range t.Subtasks {
			walk(sub)
		}
	}
	for _, t := range w.Tasks {
		walk(t)
	}
	return idx
}

// expandDep maps a dependency id to the atomic ids it stands for: a
// composite dependency is replaced by all of its atomic descendants.
func expandDep(idx map[string]*domain.Task, depID string) []string {
	dep, ok := idx[depID]
	if !ok || dep.IsAtomic() {
		return []string{depID}
	}
	var out []string
	for _, leaf := range dep.AtomicSubtasks() {
		out = append(out, leaf.ID)
	}
	return out
}

// atomicDeps computes the effective dependency sets of every atomic task:
// children inherit all ancestor dependencies merged with their own, and each
// dependency id is expanded down to atomic leaves. Self references are
// discarded.
func (w *Workflow) atomicDeps() map[string][]string {
	idx := w.allTasks()
	deps := map[string][]string{}

	var walk func(t *domain.Task, inherited []string)
	walk = func(t *domain.Task, inherited []string) {
		merged := append(append([]string(nil), inherited...), t.DependencyTaskIDs...)
		if t.IsAtomic() {
			set := map[string]struct{}{}
			for _, d := range merged {
				for _, atomic := range expandDep(idx, d) {
					if atomic != t.ID {
						set[atomic] = struct{}{}
					}
				}
			}
			flat := make([]string, 0, len(set))
			for d := range set {
				flat = append(flat, d)
			}
			sort.Strings(flat)
			deps[t.ID] = flat
			return
		}
		for _, sub := range t.Subtasks {
			walk(sub, merged)
		}
	}
	// Promoted leaves also sit in w.Tasks; walking them as roots would lose
	// the ancestor dependencies they inherit, so only true roots start a walk.
	embedded := map[string]struct{}{}
	for _, t := range idx {
		for _, sub := range t.Subtasks {
			embedded[sub.ID] = struct{}{}
		}
	}
	seen := map[string]struct{}{}
	for _, t := range w.Tasks {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		if _, ok := embedded[t.ID]; ok {
			continue
		}
		walk(t, nil)
	}
	return deps
}

func (w *Workflow) effectiveDeps(taskID string) []string {
	return w.atomicDeps()[taskID]
}

// registerAtomicLeaves promotes embedded atomic subtasks into the top-level
// registry so deeply nested work becomes independently schedulable.
func (w *Workflow) registerAtomicLeaves() {
	for id, t := range w.allTasks() {
		if t.IsAtomic() {
			if _, ok := w.Tasks[id]; !ok {
				w.Tasks[id] = t
			}
		}
	}
}

// CompletedAtomicIDs returns the set of completed atomic task ids.
func (w *Workflow) CompletedAtomicIDs() map[string]struct{} {
	done := map[string]struct{}{}
	for id, t := range w.allTasks() {
		if t.IsAtomic() && t.Status == domain.TaskStatusCompleted {
			done[id] = struct{}{}
		}
	}
	return done
}

// ComputeReady is the pure readiness query: atomic tasks in PENDING or READY
// whose expanded dependencies are all completed. No state is modified.
func (w *Workflow) ComputeReady() []*domain.Task {
	deps := w.atomicDeps()
	done := w.CompletedAtomicIDs()
	idx := w.allTasks()

	var ready []*domain.Task
	for id, depIDs := range deps {
		t := idx[id]
		if t == nil || !t.IsAtomic() {
			continue
		}
		if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusReady {
			continue
		}
		eligible := true
		for _, d := range depIDs {
			if _, ok := done[d]; !ok {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// AdvanceToReady registers atomic leaves at the top level, transitions every
// eligible PENDING task to READY and returns the ready set. Idempotent.
func (w *Workflow) AdvanceToReady() []*domain.Task {
	w.registerAtomicLeaves()
	ready := w.ComputeReady()
	now := time.Now().UTC()
	for _, t := range ready {
		if t.Status == domain.TaskStatusPending {
			t.Status = domain.TaskStatusReady
			if t.DepsReadyAt == nil {
				at := now
				t.DepsReadyAt = &at
			}
		}
	}
	return ready
}

// ValidateGraph checks the expanded atomic dependency graph: every
// dependency must resolve to a known task, the graph must have at least one
// atomic task with zero indegree, and a Kahn pass must consume every node.
func (w *Workflow) ValidateGraph() error {
	idx := w.allTasks()
	deps := w.atomicDeps()
	if len(deps) == 0 {
		return fmt.Errorf("%w: no atomic tasks", ErrGraphInvalid)
	}
	for id, depIDs := range deps {
		for _, d := range depIDs {
			dep, ok := idx[d]
			if !ok {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrGraphInvalid, id, d)
			}
			if !dep.IsAtomic() {
				return fmt.Errorf("%w: task %s depends on unexpanded composite %s", ErrGraphInvalid, id, d)
			}
		}
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for id := range deps {
		indegree[id] = 0
	}
	for id, depIDs := range deps {
		for _, d := range depIDs {
			if _, tracked := indegree[d]; !tracked {
				continue
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		return fmt.Errorf("%w: no task without dependencies", ErrGraphInvalid)
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(indegree) {
		return fmt.Errorf("%w: dependency cycle among %d tasks", ErrGraphInvalid, len(indegree)-processed)
	}
	return nil
}

// WouldCreateCycle reports whether adding depID as a dependency of taskID
// closes a cycle in the expanded atomic graph.
func (w *Workflow) WouldCreateCycle(taskID, depID string) bool {
	if taskID == depID {
		return true
	}
	deps := w.atomicDeps()
	idx := w.allTasks()

	// Treat the proposed edge as already present, expanded to atomics.
	extra := expandDep(idx, depID)
	reach := map[string]struct{}{}
	var visit func(id string)
	visit = func(id string) {
		if _, seen := reach[id]; seen {
			return
		}
		reach[id] = struct{}{}
		for _, d := range deps[id] {
			visit(d)
		}
	}
	for _, d := range extra {
		visit(d)
	}
	for _, leaf := range expandDep(idx, taskID) {
		if _, ok := reach[leaf]; ok {
			return true
		}
	}
	return false
}

// ApplyTaskResult finalizes a finished task: registers output resources,
// sets actuals, accumulates workflow totals and propagates composite
// completion upward.
func (w *Workflow) ApplyTaskResult(taskID string, res *domain.ExecutionResult) error {
	t := w.FindTask(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	now := time.Now().UTC()
	if res != nil && res.Success {
		for _, r := range res.OutputResources {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			w.AddResource(r)
			t.OutputResourceIDs = append(t.OutputResourceIDs, r.ID)
		}
		t.Status = domain.TaskStatusCompleted
		t.ActualDurationHours = res.SimulatedDurationHours
		t.ActualCost = res.ActualCost
		t.CompletedAt = &now
		if res.Reasoning != "" {
			t.AddNote(res.Reasoning)
		}
		t.ExecutionNotes = append(t.ExecutionNotes, res.ExecutionNotes...)
		w.TotalCost += res.ActualCost
		w.TotalSimulatedHours += res.SimulatedDurationHours
	} else {
		t.Status = domain.TaskStatusFailed
		t.CompletedAt = &now
		if res != nil && res.ErrorMessage != "" {
			t.AddNote("execution failed: " + res.ErrorMessage)
		} else {
			t.AddNote("execution failed")
		}
	}
	w.PropagateCompletion()
	return nil
}

// PropagateCompletion marks every composite task COMPLETED once all of its
// atomic descendants are, repeating up the tree.
func (w *Workflow) PropagateCompletion() {
	now := time.Now().UTC()
	for _, t := range w.allTasks() {
		if t.IsAtomic() || t.Status == domain.TaskStatusCompleted {
			continue
		}
		all := true
		for _, leaf := range t.AtomicSubtasks() {
			if leaf.Status != domain.TaskStatusCompleted {
				all = false
				break
			}
		}
		if all {
			t.Status = domain.TaskStatusCompleted
			if t.CompletedAt == nil {
				at := now
				t.CompletedAt = &at
			}
		}
	}
}

// IsComplete reports whether every atomic task finished successfully. A
// workflow with no atomic tasks is never complete.
func (w *Workflow) IsComplete() bool {
	atomic := 0
	for _, t := range w.allTasks() {
		if !t.IsAtomic() {
			continue
		}
		atomic++
		if t.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return atomic > 0
}

func (w *Workflow) TotalBudget() float64 {
	var sum float64
	for _, t := range w.allTasks() {
		if t.IsAtomic() {
			sum += t.EstimatedCost
		}
	}
	return sum
}

func (w *Workflow) TotalExpectedHours() float64 {
	var sum float64
	for _, t := range w.allTasks() {
		if t.IsAtomic() {
			sum += t.EstimatedDurationHours
		}
	}
	return sum
}

// StatusCounts tallies top-level tasks by status.
func (w *Workflow) StatusCounts() map[domain.TaskStatus]int {
	counts := map[domain.TaskStatus]int{}
	for _, t := range w.Tasks {
		counts[t.Status]++
	}
	return counts
}

// PendingTasks returns atomic tasks still waiting in PENDING or READY,
// sorted by id.
func (w *Workflow) PendingTasks() []*domain.Task {
	var out []*domain.Task
	for _, t := range w.Tasks {
		if t.IsAtomic() && (t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusReady) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary renders a compact human-readable snapshot used in manager
// observations and logs.
func (w *Workflow) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %q (%s)\n", w.Name, w.ID)
	fmt.Fprintf(&b, "cost=%.2f hours=%.2f agents=%d resources=%d\n",
		w.TotalCost, w.TotalSimulatedHours, len(w.Agents), len(w.Resources))
	ids := make([]string, 0, len(w.Tasks))
	for id := range w.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s\n", w.Tasks[id].Summary())
	}
	for _, c := range w.Constraints {
		fmt.Fprintf(&b, "  constraint [%s] %s\n", c.ConstraintType, c.Name)
	}
	return b.String()
}

package eval

import (
	"context"
	"fmt"

	"managym/internal/domain"
	"managym/internal/workflow"
)

// BuiltinRubricFn resolves a named code-backed rubric, used by workflow
// definition files that reference rubrics by name.
func BuiltinRubricFn(name string) (RubricFunc, bool) {
	fn, ok := builtinRubrics[name]
	return fn, ok
}

// BuiltinRubricNames lists the rubric functions definition files may use.
func BuiltinRubricNames() []string {
	names := make([]string, 0, len(builtinRubrics))
	for name := range builtinRubrics {
		names = append(names, name)
	}
	return names
}

var builtinRubrics = map[string]RubricFunc{
	"completion_fraction":    completionFraction,
	"budget_adherence":       budgetAdherence,
	"time_efficiency":        timeEfficiency,
	"failure_penalty":        failurePenalty,
	"communication_activity": communicationActivity,
}

func completionFraction(_ context.Context, w *workflow.Workflow, _ *RubricContext) (float64, string, error) {
	counts := w.StatusCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0, "workflow has no atomic tasks", nil
	}
	frac := float64(counts[domain.TaskStatusCompleted]) / float64(total)
	return frac, fmt.Sprintf("%d of %d atomic tasks completed", counts[domain.TaskStatusCompleted], total), nil
}

func budgetAdherence(_ context.Context, w *workflow.Workflow, _ *RubricContext) (float64, string, error) {
	budget := w.TotalBudget()
	if budget <= 0 {
		return 1, "no budget configured", nil
	}
	if w.TotalCost <= budget {
		return 1, fmt.Sprintf("spent %.2f of %.2f budget", w.TotalCost, budget), nil
	}
	overrun := (w.TotalCost - budget) / budget
	score := 1 - overrun
	if score < 0 {
		score = 0
	}
	return score, fmt.Sprintf("over budget by %.0f%%", overrun*100), nil
}

func timeEfficiency(_ context.Context, w *workflow.Workflow, _ *RubricContext) (float64, string, error) {
	expected := w.TotalExpectedHours()
	if expected <= 0 || w.TotalSimulatedHours <= 0 {
		return 1, "no time spent yet", nil
	}
	ratio := expected / w.TotalSimulatedHours
	if ratio > 1 {
		ratio = 1
	}
	return ratio, fmt.Sprintf("spent %.1fh against %.1fh estimated", w.TotalSimulatedHours, expected), nil
}

func failurePenalty(_ context.Context, w *workflow.Workflow, _ *RubricContext) (float64, string, error) {
	counts := w.StatusCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 1, "workflow has no atomic tasks", nil
	}
	frac := float64(counts[domain.TaskStatusFailed]) / float64(total)
	return 1 - frac, fmt.Sprintf("%d failed tasks", counts[domain.TaskStatusFailed]), nil
}

func communicationActivity(_ context.Context, _ *workflow.Workflow, rc *RubricContext) (float64, string, error) {
	if rc == nil || len(rc.CommsBySender) == 0 {
		return 0, "no communication recorded", nil
	}
	total := 0
	for _, g := range rc.CommsBySender {
		total += len(g.Messages)
	}
	// Saturates at ten messages; activity beyond that is not rewarded.
	score := float64(total) / 10
	if score > 1 {
		score = 1
	}
	return score, fmt.Sprintf("%d messages across %d senders", total, len(rc.CommsBySender)), nil
}

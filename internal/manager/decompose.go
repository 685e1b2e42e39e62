package manager

import (
	"context"
	"fmt"
	"math/rand"

	"managym/internal/domain"
	"managym/internal/workflow"
)

// StaticDecomposer splits a task into a fixed-size chain of phases without
// calling out to a model. Useful as a default and in tests.
type StaticDecomposer struct {
	Parts int
}

var phaseNames = []string{"research", "draft", "review", "finalize", "verify"}

func (d StaticDecomposer) Decompose(_ context.Context, task *domain.Task, _ string, seed int64) ([]*domain.Task, error) {
	parts := d.Parts
	if parts <= 0 {
		parts = 3
	}
	if parts > len(phaseNames) {
		parts = len(phaseNames)
	}
	rng := rand.New(rand.NewSource(seed))
	hours := task.EstimatedDurationHours / float64(parts)
	cost := task.EstimatedCost / float64(parts)

	subtasks := make([]*domain.Task, 0, parts)
	var prev string
	for i := 0; i < parts; i++ {
		name := fmt.Sprintf("%s: %s", task.Name, phaseNames[i])
		desc := fmt.Sprintf("Phase %d of %d for %q.", i+1, parts, task.Name)
		var st *domain.Task
		if prev == "" {
			st = workflow.NewTask(name, desc)
		} else {
			st = workflow.NewTask(name, desc, prev)
		}
		// Jitter keeps subtask estimates from being suspiciously uniform.
		st.EstimatedDurationHours = hours * (0.8 + 0.4*rng.Float64())
		st.EstimatedCost = cost
		prev = st.ID
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

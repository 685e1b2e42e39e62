package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"managym/internal/domain"
	"managym/internal/workflow"
)

const scoringInstructions = "You grade one criterion of a project workflow. " +
	"Reply with a single JSON object: {\"score\": <number>, \"reasoning\": \"<one sentence>\"}. " +
	"The score must be between 0 and the stated maximum."

// Scorer turns a completion provider into a rubric scorer.
type Scorer struct {
	provider Provider
}

func NewScorer(provider Provider) *Scorer {
	return &Scorer{provider: provider}
}

func (s *Scorer) Score(ctx context.Context, model, prompt string, maxScore float64, seed int64) (float64, string, error) {
	full := fmt.Sprintf("%s\n\nMaximum score: %g", prompt, maxScore)
	raw, err := s.provider.Complete(ctx, model, scoringInstructions, full, seed)
	if err != nil {
		return 0, "", err
	}
	score, reasoning, err := parseScore(raw)
	if err != nil {
		return 0, "", fmt.Errorf("parse score: %w; output: %s", err, clip(raw, 400))
	}
	return score, reasoning, nil
}

func parseScore(raw string) (float64, string, error) {
	var out struct {
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	}
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return 0, "", fmt.Errorf("no JSON object in output")
	}
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return 0, "", err
	}
	return out.Score, out.Reasoning, nil
}

// extractJSONObject tolerates prose or code fences around the object.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const decomposeInstructions = "You split one project task into concrete subtasks. " +
	"Reply with a single JSON array: [{\"name\": \"...\", \"description\": \"...\", " +
	"\"estimated_hours\": <number>, \"depends_on_previous\": <bool>}, ...]. " +
	"Three to five subtasks, each independently executable."

// Decomposer asks the model to split a task into subtasks.
type Decomposer struct {
	provider Provider
	model    string
}

func NewDecomposer(provider Provider, model string) *Decomposer {
	return &Decomposer{provider: provider, model: model}
}

func (d *Decomposer) Decompose(ctx context.Context, task *domain.Task, workflowSummary string, seed int64) ([]*domain.Task, error) {
	prompt := fmt.Sprintf("Workflow:\n%s\n\nTask to split: %s\nDescription: %s\nEstimated hours: %g",
		workflowSummary, task.Name, task.Description, task.EstimatedDurationHours)
	raw, err := d.provider.Complete(ctx, d.model, decomposeInstructions, prompt, seed)
	if err != nil {
		return nil, err
	}

	var items []struct {
		Name              string  `json:"name"`
		Description       string  `json:"description"`
		EstimatedHours    float64 `json:"estimated_hours"`
		DependsOnPrevious bool    `json:"depends_on_previous"`
	}
	candidate := extractJSONArray(raw)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON array in output: %s", clip(raw, 400))
	}
	if err := json.Unmarshal([]byte(candidate), &items); err != nil {
		return nil, fmt.Errorf("decode subtasks: %w", err)
	}

	var subtasks []*domain.Task
	var prev string
	for _, item := range items {
		if item.Name == "" {
			continue
		}
		var st *domain.Task
		if item.DependsOnPrevious && prev != "" {
			st = workflow.NewTask(item.Name, item.Description, prev)
		} else {
			st = workflow.NewTask(item.Name, item.Description)
		}
		st.EstimatedDurationHours = item.EstimatedHours
		prev = st.ID
		subtasks = append(subtasks, st)
	}
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("model produced no usable subtasks")
	}
	return subtasks, nil
}

func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

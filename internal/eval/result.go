package eval

import "time"

// RubricResult is one rubric's outcome. A failed rubric scores zero and
// carries the error text.
type RubricResult struct {
	Name            string  `json:"name"`
	Score           float64 `json:"score"`
	MaxScore        float64 `json:"max_score"`
	NormalizedScore float64 `json:"normalized_score"`
	Reasoning       string  `json:"reasoning,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// RubricGroupResult is one evaluator's outcome: per-rubric breakdown plus
// the weighted-by-max group score.
type RubricGroupResult struct {
	EvaluatorName string         `json:"evaluator_name"`
	Rubrics       []RubricResult `json:"rubrics"`
	RawSum        float64        `json:"raw_sum"`
	MaxSum        float64        `json:"max_sum"`
	Score         float64        `json:"score"`
}

// PreferenceScore is one preference's aggregated outcome at a timestep.
type PreferenceScore struct {
	Name    string            `json:"name"`
	Weight  float64           `json:"weight"`
	Score   float64           `json:"score"`
	Details RubricGroupResult `json:"details"`
}

// EvaluationResult is the immutable snapshot produced by one validation
// pass.
type EvaluationResult struct {
	Timestep                int                 `json:"timestep"`
	Cadence                 RunCondition        `json:"cadence"`
	PreferenceScores        []PreferenceScore   `json:"preference_scores"`
	WorkflowEvaluations     []RubricGroupResult `json:"workflow_evaluations,omitempty"`
	WeightedPreferenceTotal float64             `json:"weighted_preference_total"`
	EvaluatedAt             time.Time           `json:"evaluated_at"`
}

func (r *EvaluationResult) Score(name string) (PreferenceScore, bool) {
	for _, ps := range r.PreferenceScores {
		if ps.Name == name {
			return ps, true
		}
	}
	return PreferenceScore{}, false
}

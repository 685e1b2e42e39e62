package eval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/workflow"
)

// RunCondition is a rubric's evaluation cadence.
type RunCondition string

const (
	RunEachTimestep RunCondition = "each_timestep"
	RunOnCompletion RunCondition = "on_completion"
	RunBoth         RunCondition = "both"
)

// CadenceMatches reports whether a rubric with condition rc is due for an
// evaluation pass requested at cadence.
func CadenceMatches(rc, cadence RunCondition) bool {
	return rc == RunBoth || cadence == RunBoth || rc == cadence
}

// ContextItem names one optional slice of run state a rubric may declare it
// needs; contexts are built on demand so unused state is never assembled.
type ContextItem string

const (
	ContextManagerActions     ContextItem = "manager_actions"
	ContextCommsBySender      ContextItem = "comms_by_sender"
	ContextCommsByThread      ContextItem = "comms_by_thread"
	ContextPreferenceHistory  ContextItem = "preference_history"
	ContextStakeholderProfile ContextItem = "stakeholder_profile"
	ContextResourcesByTask    ContextItem = "resources_by_task"
	ContextAgentPublicStates  ContextItem = "agent_public_states"
)

// ActionBrief is the evaluation-facing view of one executed manager action.
type ActionBrief struct {
	Timestep int    `json:"timestep"`
	Type     string `json:"type"`
	Summary  string `json:"summary"`
	Success  bool   `json:"success"`
}

// RubricContext carries the optional state slices a rubric declared via
// RequiredContext. Fields outside the declared set stay zero.
type RubricContext struct {
	Timestep           int
	ManagerActions     []ActionBrief
	CommsBySender      []comms.SenderGroup
	CommsByThread      []comms.ThreadGroup
	PreferenceHistory  []*PreferenceChange
	StakeholderProfile string
	ResourcesByTask    map[string][]*domain.Resource
	AgentPublicStates  map[string]string
}

// ContextBuilder assembles a RubricContext limited to the requested items.
// The engine supplies one per evaluation pass.
type ContextBuilder func(items []ContextItem) *RubricContext

// RubricFunc is the single scoring entry point every code-backed rubric
// implements.
type RubricFunc func(ctx context.Context, w *workflow.Workflow, rc *RubricContext) (score float64, reasoning string, err error)

// LLMScorer runs prompt-backed rubrics. Implemented by internal/llm.
type LLMScorer interface {
	Score(ctx context.Context, model, prompt string, maxScore float64, seed int64) (float64, string, error)
}

// Rubric is one scoring criterion: exactly one of Fn or LLMPrompt, a
// positive max score, and a run-condition cadence.
type Rubric struct {
	Name            string
	MaxScore        float64
	Fn              RubricFunc
	LLMPrompt       string
	LLMModel        string
	RunCondition    RunCondition
	RequiredContext []ContextItem
}

func (r *Rubric) Validate() error {
	if r.Name == "" {
		return errors.New("eval: rubric needs a name")
	}
	if r.MaxScore <= 0 {
		return fmt.Errorf("eval: rubric %q max score must be positive", r.Name)
	}
	hasFn := r.Fn != nil
	hasPrompt := r.LLMPrompt != ""
	if hasFn == hasPrompt {
		return fmt.Errorf("eval: rubric %q needs exactly one of function or llm prompt", r.Name)
	}
	return nil
}

func (r *Rubric) condition() RunCondition {
	if r.RunCondition == "" {
		return RunEachTimestep
	}
	return r.RunCondition
}

// AggregationStrategy folds normalized rubric scores when weighted-by-max
// aggregation has nothing to work with.
type AggregationStrategy string

const (
	AggregateWeightedAverage AggregationStrategy = "weighted_average"
	AggregateMin             AggregationStrategy = "min"
	AggregateMax             AggregationStrategy = "max"
	AggregateProduct         AggregationStrategy = "product"
	AggregateHarmonicMean    AggregationStrategy = "harmonic_mean"
)

func (s AggregationStrategy) Aggregate(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch s {
	case AggregateMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case AggregateMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case AggregateProduct:
		p := 1.0
		for _, v := range values {
			p *= v
		}
		return p
	case AggregateHarmonicMean:
		var sum float64
		for _, v := range values {
			if v <= 0 {
				return 0
			}
			sum += 1 / v
		}
		return float64(len(values)) / sum
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

// Evaluator is a named rubric group, attached to a preference or standalone
// to the workflow.
type Evaluator struct {
	Name        string
	Aggregation AggregationStrategy
	Rubrics     []*Rubric
}

func (e *Evaluator) Validate() error {
	if e.Name == "" {
		return errors.New("eval: evaluator needs a name")
	}
	for _, r := range e.Rubrics {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

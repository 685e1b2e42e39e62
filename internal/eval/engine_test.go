package eval

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"managym/internal/workflow"
)

func newTestEngine(cfg EngineConfig) *Engine {
	return NewEngine(cfg, nil, log.New(io.Discard, "", 0))
}

func constRubric(name string, score, max float64) *Rubric {
	return &Rubric{
		Name:     name,
		MaxScore: max,
		Fn: func(context.Context, *workflow.Workflow, *RubricContext) (float64, string, error) {
			return score, "fixed", nil
		},
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	pw := NewPreferenceWeights(
		&Preference{Name: "quality", Weight: 2},
		&Preference{Name: "speed", Weight: 1},
		&Preference{Name: "cost", Weight: 1},
	)
	once := pw.Normalize()
	twice := once.Normalize()

	var sum float64
	for _, p := range twice.Preferences {
		sum += p.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("weights sum = %v", sum)
	}
	for i := range once.Preferences {
		if math.Abs(once.Preferences[i].Weight-twice.Preferences[i].Weight) > 1e-9 {
			t.Fatalf("normalize not idempotent: %v vs %v",
				once.Preferences[i].Weight, twice.Preferences[i].Weight)
		}
	}
	if once.Preferences[0].Weight != 0.5 {
		t.Fatalf("quality weight = %v, want 0.5", once.Preferences[0].Weight)
	}
}

func TestNormalizeZeroTotalSplitsEqually(t *testing.T) {
	pw := NewPreferenceWeights(
		&Preference{Name: "a", Weight: 0},
		&Preference{Name: "b", Weight: 0},
	)
	n := pw.Normalize()
	if n.Preferences[0].Weight != 0.5 || n.Preferences[1].Weight != 0.5 {
		t.Fatalf("weights = %v", n.WeightMap())
	}
}

func TestWeightedByMaxAggregation(t *testing.T) {
	w := workflow.New("wf", "")
	prefs := NewPreferenceWeights(&Preference{
		Name:   "quality",
		Weight: 1,
		Evaluator: &Evaluator{
			Name: "quality-eval",
			Rubrics: []*Rubric{
				constRubric("full marks", 1, 1),
				constRubric("zero marks", 0, 1),
			},
		},
	})
	e := newTestEngine(EngineConfig{})
	res, err := e.Evaluate(context.Background(), w, prefs, nil, 0, RunEachTimestep, nil, false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	ps, ok := res.Score("quality")
	if !ok {
		t.Fatal("missing preference score")
	}
	if ps.Score != 0.5 {
		t.Fatalf("score = %v, want 0.5", ps.Score)
	}
	if res.WeightedPreferenceTotal != 0.5 {
		t.Fatalf("total = %v, want 0.5", res.WeightedPreferenceTotal)
	}
}

func TestRubricClamping(t *testing.T) {
	w := workflow.New("wf", "")
	prefs := NewPreferenceWeights(&Preference{
		Name:   "p",
		Weight: 1,
		Evaluator: &Evaluator{
			Name:    "ev",
			Rubrics: []*Rubric{constRubric("overshoots", 15, 10)},
		},
	})
	e := newTestEngine(EngineConfig{})
	res, err := e.Evaluate(context.Background(), w, prefs, nil, 0, RunEachTimestep, nil, false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	r := res.PreferenceScores[0].Details.Rubrics[0]
	if r.Score != 10 || r.NormalizedScore != 1.0 {
		t.Fatalf("rubric = %+v, want clamped to max", r)
	}
}

func TestFailingRubricScoresZeroWithoutBlockingSiblings(t *testing.T) {
	w := workflow.New("wf", "")
	prefs := NewPreferenceWeights(&Preference{
		Name:   "p",
		Weight: 1,
		Evaluator: &Evaluator{
			Name: "ev",
			Rubrics: []*Rubric{
				{
					Name:     "explodes",
					MaxScore: 1,
					Fn: func(context.Context, *workflow.Workflow, *RubricContext) (float64, string, error) {
						return 0, "", errors.New("boom")
					},
				},
				constRubric("healthy", 1, 1),
			},
		},
	})
	e := newTestEngine(EngineConfig{})
	res, err := e.Evaluate(context.Background(), w, prefs, nil, 0, RunEachTimestep, nil, false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	rubrics := res.PreferenceScores[0].Details.Rubrics
	if rubrics[0].Error == "" || rubrics[0].Score != 0 {
		t.Fatalf("failed rubric = %+v", rubrics[0])
	}
	if rubrics[1].Score != 1 {
		t.Fatalf("sibling rubric = %+v", rubrics[1])
	}
	if res.PreferenceScores[0].Score != 0.5 {
		t.Fatalf("score = %v, want 0.5", res.PreferenceScores[0].Score)
	}
}

func TestCadenceSelection(t *testing.T) {
	w := workflow.New("wf", "")
	completion := constRubric("final only", 1, 1)
	completion.RunCondition = RunOnCompletion
	every := constRubric("every step", 1, 1)
	every.RunCondition = RunEachTimestep

	prefs := NewPreferenceWeights(&Preference{
		Name:   "p",
		Weight: 1,
		Evaluator: &Evaluator{
			Name:    "ev",
			Rubrics: []*Rubric{completion, every},
		},
	})

	e := newTestEngine(EngineConfig{})
	res, err := e.Evaluate(context.Background(), w, prefs, nil, 3, RunEachTimestep, nil, false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := len(res.PreferenceScores[0].Details.Rubrics); got != 1 {
		t.Fatalf("scheduled rubrics = %d, want 1", got)
	}

	// Forced timestep overrides cadence for all rubrics.
	forced := newTestEngine(EngineConfig{SelectedTimesteps: []int{3}})
	res, err = forced.Evaluate(context.Background(), w, prefs, nil, 3, RunEachTimestep, nil, false)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := len(res.PreferenceScores[0].Details.Rubrics); got != 2 {
		t.Fatalf("forced rubrics = %d, want 2", got)
	}
}

func TestFloatingEvaluatorsReportedSeparately(t *testing.T) {
	w := workflow.New("wf", "")
	prefs := NewPreferenceWeights(&Preference{Name: "p", Weight: 1})
	floating := []*Evaluator{{
		Name:    "compliance",
		Rubrics: []*Rubric{constRubric("audit", 1, 2)},
	}}

	e := newTestEngine(EngineConfig{})
	res, err := e.Evaluate(context.Background(), w, prefs, floating, 0, RunEachTimestep, nil, true)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.WorkflowEvaluations) != 1 || res.WorkflowEvaluations[0].Score != 0.5 {
		t.Fatalf("floating = %+v", res.WorkflowEvaluations)
	}
	// Preference with no evaluator scored zero; floating score must not leak
	// into the stakeholder total.
	if res.WeightedPreferenceTotal != 0 {
		t.Fatalf("total = %v, want 0", res.WeightedPreferenceTotal)
	}
	if len(e.History()) != 1 {
		t.Fatalf("history = %d, want 1", len(e.History()))
	}
}

func TestHistoryOnlyOnCadenceTriggeredRuns(t *testing.T) {
	w := workflow.New("wf", "")
	prefs := NewPreferenceWeights(&Preference{Name: "p", Weight: 1})
	e := newTestEngine(EngineConfig{})
	if _, err := e.Evaluate(context.Background(), w, prefs, nil, 0, RunEachTimestep, nil, false); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(e.History()) != 0 {
		t.Fatal("ad-hoc evaluation must not append history")
	}
}

func TestWeightUpdateModes(t *testing.T) {
	base := NewPreferenceWeights(
		&Preference{Name: "quality", Weight: 0.5},
		&Preference{Name: "speed", Weight: 0.5},
	)

	updated, change, err := base.Apply(WeightUpdateRequest{
		Timestep:  2,
		Changes:   map[string]float64{"quality": 0.25},
		Mode:      UpdateModeDelta,
		Normalize: true,
	})
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := updated.WeightMap()["quality"]; math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("quality = %v, want 0.6", got)
	}
	if change.Timestep != 2 || change.PreviousWeights["quality"] != 0.5 {
		t.Fatalf("change = %+v", change)
	}

	updated, _, err = base.Apply(WeightUpdateRequest{
		Changes:   map[string]float64{"speed": 3},
		Mode:      UpdateModeMultiplier,
		Normalize: true,
	})
	if err != nil {
		t.Fatalf("multiplier: %v", err)
	}
	if got := updated.WeightMap()["speed"]; math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("speed = %v, want 0.75", got)
	}

	updated, _, err = base.Apply(WeightUpdateRequest{
		Changes:   map[string]float64{"quality": 1},
		Mode:      UpdateModeAbsolute,
		Normalize: true,
	})
	if err != nil {
		t.Fatalf("absolute: %v", err)
	}
	if got := updated.WeightMap()["quality"]; math.Abs(got-float64(2)/3) > 1e-9 {
		t.Fatalf("quality = %v, want 2/3", got)
	}
}

func TestWeightUpdateMissingPolicies(t *testing.T) {
	base := NewPreferenceWeights(&Preference{Name: "quality", Weight: 1})

	if _, _, err := base.Apply(WeightUpdateRequest{
		Changes: map[string]float64{"novel": 1},
		Mode:    UpdateModeDelta,
		Missing: MissingError,
	}); !errors.Is(err, ErrUnknownPreference) {
		t.Fatalf("err = %v, want ErrUnknownPreference", err)
	}

	updated, _, err := base.Apply(WeightUpdateRequest{
		Changes: map[string]float64{"novel": 0.5},
		Mode:    UpdateModeDelta,
		Missing: MissingCreateZero,
	})
	if err != nil {
		t.Fatalf("create_zero: %v", err)
	}
	if got := updated.WeightMap()["novel"]; got != 0.5 {
		t.Fatalf("novel = %v, want 0.5", got)
	}

	updated, _, err = base.Apply(WeightUpdateRequest{
		Changes: map[string]float64{"novel": 0.5},
		Mode:    UpdateModeDelta,
		Missing: MissingIgnore,
	})
	if err != nil {
		t.Fatalf("ignore: %v", err)
	}
	if _, ok := updated.Get("novel"); ok {
		t.Fatal("ignored name was created")
	}
}

func TestWeightUpdateClampZero(t *testing.T) {
	base := NewPreferenceWeights(
		&Preference{Name: "a", Weight: 0.2},
		&Preference{Name: "b", Weight: 0.8},
	)
	updated, _, err := base.Apply(WeightUpdateRequest{
		Changes:   map[string]float64{"a": -1},
		Mode:      UpdateModeDelta,
		ClampZero: true,
		Normalize: true,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	wm := updated.WeightMap()
	if wm["a"] != 0 || wm["b"] != 1 {
		t.Fatalf("weights = %v", wm)
	}
}

func TestRewardVectorAlignment(t *testing.T) {
	var v RewardVector
	v.Set(3, 0.7)
	if len(v) != 4 || v[0] != 0 || v[3] != 0.7 {
		t.Fatalf("vector = %v", v)
	}
	v.AlignTo(6)
	if len(v) != 6 || v.Last() != 0 {
		t.Fatalf("vector = %v", v)
	}
}

func TestComputeRewardFallback(t *testing.T) {
	res := &EvaluationResult{WeightedPreferenceTotal: 0.42}
	got := ComputeReward(res, panicAggregator{}, nil, log.New(io.Discard, "", 0))
	if got != 0.42 {
		t.Fatalf("reward = %v, want fallback 0.42", got)
	}
	doubled := ComputeReward(res, nil, func(r float64) float64 { return r * 2 }, nil)
	if doubled != 0.84 {
		t.Fatalf("reward = %v, want 0.84", doubled)
	}
}

type panicAggregator struct{}

func (panicAggregator) Aggregate(*EvaluationResult) float64 { panic("bad aggregator") }

func TestAggregationStrategies(t *testing.T) {
	values := []float64{0.5, 1.0}
	cases := []struct {
		strategy AggregationStrategy
		want     float64
	}{
		{AggregateWeightedAverage, 0.75},
		{AggregateMin, 0.5},
		{AggregateMax, 1.0},
		{AggregateProduct, 0.5},
		{AggregateHarmonicMean, 2.0 / 3.0},
	}
	for _, c := range cases {
		if got := c.strategy.Aggregate(values); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("%s = %v, want %v", c.strategy, got, c.want)
		}
	}
	if got := AggregateMin.Aggregate(nil); got != 0 {
		t.Fatalf("empty aggregate = %v", got)
	}
}

package eval

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"managym/internal/workflow"
)

const (
	defaultMaxConcurrentRubrics = 100
	defaultRubricTimeout        = 10 * time.Minute
)

// EngineConfig tunes the validation engine. Zero values take defaults.
type EngineConfig struct {
	MaxConcurrentRubrics int64
	RubricTimeout        time.Duration
	Seed                 int64
	// SelectedTimesteps forces a full evaluation (all rubrics regardless of
	// cadence) at the listed timesteps.
	SelectedTimesteps []int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrentRubrics <= 0 {
		c.MaxConcurrentRubrics = defaultMaxConcurrentRubrics
	}
	if c.RubricTimeout <= 0 {
		c.RubricTimeout = defaultRubricTimeout
	}
	return c
}

// Engine evaluates scheduled rubrics concurrently and aggregates them into
// per-preference scores and a weighted stakeholder utility total.
type Engine struct {
	cfg      EngineConfig
	logger   *log.Logger
	llm      LLMScorer
	selected map[int]struct{}

	mu      sync.Mutex
	history []*EvaluationResult
}

func NewEngine(cfg EngineConfig, llm LLMScorer, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	selected := map[int]struct{}{}
	for _, ts := range cfg.SelectedTimesteps {
		selected[ts] = struct{}{}
	}
	return &Engine{cfg: cfg, logger: logger, llm: llm, selected: selected}
}

// History returns the cadence-triggered evaluation snapshots in order.
func (e *Engine) History() []*EvaluationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*EvaluationResult(nil), e.history...)
}

// Evaluate runs one validation pass. recordHistory appends the snapshot to
// the engine history; ad-hoc recomputations pass false.
func (e *Engine) Evaluate(
	ctx context.Context,
	w *workflow.Workflow,
	prefs *PreferenceWeights,
	floating []*Evaluator,
	timestep int,
	cadence RunCondition,
	buildCtx ContextBuilder,
	recordHistory bool,
) (*EvaluationResult, error) {
	if buildCtx == nil {
		buildCtx = func([]ContextItem) *RubricContext { return &RubricContext{Timestep: timestep} }
	}
	_, forced := e.selected[timestep]

	normalized := prefs.Normalize()
	result := &EvaluationResult{
		Timestep:    timestep,
		Cadence:     cadence,
		EvaluatedAt: time.Now().UTC(),
	}

	sem := semaphore.NewWeighted(e.cfg.MaxConcurrentRubrics)
	g, gctx := errgroup.WithContext(ctx)

	type slot struct {
		group  *RubricGroupResult
		index  int
		rubric *Rubric
	}
	var slots []slot

	prefScores := make([]PreferenceScore, len(normalized.Preferences))
	for i, p := range normalized.Preferences {
		prefScores[i] = PreferenceScore{Name: p.Name, Weight: p.Weight}
		group := &prefScores[i].Details
		group.EvaluatorName = p.Name
		if p.Evaluator != nil {
			group.EvaluatorName = p.Evaluator.Name
			scheduled := scheduledRubrics(p.Evaluator, cadence, forced)
			group.Rubrics = make([]RubricResult, len(scheduled))
			for j, r := range scheduled {
				slots = append(slots, slot{group: group, index: j, rubric: r})
			}
		}
	}

	floatGroups := make([]RubricGroupResult, len(floating))
	for i, ev := range floating {
		floatGroups[i].EvaluatorName = ev.Name
		scheduled := scheduledRubrics(ev, cadence, forced)
		floatGroups[i].Rubrics = make([]RubricResult, len(scheduled))
		for j, r := range scheduled {
			slots = append(slots, slot{group: &floatGroups[i], index: j, rubric: r})
		}
	}

	for _, s := range slots {
		s := s
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				s.group.Rubrics[s.index] = failedRubric(s.rubric, err)
				return nil
			}
			defer sem.Release(1)
			s.group.Rubrics[s.index] = e.runRubric(gctx, w, s.rubric, buildCtx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range prefScores {
		finishGroup(&prefScores[i].Details,
			strategyFor(normalized.Preferences[i].Evaluator))
		prefScores[i].Score = prefScores[i].Details.Score
		result.WeightedPreferenceTotal += prefScores[i].Weight * prefScores[i].Score
	}
	for i := range floatGroups {
		finishGroup(&floatGroups[i], floating[i].Aggregation)
	}
	result.PreferenceScores = prefScores
	result.WorkflowEvaluations = floatGroups

	if recordHistory {
		e.mu.Lock()
		e.history = append(e.history, result)
		e.mu.Unlock()
	}
	e.logger.Printf("eval: timestep=%d cadence=%s rubrics=%d total=%.4f",
		timestep, cadence, len(slots), result.WeightedPreferenceTotal)
	return result, nil
}

// runRubric executes one rubric with its minimal context under the rubric
// timeout. Failures never escape: they become a zero score with error text.
func (e *Engine) runRubric(ctx context.Context, w *workflow.Workflow, r *Rubric, buildCtx ContextBuilder) (out RubricResult) {
	out = RubricResult{Name: r.Name, MaxScore: r.MaxScore}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Printf("eval: rubric %q panic: %v", r.Name, rec)
			out.Score = 0
			out.NormalizedScore = 0
			out.Error = "rubric panic"
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RubricTimeout)
	defer cancel()

	var (
		score     float64
		reasoning string
		err       error
	)
	switch {
	case r.Fn != nil:
		score, reasoning, err = r.Fn(rctx, w, buildCtx(r.RequiredContext))
	case r.LLMPrompt != "":
		if e.llm == nil {
			err = errors.New("no llm scorer configured")
		} else {
			score, reasoning, err = e.llm.Score(rctx, r.LLMModel, r.LLMPrompt, r.MaxScore, e.cfg.Seed)
		}
	}
	if err != nil {
		e.logger.Printf("eval: rubric %q failed: %v", r.Name, err)
		return failedRubric(r, err)
	}
	out.Score = clamp(score, 0, r.MaxScore)
	out.NormalizedScore = out.Score / r.MaxScore
	out.Reasoning = reasoning
	return out
}

func failedRubric(r *Rubric, err error) RubricResult {
	return RubricResult{Name: r.Name, MaxScore: r.MaxScore, Error: err.Error()}
}

func scheduledRubrics(ev *Evaluator, cadence RunCondition, forced bool) []*Rubric {
	var out []*Rubric
	for _, r := range ev.Rubrics {
		if forced || CadenceMatches(r.condition(), cadence) {
			out = append(out, r)
		}
	}
	return out
}

func strategyFor(ev *Evaluator) AggregationStrategy {
	if ev == nil {
		return AggregateWeightedAverage
	}
	return ev.Aggregation
}

// finishGroup applies weighted-by-max aggregation: sum of clamped raw scores
// over sum of max scores. The configured strategy is only a fallback for
// groups where no rubric produced a max score.
func finishGroup(g *RubricGroupResult, fallback AggregationStrategy) {
	for _, r := range g.Rubrics {
		g.RawSum += r.Score
		g.MaxSum += r.MaxScore
	}
	if g.MaxSum > 0 {
		g.Score = g.RawSum / g.MaxSum
		return
	}
	var normalized []float64
	for _, r := range g.Rubrics {
		normalized = append(normalized, r.NormalizedScore)
	}
	g.Score = fallback.Aggregate(normalized)
}

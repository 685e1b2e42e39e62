package eval

import "log"

// RewardAggregator maps an evaluation snapshot to a reward value. The
// default is the scalar weighted preference total.
type RewardAggregator interface {
	Aggregate(result *EvaluationResult) float64
}

// RewardProjection maps an aggregated reward to the float handed to
// RL-style consumers.
type RewardProjection func(float64) float64

// WeightedTotalAggregator is the default reward: the stakeholder utility
// total as-is.
type WeightedTotalAggregator struct{}

func (WeightedTotalAggregator) Aggregate(result *EvaluationResult) float64 {
	if result == nil {
		return 0
	}
	return result.WeightedPreferenceTotal
}

// ComputeReward folds an evaluation through the aggregator and projection.
// Any panic falls back to the weighted preference total.
func ComputeReward(result *EvaluationResult, agg RewardAggregator, proj RewardProjection, logger *log.Logger) (reward float64) {
	fallback := 0.0
	if result != nil {
		fallback = result.WeightedPreferenceTotal
	}
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Printf("eval: reward aggregation panic, falling back to weighted total: %v", r)
			}
			reward = fallback
		}
	}()
	if agg == nil {
		agg = WeightedTotalAggregator{}
	}
	reward = agg.Aggregate(result)
	if proj != nil {
		reward = proj(reward)
	}
	return reward
}

// RewardVector is the timestep-aligned reward history; gaps where no
// evaluation ran stay zero.
type RewardVector []float64

// Set records a reward at a timestep, zero-filling any gap.
func (v *RewardVector) Set(timestep int, reward float64) {
	for len(*v) <= timestep {
		*v = append(*v, 0)
	}
	(*v)[timestep] = reward
}

// AlignTo zero-fills the vector so it covers timesteps [0, n).
func (v *RewardVector) AlignTo(n int) {
	for len(*v) < n {
		*v = append(*v, 0)
	}
}

func (v RewardVector) Last() float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

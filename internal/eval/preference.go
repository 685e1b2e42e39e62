// Package eval scores workflow state against stakeholder preferences using
// rubric-based evaluators, and derives per-timestep rewards.
package eval

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownPreference = errors.New("eval: unknown preference name")

// Preference is one named stakeholder objective with a weight in [0,1] and
// an optional evaluator that can score it.
type Preference struct {
	Name      string     `json:"name"`
	Weight    float64    `json:"weight"`
	Evaluator *Evaluator `json:"-"`
}

// PreferenceWeights is a weight snapshot over all preferences. Normalize
// rescales weights to sum to 1; a snapshot whose weights sum to zero
// normalizes to equal weights.
type PreferenceWeights struct {
	Preferences []*Preference `json:"preferences"`
}

func NewPreferenceWeights(prefs ...*Preference) *PreferenceWeights {
	return &PreferenceWeights{Preferences: prefs}
}

func (pw *PreferenceWeights) Normalize() *PreferenceWeights {
	var total float64
	for _, p := range pw.Preferences {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	out := make([]*Preference, 0, len(pw.Preferences))
	for _, p := range pw.Preferences {
		w := p.Weight
		if total <= 0 {
			if len(pw.Preferences) > 0 {
				w = 1.0 / float64(len(pw.Preferences))
			}
		} else {
			if w < 0 {
				w = 0
			}
			w = w / total
		}
		out = append(out, &Preference{Name: p.Name, Weight: w, Evaluator: p.Evaluator})
	}
	return &PreferenceWeights{Preferences: out}
}

func (pw *PreferenceWeights) WeightMap() map[string]float64 {
	out := map[string]float64{}
	for _, p := range pw.Preferences {
		out[p.Name] = p.Weight
	}
	return out
}

func (pw *PreferenceWeights) Get(name string) (*Preference, bool) {
	for _, p := range pw.Preferences {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Summary renders "name=weight" pairs sorted by name, for logs and the
// stakeholder public profile.
func (pw *PreferenceWeights) Summary() string {
	parts := make([]string, 0, len(pw.Preferences))
	for _, p := range pw.Preferences {
		parts = append(parts, fmt.Sprintf("%s=%.2f", p.Name, p.Weight))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func (pw *PreferenceWeights) clone() *PreferenceWeights {
	out := make([]*Preference, 0, len(pw.Preferences))
	for _, p := range pw.Preferences {
		cp := *p
		out = append(out, &cp)
	}
	return &PreferenceWeights{Preferences: out}
}

// PreferenceChange records one applied weight update on the stakeholder
// timeline.
type PreferenceChange struct {
	Timestep        int                `json:"timestep"`
	PreviousWeights map[string]float64 `json:"previous_weights"`
	NewWeights      map[string]float64 `json:"new_weights"`
	TriggerReason   string             `json:"trigger_reason,omitempty"`
}

// Weight update request semantics.
const (
	UpdateModeDelta      = "delta"
	UpdateModeMultiplier = "multiplier"
	UpdateModeAbsolute   = "absolute"

	MissingError      = "error"
	MissingIgnore     = "ignore"
	MissingCreateZero = "create_zero"

	RedistributionProportional = "proportional"
	RedistributionUniform      = "uniform"
)

// WeightUpdateRequest is the wire shape of a stakeholder weight update.
type WeightUpdateRequest struct {
	Timestep       int                `json:"timestep"`
	Changes        map[string]float64 `json:"changes"`
	Mode           string             `json:"mode"`
	Normalize      bool               `json:"normalize"`
	ClampZero      bool               `json:"clamp_zero"`
	Missing        string             `json:"missing"`
	Redistribution string             `json:"redistribution"`
}

// Apply evaluates a weight update against the current snapshot and returns
// the updated snapshot with a change record. The receiver is not mutated.
func (pw *PreferenceWeights) Apply(req WeightUpdateRequest) (*PreferenceWeights, *PreferenceChange, error) {
	updated := pw.clone()
	prev := pw.WeightMap()

	byName := map[string]*Preference{}
	for _, p := range updated.Preferences {
		byName[p.Name] = p
	}
	for name := range req.Changes {
		if _, ok := byName[name]; ok {
			continue
		}
		switch req.Missing {
		case MissingIgnore:
		case MissingCreateZero:
			p := &Preference{Name: name, Weight: 0}
			byName[name] = p
			updated.Preferences = append(updated.Preferences, p)
		default:
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPreference, name)
		}
	}

	switch req.Mode {
	case UpdateModeDelta:
		for name, delta := range req.Changes {
			if p, ok := byName[name]; ok {
				p.Weight += delta
			}
		}
	case UpdateModeMultiplier:
		for name, factor := range req.Changes {
			if p, ok := byName[name]; ok {
				p.Weight *= factor
			}
		}
	case UpdateModeAbsolute:
		specified := map[string]struct{}{}
		var totalSpecified float64
		for name, v := range req.Changes {
			if p, ok := byName[name]; ok {
				p.Weight = v
				specified[name] = struct{}{}
				if v > 0 {
					totalSpecified += v
				}
			}
		}
		// With uniform redistribution and no positive mass specified, the
		// unspecified names share the whole budget equally.
		if req.Redistribution == RedistributionUniform && totalSpecified <= 0 && len(updated.Preferences) > 0 {
			equal := 1.0 / float64(len(updated.Preferences))
			for _, p := range updated.Preferences {
				p.Weight = equal
			}
		}
	default:
		return nil, nil, fmt.Errorf("eval: unsupported update mode %q", req.Mode)
	}

	if req.ClampZero {
		for _, p := range updated.Preferences {
			if p.Weight < 0 {
				p.Weight = 0
			}
		}
	}
	if req.Normalize {
		updated = updated.Normalize()
	}

	change := &PreferenceChange{
		Timestep:        req.Timestep,
		PreviousWeights: prev,
		NewWeights:      updated.WeightMap(),
	}
	return updated, change, nil
}

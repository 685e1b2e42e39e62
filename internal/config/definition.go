package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"managym/internal/agent"
	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/eval"
	"managym/internal/workflow"
)

// Definition is a yaml workflow description: task tree, team roster,
// stakeholder persona and preference set.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Tasks       []TaskDef       `yaml:"tasks"`
	Agents      []AgentDef      `yaml:"agents"`
	Stakeholder *StakeholderDef `yaml:"stakeholder,omitempty"`
	Preferences []PreferenceDef `yaml:"preferences"`
}

type TaskDef struct {
	Name           string    `yaml:"name"`
	Description    string    `yaml:"description,omitempty"`
	EstimatedHours float64   `yaml:"estimated_hours,omitempty"`
	EstimatedCost  float64   `yaml:"estimated_cost,omitempty"`
	DependsOn      []string  `yaml:"depends_on,omitempty"`
	Subtasks       []TaskDef `yaml:"subtasks,omitempty"`
}

type AgentDef struct {
	ID            string  `yaml:"id"`
	Type          string  `yaml:"type,omitempty"`
	Description   string  `yaml:"description,omitempty"`
	WorkHours     float64 `yaml:"work_hours,omitempty"`
	HourlyRate    float64 `yaml:"hourly_rate,omitempty"`
	FailureRate   float64 `yaml:"failure_rate,omitempty"`
	MaxConcurrent int     `yaml:"max_concurrent,omitempty"`
	// JoinAt schedules the agent to be added at a later timestep; LeaveAt
	// schedules removal.
	JoinAt  int  `yaml:"join_at,omitempty"`
	LeaveAt *int `yaml:"leave_at,omitempty"`
}

type StakeholderDef struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name,omitempty"`
	Role        string `yaml:"role,omitempty"`
	Description string `yaml:"description,omitempty"`

	Verbosity       int     `yaml:"verbosity,omitempty"`
	ReplyRate       float64 `yaml:"reply_rate,omitempty"`
	PushProbability float64 `yaml:"push_probability,omitempty"`
	SuggestionRate  float64 `yaml:"suggestion_rate,omitempty"`
	LatencyMin      int     `yaml:"latency_min,omitempty"`
	LatencyMax      int     `yaml:"latency_max,omitempty"`
}

type PreferenceDef struct {
	Name    string      `yaml:"name"`
	Weight  float64     `yaml:"weight"`
	Rubrics []RubricDef `yaml:"rubrics"`
}

type RubricDef struct {
	Name            string   `yaml:"name"`
	MaxScore        float64  `yaml:"max_score"`
	Builtin         string   `yaml:"builtin,omitempty"`
	Prompt          string   `yaml:"prompt,omitempty"`
	Model           string   `yaml:"model,omitempty"`
	RunCondition    string   `yaml:"run_condition,omitempty"`
	RequiredContext []string `yaml:"required_context,omitempty"`
}

// LoadDefinition reads and validates a yaml workflow definition.
func LoadDefinition(path string) (*Definition, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(bytes, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition: name is required")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("definition: at least one task is required")
	}
	names := map[string]struct{}{}
	var collect func(defs []TaskDef) error
	collect = func(defs []TaskDef) error {
		for _, td := range defs {
			if td.Name == "" {
				return fmt.Errorf("definition: task without a name")
			}
			if _, dup := names[td.Name]; dup {
				return fmt.Errorf("definition: duplicate task name %q", td.Name)
			}
			names[td.Name] = struct{}{}
			if err := collect(td.Subtasks); err != nil {
				return err
			}
		}
		return nil
	}
	if err := collect(d.Tasks); err != nil {
		return err
	}
	var checkDeps func(defs []TaskDef) error
	checkDeps = func(defs []TaskDef) error {
		for _, td := range defs {
			for _, dep := range td.DependsOn {
				if _, ok := names[dep]; !ok {
					return fmt.Errorf("definition: task %q depends on unknown task %q", td.Name, dep)
				}
			}
			if err := checkDeps(td.Subtasks); err != nil {
				return err
			}
		}
		return nil
	}
	if err := checkDeps(d.Tasks); err != nil {
		return err
	}

	seenAgents := map[string]struct{}{}
	for _, ad := range d.Agents {
		if ad.ID == "" {
			return fmt.Errorf("definition: agent without an id")
		}
		if _, dup := seenAgents[ad.ID]; dup {
			return fmt.Errorf("definition: duplicate agent id %q", ad.ID)
		}
		seenAgents[ad.ID] = struct{}{}
	}

	for _, pd := range d.Preferences {
		if pd.Name == "" {
			return fmt.Errorf("definition: preference without a name")
		}
		for _, rd := range pd.Rubrics {
			if rd.Builtin == "" && rd.Prompt == "" {
				return fmt.Errorf("definition: rubric %q needs a builtin or a prompt", rd.Name)
			}
			if rd.Builtin != "" && rd.Prompt != "" {
				return fmt.Errorf("definition: rubric %q has both a builtin and a prompt", rd.Name)
			}
			if rd.Builtin != "" {
				if _, ok := eval.BuiltinRubricFn(rd.Builtin); !ok {
					return fmt.Errorf("definition: rubric %q references unknown builtin %q", rd.Name, rd.Builtin)
				}
			}
		}
	}
	return nil
}

// Setup is a workflow definition instantiated against live collaborators.
type Setup struct {
	Workflow    *workflow.Workflow
	Registry    *agent.Registry
	Stakeholder agent.Stakeholder
	Preferences *eval.PreferenceWeights
}

// Build instantiates the definition: workflow with resolved dependencies,
// agent registry with scheduled roster changes, stakeholder and preference
// set. The workflow graph is validated before returning.
func (d *Definition) Build(svc *comms.Service, logger *log.Logger, seed int64) (*Setup, error) {
	if logger == nil {
		logger = log.Default()
	}
	w := workflow.New(d.Name, d.Description)

	idsByName := map[string]string{}
	depsByName := map[string][]string{}
	var buildTask func(td TaskDef) *domain.Task
	buildTask = func(td TaskDef) *domain.Task {
		t := workflow.NewTask(td.Name, td.Description)
		t.EstimatedDurationHours = td.EstimatedHours
		t.EstimatedCost = td.EstimatedCost
		idsByName[td.Name] = t.ID
		depsByName[td.Name] = td.DependsOn
		for _, sub := range td.Subtasks {
			t.Subtasks = append(t.Subtasks, buildTask(sub))
		}
		return t
	}
	for _, td := range d.Tasks {
		w.AddTask(buildTask(td))
	}
	for name, deps := range depsByName {
		if len(deps) == 0 {
			continue
		}
		t := w.FindTask(idsByName[name])
		for _, dep := range deps {
			t.DependencyTaskIDs = append(t.DependencyTaskIDs, idsByName[dep])
		}
	}
	if err := w.ValidateGraph(); err != nil {
		return nil, fmt.Errorf("definition %q: %w", d.Name, err)
	}

	prefs, err := d.buildPreferences()
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(logger)
	for i, ad := range d.Agents {
		sim := agent.NewSimulatedAgent(agent.SimulatedConfig{
			ID:                 ad.ID,
			Type:               ad.Type,
			Description:        ad.Description,
			WorkHours:          ad.WorkHours,
			HourlyRate:         ad.HourlyRate,
			FailureRate:        ad.FailureRate,
			MaxConcurrentTasks: ad.MaxConcurrent,
			Seed:               seed + int64(i),
		}, svc, logger)
		if ad.JoinAt > 0 {
			registry.ScheduleAdd(ad.JoinAt, sim, "scheduled join from definition")
		} else {
			registry.Register(sim)
		}
		if ad.LeaveAt != nil {
			registry.ScheduleRemove(*ad.LeaveAt, ad.ID, "scheduled leave from definition")
		}
	}

	var stakeholder agent.Stakeholder
	if d.Stakeholder != nil {
		sh := agent.NewStakeholderAgent(agent.StakeholderConfig{
			ID:                     d.Stakeholder.ID,
			DisplayName:            d.Stakeholder.DisplayName,
			Role:                   d.Stakeholder.Role,
			PersonaDescription:     d.Stakeholder.Description,
			Verbosity:              d.Stakeholder.Verbosity,
			ClarificationReplyRate: d.Stakeholder.ReplyRate,
			PushProbability:        d.Stakeholder.PushProbability,
			SuggestionRate:         d.Stakeholder.SuggestionRate,
			LatencyStepsMin:        d.Stakeholder.LatencyMin,
			LatencyStepsMax:        d.Stakeholder.LatencyMax,
			InitialPreferences:     prefs,
			Seed:                   seed,
		}, svc, logger)
		registry.Register(sh)
		stakeholder = sh
	}

	return &Setup{
		Workflow:    w,
		Registry:    registry,
		Stakeholder: stakeholder,
		Preferences: prefs,
	}, nil
}

func (d *Definition) buildPreferences() (*eval.PreferenceWeights, error) {
	var prefs []*eval.Preference
	for _, pd := range d.Preferences {
		var rubrics []*eval.Rubric
		for _, rd := range pd.Rubrics {
			r := &eval.Rubric{
				Name:         rd.Name,
				MaxScore:     rd.MaxScore,
				RunCondition: eval.RunCondition(rd.RunCondition),
			}
			for _, item := range rd.RequiredContext {
				r.RequiredContext = append(r.RequiredContext, eval.ContextItem(item))
			}
			if rd.Builtin != "" {
				fn, _ := eval.BuiltinRubricFn(rd.Builtin)
				r.Fn = fn
			} else {
				r.LLMPrompt = rd.Prompt
				r.LLMModel = rd.Model
			}
			if err := r.Validate(); err != nil {
				return nil, fmt.Errorf("definition: rubric %q: %w", rd.Name, err)
			}
			rubrics = append(rubrics, r)
		}
		p := &eval.Preference{Name: pd.Name, Weight: pd.Weight}
		if len(rubrics) > 0 {
			p.Evaluator = &eval.Evaluator{Name: pd.Name + "_eval", Rubrics: rubrics}
		}
		prefs = append(prefs, p)
	}
	return eval.NewPreferenceWeights(prefs...), nil
}

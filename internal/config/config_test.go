package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"managym/internal/comms"
	"managym/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "config.toml", `
[run]
max_timesteps = 20
seed = 7

[llm]
model = "gpt-4o-mini"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Run.MaxTimesteps != 20 || cfg.Run.Seed != 7 {
		t.Fatalf("run config: %+v", cfg.Run)
	}
	if cfg.Run.TaskBatchTimeoutMS != 300_000 {
		t.Fatalf("batch timeout default: %d", cfg.Run.TaskBatchTimeoutMS)
	}
	if cfg.Eval.MaxConcurrentRubrics != 100 {
		t.Fatalf("rubric concurrency default: %d", cfg.Eval.MaxConcurrentRubrics)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.MaxRetries != 3 {
		t.Fatalf("llm config: %+v", cfg.LLM)
	}
	if cfg.Path != path {
		t.Fatalf("path = %q", cfg.Path)
	}
}

func TestLoadConfigMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

const sampleDefinition = `
name: product launch
description: ship the first release
tasks:
  - name: plan
    estimated_hours: 2
    estimated_cost: 100
  - name: build
    depends_on: [plan]
    subtasks:
      - name: backend
        estimated_hours: 4
      - name: frontend
        estimated_hours: 3
  - name: announce
    depends_on: [build]
    estimated_hours: 1
agents:
  - id: dev-1
    work_hours: 2
    hourly_rate: 80
  - id: dev-2
    work_hours: 2
    hourly_rate: 60
    join_at: 3
stakeholder:
  id: sponsor
  display_name: Alex
  role: product sponsor
  reply_rate: 0.8
preferences:
  - name: speed
    weight: 2
    rubrics:
      - name: on_time
        max_score: 10
        builtin: time_efficiency
  - name: quality
    weight: 1
    rubrics:
      - name: nothing_failed
        max_score: 5
        builtin: failure_penalty
        run_condition: on_completion
`

func TestLoadDefinition(t *testing.T) {
	path := writeFile(t, "workflow.yaml", sampleDefinition)
	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	if def.Name != "product launch" || len(def.Tasks) != 3 {
		t.Fatalf("definition: %+v", def)
	}
	if len(def.Tasks[1].Subtasks) != 2 {
		t.Fatalf("subtasks: %+v", def.Tasks[1])
	}
}

func TestDefinitionValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown dependency", `
name: w
tasks:
  - name: a
    depends_on: [ghost]
`},
		{"duplicate task name", `
name: w
tasks:
  - name: a
  - name: a
`},
		{"rubric without source", `
name: w
tasks:
  - name: a
preferences:
  - name: p
    weight: 1
    rubrics:
      - name: r
        max_score: 1
`},
		{"unknown builtin", `
name: w
tasks:
  - name: a
preferences:
  - name: p
    weight: 1
    rubrics:
      - name: r
        max_score: 1
        builtin: no_such_rubric
`},
	}
	for _, tc := range cases {
		path := writeFile(t, "workflow.yaml", tc.yaml)
		if _, err := LoadDefinition(path); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestDefinitionBuild(t *testing.T) {
	path := writeFile(t, "workflow.yaml", sampleDefinition)
	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	setup, err := def.Build(comms.NewService(logger), logger, 7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(setup.Workflow.Tasks) != 3 {
		t.Fatalf("top-level tasks: %d", len(setup.Workflow.Tasks))
	}
	var announce *domain.Task
	for _, task := range setup.Workflow.Tasks {
		if task.Name == "announce" {
			announce = task
		}
	}
	if announce == nil || len(announce.DependencyTaskIDs) != 1 {
		t.Fatalf("announce dependencies not resolved: %+v", announce)
	}

	// dev-2 joins later, so only dev-1 and the stakeholder start registered.
	if got := len(setup.Registry.List()); got != 2 {
		t.Fatalf("initial roster size = %d", got)
	}
	setup.Registry.ApplyScheduledChanges(3)
	if got := len(setup.Registry.List()); got != 3 {
		t.Fatalf("roster after join = %d", got)
	}

	if setup.Stakeholder == nil {
		t.Fatalf("stakeholder not built")
	}
	weights := setup.Preferences.Normalize().WeightMap()
	if weights["speed"] <= weights["quality"] {
		t.Fatalf("weights not preserved: %v", weights)
	}
}

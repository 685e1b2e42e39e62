// Package agent provides the worker-side implementations of the workflow
// agent contract: simulated AI and human-persona workers, the stakeholder
// agent with its preference timeline, and the run registry.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"managym/internal/domain"
	"managym/internal/eval"
	"managym/internal/workflow"
)

// Agent extends the engine-facing workflow contract with the lifecycle
// bookkeeping the registry and engine drive.
type Agent interface {
	workflow.Agent
	BeginTask(taskID string)
	FinishTask(taskID string, success bool)
	ConfigureSeed(seed int64)
}

// Stakeholder is the contract for the preference-owning agent the engine
// consults every timestep.
type Stakeholder interface {
	Agent
	PolicyStep(ctx context.Context, timestep int)
	PreferencesForTimestep(timestep int) *eval.PreferenceWeights
	ApplyWeightUpdate(req eval.WeightUpdateRequest) (*eval.PreferenceChange, error)
	ApplyWeightUpdates(reqs []eval.WeightUpdateRequest) ([]*eval.PreferenceChange, error)
	Changes() []*eval.PreferenceChange
	PublicProfile() Profile
}

// Profile is the stakeholder view exposed to the manager: identity and a
// preference summary, never the raw weights.
type Profile struct {
	DisplayName       string `json:"display_name"`
	Role              string `json:"role"`
	PreferenceSummary string `json:"preference_summary"`
}

// Base carries the bookkeeping shared by every agent implementation.
type Base struct {
	id          string
	agentType   string
	description string

	mu            sync.Mutex
	maxConcurrent int
	current       map[string]struct{}
	completed     int
	available     bool
	seed          int64
	joinedAt      time.Time
}

func NewBase(id, agentType, description string, maxConcurrent int) *Base {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Base{
		id:            id,
		agentType:     agentType,
		description:   description,
		maxConcurrent: maxConcurrent,
		current:       map[string]struct{}{},
		available:     true,
		joinedAt:      time.Now().UTC(),
	}
}

func (b *Base) AgentID() string     { return b.id }
func (b *Base) AgentType() string   { return b.agentType }
func (b *Base) Description() string { return b.description }

func (b *Base) CanAccept() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available && len(b.current) < b.maxConcurrent
}

func (b *Base) BeginTask(taskID string) {
	b.mu.Lock()
	b.current[taskID] = struct{}{}
	b.mu.Unlock()
}

func (b *Base) FinishTask(taskID string, success bool) {
	b.mu.Lock()
	delete(b.current, taskID)
	if success {
		b.completed++
	}
	b.mu.Unlock()
}

func (b *Base) CurrentTaskIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.current))
	for id := range b.current {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Base) TasksCompleted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

func (b *Base) SetAvailable(v bool) {
	b.mu.Lock()
	b.available = v
	b.mu.Unlock()
}

func (b *Base) ConfigureSeed(seed int64) {
	b.mu.Lock()
	b.seed = seed
	b.mu.Unlock()
}

func (b *Base) Seed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seed
}

// resourceNames is a small helper for building execution notes.
func resourceNames(resources []*domain.Resource) []string {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.Name)
	}
	return out
}

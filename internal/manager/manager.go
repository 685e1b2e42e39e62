// Package manager defines the orchestration policy surface: the observation
// handed to a manager each timestep, the closed set of actions it can take,
// and baseline policy implementations.
package manager

import (
	"context"
	"sync"

	"managym/internal/agent"
	"managym/internal/comms"
	"managym/internal/domain"
	"managym/internal/workflow"
)

// historyLimit bounds the per-manager action buffer.
const historyLimit = 50

// Manager is the orchestration decision-maker: one action per timestep,
// RL-style, with the previous reward fed back on the next call.
type Manager interface {
	AgentID() string
	Step(ctx context.Context, obs *Observation, previousReward float64, done bool) (Action, error)
	OnActionExecuted(timestep int, action Action, result *ActionResult)
	ActionHistory(n int) []ActionResult
	SetMaxTimesteps(n int)
	ConfigureSeed(seed int64)
	Reset()
}

// AgentMeta is the roster entry a manager sees for each available agent.
type AgentMeta struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Observation is the per-timestep snapshot a manager decides from.
type Observation struct {
	Timestep        int                   `json:"timestep"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowSummary string                `json:"workflow_summary"`
	ExecutionState  domain.ExecutionState `json:"execution_state"`

	TaskStatusCounts map[domain.TaskStatus]int `json:"task_status_counts"`
	ReadyTaskIDs     []string                  `json:"ready_task_ids"`
	RunningTaskIDs   []string                  `json:"running_task_ids"`
	CompletedTaskIDs []string                  `json:"completed_task_ids"`
	FailedTaskIDs    []string                  `json:"failed_task_ids"`

	AvailableAgents []AgentMeta         `json:"available_agents"`
	RecentMessages  []*domain.Message   `json:"recent_messages"`
	Constraints     []domain.Constraint `json:"constraints"`

	WorkflowProgress float64 `json:"workflow_progress"`

	// Timeline awareness; MaxTimesteps is zero when no cap is configured.
	MaxTimesteps       int     `json:"max_timesteps,omitempty"`
	TimestepsRemaining int     `json:"timesteps_remaining,omitempty"`
	TimeProgress       float64 `json:"time_progress,omitempty"`

	TaskIDs     []string `json:"task_ids"`
	ResourceIDs []string `json:"resource_ids"`
	AgentIDs    []string `json:"agent_ids"`

	StakeholderProfile agent.Profile `json:"stakeholder_profile"`
}

// ObservationInput is what the engine knows at observation time.
type ObservationInput struct {
	Workflow         *workflow.Workflow
	State            domain.ExecutionState
	Timestep         int
	RunningTaskIDs   []string
	CompletedTaskIDs []string
	FailedTaskIDs    []string
	Comms            *comms.Service
	Stakeholder      agent.Profile
	MaxTimesteps     int
}

// BuildObservation assembles the manager view from settled engine state.
func BuildObservation(in ObservationInput) *Observation {
	w := in.Workflow
	obs := &Observation{
		Timestep:           in.Timestep,
		WorkflowID:         w.ID,
		WorkflowSummary:    w.Summary(),
		ExecutionState:     in.State,
		TaskStatusCounts:   w.StatusCounts(),
		RunningTaskIDs:     append([]string(nil), in.RunningTaskIDs...),
		CompletedTaskIDs:   append([]string(nil), in.CompletedTaskIDs...),
		FailedTaskIDs:      append([]string(nil), in.FailedTaskIDs...),
		Constraints:        w.Constraints,
		StakeholderProfile: in.Stakeholder,
		AgentIDs:           w.AgentIDs(),
	}

	for _, t := range w.ComputeReady() {
		obs.ReadyTaskIDs = append(obs.ReadyTaskIDs, t.ID)
	}
	for _, a := range w.AvailableAgents() {
		obs.AvailableAgents = append(obs.AvailableAgents, AgentMeta{
			ID:          a.AgentID(),
			Type:        a.AgentType(),
			Description: a.Description(),
		})
	}
	for id := range w.Tasks {
		obs.TaskIDs = append(obs.TaskIDs, id)
	}
	for id := range w.Resources {
		obs.ResourceIDs = append(obs.ResourceIDs, id)
	}
	if in.Comms != nil {
		all := in.Comms.AllMessages()
		if len(all) > 10 {
			all = all[:10]
		}
		obs.RecentMessages = all
	}
	if n := len(w.Tasks); n > 0 {
		obs.WorkflowProgress = float64(len(in.CompletedTaskIDs)) / float64(n)
	}
	if in.MaxTimesteps > 0 {
		obs.MaxTimesteps = in.MaxTimesteps
		remaining := in.MaxTimesteps - in.Timestep - 1
		if remaining < 0 {
			remaining = 0
		}
		obs.TimestepsRemaining = remaining
		progress := float64(in.Timestep) / float64(in.MaxTimesteps)
		if progress > 1 {
			progress = 1
		}
		obs.TimeProgress = progress
	}
	return obs
}

// Base provides the bounded action history and horizon bookkeeping shared by
// manager implementations.
type Base struct {
	id string

	mu           sync.Mutex
	buffer       []ActionResult
	maxTimesteps int
	seed         int64
}

func NewBase(id string) *Base {
	return &Base{id: id, seed: 42}
}

func (b *Base) AgentID() string { return b.id }

func (b *Base) SetMaxTimesteps(n int) {
	b.mu.Lock()
	if n >= 0 {
		b.maxTimesteps = n
	}
	b.mu.Unlock()
}

func (b *Base) MaxTimesteps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxTimesteps
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

func (b *Base) RecordAction(res ActionResult) {
	b.mu.Lock()
	b.buffer = append(b.buffer, res)
	if len(b.buffer) > historyLimit {
		b.buffer = b.buffer[len(b.buffer)-historyLimit:]
	}
	b.mu.Unlock()
}

// ActionHistory returns the n most recent action briefs, oldest first; n<=0
// returns the whole buffer.
func (b *Base) ActionHistory(n int) []ActionResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]ActionResult(nil), b.buffer...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// OnActionExecuted records a compact brief of an executed action, including
// the outcome summary when one exists.
func (b *Base) OnActionExecuted(timestep int, action Action, result *ActionResult) {
	brief := ActionResult{
		ActionType: action.Type(),
		Kind:       KindUnknown,
		Timestep:   timestep,
		Summary:    "action may have been attempted but no result was produced",
	}
	if result != nil {
		brief.Kind = result.Kind
		brief.Summary = result.Summary
		brief.Success = result.Success
	}
	b.RecordAction(brief)
}

func (b *Base) Reset() {
	b.mu.Lock()
	b.buffer = nil
	b.mu.Unlock()
}

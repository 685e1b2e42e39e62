package domain

import (
	"fmt"
	"time"
)

// ExecutionResult is the unified record for a single execution: one task run
// by an agent, or one engine timestep.
type ExecutionResult struct {
	ID         string   `json:"id"`
	ExecutorID string   `json:"executor_id"`
	TargetType string   `json:"target_type"`
	TargetIDs  []string `json:"target_ids"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`

	OutputResources []*Resource `json:"output_resources,omitempty"`

	ExecutionTimeSeconds   float64   `json:"execution_time_seconds"`
	SimulatedDurationHours float64   `json:"simulated_duration_hours"`
	CompletedAt            time.Time `json:"completed_at"`

	ActualCost float64 `json:"actual_cost"`
	TokensUsed int     `json:"tokens_used"`

	ExecutionNotes []string       `json:"execution_notes,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewTaskResult builds an ExecutionResult for a single task execution.
func NewTaskResult(taskID, agentID string, success bool, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		ID:                   fmt.Sprintf("task_%s", taskID),
		ExecutorID:           agentID,
		TargetType:           "task",
		TargetIDs:            []string{taskID},
		Success:              success,
		ExecutionTimeSeconds: elapsed.Seconds(),
		CompletedAt:          time.Now().UTC(),
	}
}

// TimestepRecord summarizes one engine timestep for persistence and
// observation history.
type TimestepRecord struct {
	Timestep       int            `json:"timestep"`
	ManagerID      string         `json:"manager_id"`
	ExecutionState ExecutionState `json:"execution_state"`

	TasksStarted   []string `json:"tasks_started"`
	TasksCompleted []string `json:"tasks_completed"`
	TasksFailed    []string `json:"tasks_failed"`

	ActionType    string  `json:"action_type,omitempty"`
	ActionSummary string  `json:"action_summary,omitempty"`
	ActionSuccess bool    `json:"action_success"`
	Reward        float64 `json:"reward"`

	CompletedSimulatedHours float64   `json:"completed_simulated_hours"`
	ExecutionTimeSeconds    float64   `json:"execution_time_seconds"`
	RecordedAt              time.Time `json:"recorded_at"`
}

func (r *TimestepRecord) Success() bool { return len(r.TasksFailed) == 0 }

package domain

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type ExecutionState string

const (
	ExecutionStateInitialized       ExecutionState = "initialized"
	ExecutionStateRunning           ExecutionState = "running"
	ExecutionStateWaitingForManager ExecutionState = "waiting_for_manager"
	ExecutionStateExecutingTasks    ExecutionState = "executing_tasks"
	ExecutionStateCompleted         ExecutionState = "completed"
	ExecutionStateFailed            ExecutionState = "failed"
	ExecutionStateCancelled         ExecutionState = "cancelled"
)

type MessageType string

const (
	MessageTypeDirect       MessageType = "direct"
	MessageTypeBroadcast    MessageType = "broadcast"
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeAlert        MessageType = "alert"
	MessageTypeStatusUpdate MessageType = "status_update"
	MessageTypeGeneral      MessageType = "general"
)

type ConstraintType string

const (
	ConstraintTypeHard           ConstraintType = "hard"
	ConstraintTypeSoft           ConstraintType = "soft"
	ConstraintTypeOrganizational ConstraintType = "organizational"
	ConstraintTypeRegulatory     ConstraintType = "regulatory"
)

// Task is a unit of work in the workflow DAG. A task with no subtasks is
// atomic and is the only kind the engine dispatches to an agent; a task with
// subtasks is composite and derives its completion from its descendants.
type Task struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	Status            TaskStatus `json:"status"`
	DependencyTaskIDs []string   `json:"dependency_task_ids"`
	Subtasks          []*Task    `json:"subtasks,omitempty"`
	AssignedAgentID   string     `json:"assigned_agent_id,omitempty"`

	EstimatedDurationHours float64 `json:"estimated_duration_hours"`
	ActualDurationHours    float64 `json:"actual_duration_hours"`
	EstimatedCost          float64 `json:"estimated_cost"`
	ActualCost             float64 `json:"actual_cost"`

	OutputResourceIDs []string `json:"output_resource_ids,omitempty"`
	ExecutionNotes    []string `json:"execution_notes,omitempty"`

	DepsReadyAt *time.Time `json:"deps_ready_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (t *Task) IsAtomic() bool    { return len(t.Subtasks) == 0 }
func (t *Task) IsComposite() bool { return len(t.Subtasks) > 0 }

func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// AtomicSubtasks returns all atomic descendants of t in depth-first order.
// For an atomic task it returns the task itself.
func (t *Task) AtomicSubtasks() []*Task {
	if t.IsAtomic() {
		return []*Task{t}
	}
	var out []*Task
	for _, sub := range t.Subtasks {
		out = append(out, sub.AtomicSubtasks()...)
	}
	return out
}

// FindSubtask searches t's subtree (including t) for the given id.
func (t *Task) FindSubtask(id string) *Task {
	if t.ID == id {
		return t
	}
	for _, sub := range t.Subtasks {
		if found := sub.FindSubtask(id); found != nil {
			return found
		}
	}
	return nil
}

func (t *Task) AddNote(note string) {
	if note == "" {
		return
	}
	t.ExecutionNotes = append(t.ExecutionNotes, note)
}

func (t *Task) Summary() string {
	kind := "atomic"
	if t.IsComposite() {
		kind = fmt.Sprintf("composite/%d", len(t.Subtasks))
	}
	return fmt.Sprintf("%s [%s] %s status=%s deps=%d agent=%s",
		t.ID, kind, t.Name, t.Status, len(t.DependencyTaskIDs), t.AssignedAgentID)
}

// Resource is an artifact produced by a task execution: a document, dataset
// or code blob held inline. Resources live in the workflow registry and are
// referenced by id from tasks.
type Resource struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Resource) Preview(n int) string {
	s := strings.TrimSpace(r.Content)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Message is one inter-agent communication. ReceiverID is empty for
// broadcasts; Recipients carries the resolved delivery set. Messages are
// immutable after creation except for the ReadBy map.
type Message struct {
	ID            string               `json:"id"`
	SenderID      string               `json:"sender_id"`
	ReceiverID    string               `json:"receiver_id,omitempty"`
	Recipients    []string             `json:"recipients,omitempty"`
	Content       string               `json:"content"`
	Type          MessageType          `json:"type"`
	ThreadID      string               `json:"thread_id,omitempty"`
	RelatedTaskID string               `json:"related_task_id,omitempty"`
	Priority      int                  `json:"priority"`
	ReadBy        map[string]time.Time `json:"read_by,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// IsBroadcast treats both the broadcast type and an empty receiver as
// broadcasts: fan-out sends keep their semantic type (alerts, status
// updates) yet still have no single receiver.
func (m *Message) IsBroadcast() bool { return m.ReceiverID == "" || m.Type == MessageTypeBroadcast }

// AddressedTo reports whether agentID should see m in its inbox.
func (m *Message) AddressedTo(agentID string) bool {
	if m.ReceiverID == agentID {
		return true
	}
	for _, r := range m.Recipients {
		if r == agentID {
			return true
		}
	}
	return false
}

// MessageThread groups messages into a conversation with a fixed participant
// set and optional topic.
type MessageThread struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	Topic         string    `json:"topic,omitempty"`
	RelatedTaskID string    `json:"related_task_id,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

func (t *MessageThread) HasParticipant(agentID string) bool {
	for _, p := range t.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// Constraint is a rule the workflow run is expected to honor. Hard
// constraints gate acceptance; soft constraints inform evaluation.
type Constraint struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	ConstraintType      ConstraintType `json:"constraint_type"`
	EnforcementLevel    float64        `json:"enforcement_level"`
	ApplicableTaskTypes []string       `json:"applicable_task_types,omitempty"`
}

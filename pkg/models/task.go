package models

import "time"

// TaskStatus represents the state of a task in the per-channel DAG.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is sticky: once a task reaches a
// terminal status it never transitions again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority orders tasks within a readiness level.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 1
	PriorityHigh   TaskPriority = 2
	PriorityUrgent TaskPriority = 3
)

// Task is one unit of work in a channel's dependency graph.
type Task struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    TaskPriority   `json:"priority"`
	Status      TaskStatus     `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`

	// DependsOn lists task ids that must complete before this task may be
	// assigned or started.
	DependsOn []string `json:"depends_on,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// validTransitions encodes the task status machine. Terminal states have no
// outgoing edges. Pending may complete directly so trivial tasks need no
// intermediate assignment.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusBlocked, TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusBlocked, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusBlocked:    {TaskStatusPending, TaskStatusAssigned, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsClaimable returns true if a worker may still claim a task in this status.
func (s TaskStatus) IsClaimable() bool {
	return s == TaskStatusPending || s == TaskStatusQueued
}

// CanTransitionTo reports whether the status machine permits moving from s
// to next. Identical running->running writes are allowed (idempotent) so a
// worker can re-report RUNNING without tripping the invariant check.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusAssigned || next == TaskStatusCancelled
	case TaskStatusQueued:
		return next == TaskStatusAssigned || next == TaskStatusCancelled
	case TaskStatusAssigned:
		return next == TaskStatusRunning || next.IsTerminal()
	case TaskStatusRunning:
		return next == TaskStatusRunning || next.IsTerminal()
	}
	return false
}

// Codebase sentinels. GlobalCodebase marks work not bound to any codebase;
// workers that declare it receive global tasks. PendingCodebase is used
// internally for tasks created before their codebase row is registered.
const (
	GlobalCodebase  = "global"
	PendingCodebase = "pending-registration"
)

// Task represents a unit of work: a prompt plus routing metadata.
type Task struct {
	ID                   string                 `json:"id"`
	TenantID             string                 `json:"tenant_id"`
	CodebaseID           *string                `json:"codebase_id,omitempty"`
	Title                string                 `json:"title"`
	Prompt               string                 `json:"prompt"`
	AgentType            string                 `json:"agent_type,omitempty"`
	Priority             int                    `json:"priority"`
	RequestedModel       string                 `json:"requested_model,omitempty"`
	ResolvedModel        string                 `json:"resolved_model,omitempty"`
	TargetAgentName      string                 `json:"target_agent_name,omitempty"`
	WorkerPersonality    string                 `json:"worker_personality,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Status               TaskStatus             `json:"status"`
	WorkerID             *string                `json:"worker_id,omitempty"`
	SessionID            *string                `json:"session_id,omitempty"`
	Result               string                 `json:"result,omitempty"`
	Error                string                 `json:"error,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	StartedAt            *time.Time             `json:"started_at,omitempty"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

// CreateTaskRequest for creating a new task.
type CreateTaskRequest struct {
	CodebaseID        *string                `json:"codebase_id,omitempty"`
	Title             string                 `json:"title" binding:"required,max=500"`
	Prompt            string                 `json:"prompt" binding:"required"`
	AgentType         string                 `json:"agent_type,omitempty"`
	Files             []string               `json:"files,omitempty"`
	Priority          int                    `json:"priority" binding:"min=0,max=10"`
	Model             string                 `json:"model,omitempty"`
	ModelRef          string                 `json:"model_ref,omitempty"`
	WorkerPersonality string                 `json:"worker_personality,omitempty"`
	TargetAgentName   string                 `json:"target_agent_name,omitempty"`
	SessionID         *string                `json:"session_id,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// CancelTaskResponse reports how a cancel request was applied. Pre-claim
// cancels are final; post-claim cancels become an advisory interrupt routed
// to the owning worker.
type CancelTaskResponse struct {
	Task        *Task `json:"task"`
	Interrupted bool  `json:"interrupted"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

package v1

import "time"

// WorkerStatus represents the connection state of a worker.
type WorkerStatus string

const (
	WorkerStatusConnected    WorkerStatus = "connected"
	WorkerStatusDisconnected WorkerStatus = "disconnected"
)

// Worker represents an external agent process connected to the control plane.
type Worker struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Name            string       `json:"name"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	Codebases       []string     `json:"codebases,omitempty"`
	SupportedModels []string     `json:"supported_models,omitempty"`
	Status          WorkerStatus `json:"status"`
	LastSeenAt      time.Time    `json:"last_seen_at"`
	ConnectedAt     time.Time    `json:"connected_at"`
}

// Stream event names written on the worker push stream.
const (
	StreamEventConnected     = "connected"
	StreamEventHeartbeat     = "heartbeat"
	StreamEventTaskAvailable = "task_available"
	StreamEventTaskClaimed   = "task_claimed"
	StreamEventInterrupt     = "interrupt"
)

// ConnectedEvent is the first event written on a worker stream.
type ConnectedEvent struct {
	ChannelID string `json:"channel_id"`
	WorkerID  string `json:"worker_id"`
}

// HeartbeatEvent keeps the stream alive and carries server time.
type HeartbeatEvent struct {
	Time time.Time `json:"time"`
}

// TaskAvailableEvent carries the minimal routing tuple for a claimable task.
// The full prompt is deliberately omitted; workers pull it via claim.
type TaskAvailableEvent struct {
	TaskID               string   `json:"task_id"`
	CodebaseID           *string  `json:"codebase_id,omitempty"`
	Title                string   `json:"title"`
	Priority             int      `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	TargetAgentName      string   `json:"target_agent_name,omitempty"`
	WorkerPersonality    string   `json:"worker_personality,omitempty"`
	ModelRef             string   `json:"model_ref,omitempty"`
}

// TaskClaimedEvent tells other streams a task is no longer available.
type TaskClaimedEvent struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// InterruptEvent asks the owning worker to stop a claimed task. Honoring it
// is advisory; the worker still reports a terminal status.
type InterruptEvent struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// ClaimTaskRequest is sent by a worker to claim an advertised task.
type ClaimTaskRequest struct {
	TaskID   string `json:"task_id" binding:"required"`
	WorkerID string `json:"worker_id,omitempty"`
}

// ReleaseTaskRequest reports a status change or terminal outcome for a task.
type ReleaseTaskRequest struct {
	TaskID    string     `json:"task_id" binding:"required"`
	Status    TaskStatus `json:"status" binding:"required"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	SessionID *string    `json:"session_id,omitempty"`
	WorkerID  string     `json:"worker_id,omitempty"`
	ModelUsed string     `json:"model_used,omitempty"`
}

// UpdateCodebasesRequest replaces a worker's declared codebase set.
type UpdateCodebasesRequest struct {
	Codebases []string `json:"codebases" binding:"required"`
}

// HeartbeatRequest refreshes worker liveness outside the push stream.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

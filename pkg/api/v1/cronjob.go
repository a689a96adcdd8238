package v1

import "time"

// TaskTemplate is the task materialized each time a cronjob fires.
type TaskTemplate struct {
	Title     string                 `json:"title" binding:"required,max=500"`
	Prompt    string                 `json:"prompt" binding:"required"`
	AgentType string                 `json:"agent_type,omitempty"`
	Priority  int                    `json:"priority" binding:"min=0,max=10"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Cronjob is a persisted schedule that produces tasks.
type Cronjob struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Schedule  string       `json:"schedule"`
	Timezone  string       `json:"timezone,omitempty"`
	Enabled   bool         `json:"enabled"`
	Template  TaskTemplate `json:"template"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CreateCronjobRequest creates a new cronjob.
type CreateCronjobRequest struct {
	Schedule string       `json:"schedule" binding:"required"`
	Timezone string       `json:"timezone,omitempty"`
	Enabled  *bool        `json:"enabled,omitempty"`
	Template TaskTemplate `json:"template" binding:"required"`
}

// UpdateCronjobRequest updates an existing cronjob.
type UpdateCronjobRequest struct {
	Schedule *string       `json:"schedule,omitempty"`
	Timezone *string       `json:"timezone,omitempty"`
	Enabled  *bool         `json:"enabled,omitempty"`
	Template *TaskTemplate `json:"template,omitempty"`
}

// ReconcileReport summarizes a full cron reconciliation pass.
type ReconcileReport struct {
	Checked    int      `json:"checked"`
	Reconciled int      `json:"reconciled"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

package v1

import "time"

// SessionStatus represents the lifecycle of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// Session groups tasks that share one external worker instance.
type Session struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	CodebaseID  string        `json:"codebase_id"`
	Status      SessionStatus `json:"status"`
	ServiceName string        `json:"service_name,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// CreateSessionRequest starts a new session for a codebase.
type CreateSessionRequest struct {
	CodebaseID string `json:"codebase_id" binding:"required"`
}

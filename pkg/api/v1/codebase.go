package v1

import "time"

// CodebaseStatus represents codebase availability.
type CodebaseStatus string

const (
	CodebaseStatusActive   CodebaseStatus = "active"
	CodebaseStatusArchived CodebaseStatus = "archived"
)

// Codebase represents an opaque workspace identifier, usually owned by one
// worker. The path string is interpreted only by that worker.
type Codebase struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Path      string         `json:"path,omitempty"`
	WorkerID  *string        `json:"worker_id,omitempty"`
	Status    CodebaseStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UpsertCodebaseRequest creates or updates a codebase.
type UpsertCodebaseRequest struct {
	ID       string  `json:"id" binding:"required"`
	Name     string  `json:"name" binding:"required,max=200"`
	Path     string  `json:"path,omitempty"`
	WorkerID *string `json:"worker_id,omitempty"`
}

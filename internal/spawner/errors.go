package spawner

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// FailureClass partitions external-API errors by how callers should react.
type FailureClass string

const (
	// FailureConfigMissing means the template source or driver config is
	// absent. Fatal; retrying cannot help.
	FailureConfigMissing FailureClass = "config_missing"
	// FailureRendering means a template or substitution value is invalid.
	FailureRendering FailureClass = "rendering"
	// FailurePermission means the orchestrator rejected our credentials.
	FailurePermission FailureClass = "permission"
	// FailureConflict means the resource already exists or was modified
	// concurrently. Recoverable; usually treated as success on create.
	FailureConflict FailureClass = "conflict"
	// FailureTransient covers timeouts and server-side errors. Retryable.
	FailureTransient FailureClass = "transient"
)

// Error wraps an orchestrator failure with its classification.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("spawner %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class FailureClass, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Classify maps an orchestrator API error onto a failure class.
func Classify(err error) FailureClass {
	var spawnErr *Error
	if errors.As(err, &spawnErr) {
		return spawnErr.Class
	}
	switch {
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return FailurePermission
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return FailureConflict
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return FailureRendering
	default:
		return FailureTransient
	}
}

// IsClass reports whether err carries the given classification.
func IsClass(err error, class FailureClass) bool {
	return Classify(err) == class
}

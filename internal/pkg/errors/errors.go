package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is a generic sentinel for writes lost to a concurrent state change.
	ErrConflict = errors.New("conflict")
	// ErrCompanyDeleted marks a pipeline aborted because the owning company vanished.
	ErrCompanyDeleted = errors.New("company deleted")
	// ErrCanceled marks a job attempt abandoned because the job was canceled mid-flight.
	ErrCanceled = errors.New("job canceled")
)

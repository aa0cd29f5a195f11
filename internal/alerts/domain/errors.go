package alerts

import "errors"

var (
	// ErrNotFound indicates a missing alert record.
	ErrNotFound = errors.New("alert: not found")
	// ErrAlreadyExists indicates an alert with the same id was already raised.
	ErrAlreadyExists = errors.New("alert: already exists")
	// ErrVersionConflict indicates the stored record changed since it was read.
	ErrVersionConflict = errors.New("alert: version conflict")
	// ErrConcurrentModification indicates retries were exhausted on a contended alert.
	ErrConcurrentModification = errors.New("alert: concurrent modification")
	// ErrOperatorRequired indicates a handling request without operator identity.
	ErrOperatorRequired = errors.New("alert: operator required")
)

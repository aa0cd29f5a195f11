package nodes

import "errors"

var (
	// ErrNotFound indicates a missing node record.
	ErrNotFound = errors.New("nodes: not found")
	// ErrUnknownApplication indicates a message for an unregistered application.
	ErrUnknownApplication = errors.New("nodes: unknown application")
	// ErrVersionConflict indicates the stored record changed since it was read.
	ErrVersionConflict = errors.New("nodes: version conflict")
	// ErrConcurrentModification indicates retries were exhausted on a contended node.
	ErrConcurrentModification = errors.New("nodes: concurrent modification")
)

var (
	// ErrInvalidState indicates a state outside the lifecycle.
	ErrInvalidState = errors.New("nodes: invalid state")
	// ErrUnknownEvent indicates an event the engine does not recognise.
	ErrUnknownEvent = errors.New("nodes: unknown event")
)

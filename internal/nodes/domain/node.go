package nodes

import (
	"context"
	"strings"
	"time"
)

// State is the lifecycle state of a node.
type State string

const (
	StateOffline    State = "OFFLINE"
	StateReady      State = "READY"
	StateRecording  State = "RECORDING"
	StateAlertReady State = "ALERT_READY"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateOffline, StateReady, StateRecording, StateAlertReady:
		return true
	default:
		return false
	}
}

// Node is the registry record of one sensor node within an application.
type Node struct {
	ID              string    `json:"id"`
	ApplicationID   string    `json:"applicationID"`
	NodeID          string    `json:"nodeID"`
	Name            string    `json:"name,omitempty"`
	State           State     `json:"state"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
	ActiveSessionID int64     `json:"activeSessionID,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Version         int64     `json:"-"`
}

// Key returns the registry key for (applicationID, nodeID).
func Key(applicationID, nodeID string) string {
	return applicationID + "/" + nodeID
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (applicationID, nodeID string, ok bool) {
	applicationID, nodeID, ok = strings.Cut(key, "/")
	if !ok || applicationID == "" || nodeID == "" {
		return "", "", false
	}
	return applicationID, nodeID, true
}

// Recording reports whether a session is in progress.
func (n Node) Recording() bool {
	return n.State == StateRecording
}

// Application scopes a set of nodes. Only registered applications may register nodes.
type Application struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Organization string    `json:"organization,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Repository persists node records with optimistic concurrency.
type Repository interface {
	Get(ctx context.Context, key string) (*Node, error)
	// Create stores a new node and fails with ErrVersionConflict when it already exists.
	Create(ctx context.Context, node *Node) error
	// Update stores node when its Version still matches and bumps Version on success.
	Update(ctx context.Context, node *Node) error
	List(ctx context.Context, applicationID string) ([]Node, error)
}

// ApplicationRepository persists applications.
type ApplicationRepository interface {
	Get(ctx context.Context, id string) (*Application, error)
	Create(ctx context.Context, app *Application) error
	List(ctx context.Context) ([]Application, error)
}

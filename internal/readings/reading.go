package readings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicate indicates the reading was already persisted.
	ErrDuplicate = errors.New("readings: duplicate")
	// ErrNotFound indicates a missing reading.
	ErrNotFound = errors.New("readings: not found")
)

// Reading is one immutable telemetry sample for a sensor channel of a node.
type Reading struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"applicationID"`
	NodeID        string    `json:"nodeID"`
	NodeKey       string    `json:"nodeKey"`
	SessionID     int64     `json:"sessionID"`
	ReadingID     int64     `json:"readingID"`
	CanID         int       `json:"canID"`
	SensorNumber  int       `json:"sensorNumber"`
	DangerLevel   float64   `json:"dangerLevel"`
	Window1Count  int       `json:"window1_count"`
	Window2Count  int       `json:"window2_count"`
	Window3Count  int       `json:"window3_count"`
	PublishedAt   time.Time `json:"publishedAt"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Key identifies a reading by node, session, reading id and channel, so redelivered
// messages map onto the same record.
func (r Reading) Key() string {
	return fmt.Sprintf("%s/%d/%d/%d-%d", r.NodeKey, r.SessionID, r.ReadingID, r.CanID, r.SensorNumber)
}

// Channel returns the "canID:sensorNumber" channel label.
func (r Reading) Channel() string {
	return fmt.Sprintf("%d:%d", r.CanID, r.SensorNumber)
}

// Repository persists readings insert-only.
type Repository interface {
	// Save stores r and fails with ErrDuplicate if its key already exists.
	Save(ctx context.Context, r *Reading) error
	Get(ctx context.Context, id string) (*Reading, error)
	ListBySession(ctx context.Context, nodeKey string, sessionID int64) ([]Reading, error)
	// NextReadingID returns a time-derived, strictly increasing reading id.
	NextReadingID(ctx context.Context, at time.Time) (int64, error)
}

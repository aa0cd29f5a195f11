package alerts

import (
	"context"
	"time"
)

// Alert is raised against one reading and handled at most once by an operator.
type Alert struct {
	ID            string    `json:"id"`
	ReadingID     string    `json:"readingID"`
	NodeKey       string    `json:"nodeKey"`
	ApplicationID string    `json:"applicationID"`
	NodeID        string    `json:"nodeID"`
	SessionID     int64     `json:"sessionID"`
	CanID         int       `json:"canID"`
	SensorNumber  int       `json:"sensorNumber"`
	DangerLevel   float64   `json:"dangerLevel"`
	IsHandled     bool      `json:"isHandled"`
	IsConfirmed   bool      `json:"isConfirmed"`
	HandleNote    string    `json:"handleNote,omitempty"`
	HandledBy     string    `json:"handledBy,omitempty"`
	HandledAt     time.Time `json:"handledAt,omitempty"`
	RaisedAt      time.Time `json:"raisedAt"`
	Version       int64     `json:"-"`
}

// Handling is an operator decision for one alert.
type Handling struct {
	Confirmed bool
	Note      string
	Operator  string
}

// Filter selects alerts in List.
type Filter struct {
	NodeKey     string
	SessionID   int64
	OnlyPending bool
}

// Repository persists alerts with optimistic concurrency.
type Repository interface {
	Get(ctx context.Context, id string) (*Alert, error)
	// Create stores a new alert and fails with ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, alert *Alert) error
	// Update stores alert when its Version still matches and bumps Version on success.
	Update(ctx context.Context, alert *Alert) error
	List(ctx context.Context, filter Filter) ([]Alert, error)
}

package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	alerts "irma-supervisor/internal/alerts/domain"
	"irma-supervisor/internal/observability/metrics"
	"irma-supervisor/internal/readings"
)

const defaultMaxAttempts = 5

// HandleResult is the outcome of a handling request.
type HandleResult struct {
	Alert          alerts.Alert
	PendingCount   int
	AlreadyHandled bool
}

// Ledger tracks alerts per node and their handling.
type Ledger struct {
	repo        alerts.Repository
	clock       clock.Clock
	logger      *zap.SugaredLogger
	maxAttempts int
}

// LedgerOption customizes the ledger.
type LedgerOption func(*Ledger)

// WithClock overrides the time source.
func WithClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.SugaredLogger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMaxAttempts bounds read-modify-write attempts on a contended alert.
func WithMaxAttempts(attempts int) LedgerOption {
	return func(l *Ledger) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
	}
}

// NewLedger constructs a ledger.
func NewLedger(repo alerts.Repository, opts ...LedgerOption) (*Ledger, error) {
	if repo == nil {
		return nil, errors.New("alerts: nil repository")
	}
	ledger := &Ledger{
		repo:        repo,
		clock:       clock.New(),
		logger:      zap.NewNop().Sugar(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger, nil
}

// AlertID derives the alert id from the reading key so a redelivered reading maps to the same alert.
func AlertID(readingKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("irma:alert:"+readingKey)).String()
}

// Raise creates an unhandled alert for reading. The bool is false when the alert already existed.
func (l *Ledger) Raise(ctx context.Context, reading readings.Reading) (*alerts.Alert, bool, error) {
	if l == nil {
		return nil, false, errors.New("alerts: nil ledger")
	}
	if reading.ID == "" || reading.NodeKey == "" {
		return nil, false, errors.New("alerts: persisted reading required")
	}
	alert := &alerts.Alert{
		ID:            AlertID(reading.ID),
		ReadingID:     reading.ID,
		NodeKey:       reading.NodeKey,
		ApplicationID: reading.ApplicationID,
		NodeID:        reading.NodeID,
		SessionID:     reading.SessionID,
		CanID:         reading.CanID,
		SensorNumber:  reading.SensorNumber,
		DangerLevel:   reading.DangerLevel,
		RaisedAt:      l.now(),
	}
	err := l.repo.Create(ctx, alert)
	if errors.Is(err, alerts.ErrAlreadyExists) {
		existing, err := l.repo.Get(ctx, alert.ID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	metrics.IncAlertRaised()
	l.logger.Infow("alert raised", "alert", alert.ID, "node", alert.NodeKey, "session", alert.SessionID, "dangerLevel", alert.DangerLevel)
	return alert, true, nil
}

// PendingCount returns the number of unhandled alerts for a node.
func (l *Ledger) PendingCount(ctx context.Context, nodeKey string) (int, error) {
	if l == nil {
		return 0, errors.New("alerts: nil ledger")
	}
	pending, err := l.repo.List(ctx, alerts.Filter{NodeKey: nodeKey, OnlyPending: true})
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Handle records an operator decision. An already handled alert is returned unchanged.
// PendingCount is read after the write commits.
func (l *Ledger) Handle(ctx context.Context, id string, handling alerts.Handling) (HandleResult, error) {
	if l == nil {
		return HandleResult{}, errors.New("alerts: nil ledger")
	}
	if id == "" {
		return HandleResult{}, errors.New("alerts: alert id required")
	}
	if handling.Operator == "" {
		return HandleResult{}, alerts.ErrOperatorRequired
	}

	var result HandleResult
	operation := func() error {
		alert, err := l.repo.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if alert.IsHandled {
			result = HandleResult{Alert: *alert, AlreadyHandled: true}
			return nil
		}
		alert.IsHandled = true
		alert.IsConfirmed = handling.Confirmed
		alert.HandleNote = handling.Note
		alert.HandledBy = handling.Operator
		alert.HandledAt = l.now()
		if err := l.repo.Update(ctx, alert); err != nil {
			if errors.Is(err, alerts.ErrVersionConflict) {
				metrics.IncVersionConflict("alerts")
				return err
			}
			return backoff.Permanent(err)
		}
		result = HandleResult{Alert: *alert}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.maxAttempts-1)), ctx)); err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			metrics.IncAlertHandled(metrics.AlertNotFound)
		}
		if errors.Is(err, alerts.ErrVersionConflict) {
			return HandleResult{}, fmt.Errorf("%w: %s", alerts.ErrConcurrentModification, id)
		}
		return HandleResult{}, err
	}

	if result.AlreadyHandled {
		metrics.IncAlertHandled(metrics.AlertAlreadyHandled)
	} else {
		metrics.IncAlertHandled(metrics.AlertHandled)
		l.logger.Infow("alert handled", "alert", id, "node", result.Alert.NodeKey, "confirmed", handling.Confirmed, "operator", handling.Operator)
	}

	pending, err := l.PendingCount(ctx, result.Alert.NodeKey)
	if err != nil {
		return HandleResult{}, err
	}
	result.PendingCount = pending
	return result, nil
}

// Get loads one alert.
func (l *Ledger) Get(ctx context.Context, id string) (*alerts.Alert, error) {
	if l == nil {
		return nil, errors.New("alerts: nil ledger")
	}
	if id == "" {
		return nil, alerts.ErrNotFound
	}
	return l.repo.Get(ctx, id)
}

// ListByNode returns a node's alerts, optionally only unhandled ones.
func (l *Ledger) ListByNode(ctx context.Context, nodeKey string, onlyPending bool) ([]alerts.Alert, error) {
	if l == nil {
		return nil, errors.New("alerts: nil ledger")
	}
	if nodeKey == "" {
		return nil, errors.New("alerts: node key required")
	}
	return l.repo.List(ctx, alerts.Filter{NodeKey: nodeKey, OnlyPending: onlyPending})
}

// ListBySession returns alerts raised during one recording session of a node.
func (l *Ledger) ListBySession(ctx context.Context, nodeKey string, sessionID int64) ([]alerts.Alert, error) {
	if l == nil {
		return nil, errors.New("alerts: nil ledger")
	}
	if sessionID == 0 {
		return nil, errors.New("alerts: session id required")
	}
	return l.repo.List(ctx, alerts.Filter{NodeKey: nodeKey, SessionID: sessionID})
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}
